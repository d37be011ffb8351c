// Package cli implements the cairn command surface over the check-in and
// check-out pipelines, the index store, and the garbage collector.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cairnstore/cairn/internal/cachestore"
	"github.com/cairnstore/cairn/internal/index"
)

const CairnVersion = "0.1.0"

var (
	storeDir string
	verbose  bool
)

var rootCmd = &cobra.Command{
	Use:   "cairn",
	Short: "Cairn is a content-addressed artifact store",
	Long: `Cairn ingests filesystem trees into a content-addressed artifact graph,
tracks reachability and storage progress in a durable index, and reclaims
unreachable artifacts.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&storeDir, "store", ".cairn", "Directory holding the index and cache databases")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.Version = CairnVersion

	rootCmd.AddCommand(checkinCmd)
	rootCmd.AddCommand(checkoutCmd)
	rootCmd.AddCommand(metadataCmd)
	rootCmd.AddCommand(cleanCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(tagCmd)
	tagCmd.AddCommand(tagPutCmd, tagGetCmd, tagDeleteCmd)
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// stores bundles the two databases every command needs.
type stores struct {
	cache  *cachestore.Store
	index  *index.Store
	logger *slog.Logger
}

func openStores() (*stores, error) {
	if err := os.MkdirAll(storeDir, 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	logger := newLogger()

	cache, err := cachestore.Open(filepath.Join(storeDir, "cache.db"))
	if err != nil {
		return nil, err
	}
	idx, err := index.Open(filepath.Join(storeDir, "index.db"), logger)
	if err != nil {
		cache.Close()
		return nil, err
	}
	return &stores{cache: cache, index: idx, logger: logger}, nil
}

func (s *stores) Close() {
	s.index.Close()
	s.cache.Close()
}
