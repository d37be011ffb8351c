package cli

import (
	"fmt"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"
)

var (
	cleanBatch int
	cleanAge   time.Duration
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Reclaim unreferenced objects, processes, and cache entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		stores, err := openStores()
		if err != nil {
			return err
		}
		defer stores.Close()

		threshold := time.Now().Add(-cleanAge)
		result, err := stores.index.Clean(cmd.Context(), threshold, cleanBatch)
		if err != nil {
			return err
		}

		// The index rows are gone; drop the matching bytes from the cache
		// store.
		for _, id := range result.CacheEntries {
			if err := stores.cache.DeletePayload(id); err != nil {
				return err
			}
		}
		for _, id := range result.Objects {
			if err := stores.cache.DeleteNode(id); err != nil {
				return err
			}
		}

		fmt.Printf("deleted %d rows, reclaimed %s\n",
			result.Deleted(), datasize.ByteSize(result.Bytes).HumanReadable())
		return nil
	},
}

func init() {
	cleanCmd.Flags().IntVar(&cleanBatch, "batch", 1000, "Maximum rows to reclaim")
	cleanCmd.Flags().DurationVar(&cleanAge, "age", 0, "Only reclaim rows untouched for this long")
}
