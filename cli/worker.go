package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/cairnstore/cairn/internal/worker"
)

var (
	workerBatch   int
	workerCount   int
	workerIdle    time.Duration
	workerOneShot bool
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background queue propagation worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		stores, err := openStores()
		if err != nil {
			return err
		}
		defer stores.Close()

		if workerOneShot {
			return worker.Drain(cmd.Context(), stores.index, workerBatch)
		}
		opts := worker.Options{Batch: workerBatch, Idle: workerIdle, Workers: workerCount}
		return worker.RunPool(cmd.Context(), stores.index, opts, stores.logger)
	},
}

func init() {
	defaults := worker.DefaultOptions()
	workerCmd.Flags().IntVar(&workerBatch, "batch", defaults.Batch, "Queue budget per batch")
	workerCmd.Flags().IntVar(&workerCount, "workers", defaults.Workers, "Worker pool size")
	workerCmd.Flags().DurationVar(&workerIdle, "idle", defaults.Idle, "Sleep between empty batches")
	workerCmd.Flags().BoolVar(&workerOneShot, "drain", false, "Drain the queues once and exit")
}
