package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cairnstore/cairn/internal/checkin"
	"github.com/cairnstore/cairn/internal/worker"
)

var (
	checkinForce bool
	checkinWait  bool
)

var checkinCmd = &cobra.Command{
	Use:   "checkin <path>",
	Short: "Ingest a filesystem tree and print its artifact ID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stores, err := openStores()
		if err != nil {
			return err
		}
		defer stores.Close()

		pipeline := checkin.NewPipeline(stores.cache, stores.index, stores.logger)
		id, err := pipeline.CheckIn(cmd.Context(), args[0], checkin.Options{Force: checkinForce})
		if err != nil {
			return err
		}
		if checkinWait {
			if err := worker.Drain(cmd.Context(), stores.index, 128); err != nil {
				return err
			}
		}
		fmt.Println(id)
		return nil
	},
}

func init() {
	checkinCmd.Flags().BoolVar(&checkinForce, "force", false, "Re-ingest even if already stored")
	checkinCmd.Flags().BoolVar(&checkinWait, "wait", false, "Drain the work queues before returning")
}
