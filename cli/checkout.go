package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cairnstore/cairn/internal/checkout"
	"github.com/cairnstore/cairn/internal/ids"
)

var checkoutForce bool

var checkoutCmd = &cobra.Command{
	Use:   "checkout <id> <target>",
	Short: "Materialize an artifact subtree to a host path",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := ids.Parse(args[0])
		if err != nil {
			return err
		}
		stores, err := openStores()
		if err != nil {
			return err
		}
		defer stores.Close()

		pipeline := checkout.NewPipeline(stores.cache, stores.logger)
		if err := pipeline.CheckOut(cmd.Context(), id, args[1], checkoutForce); err != nil {
			return err
		}
		fmt.Println(args[1])
		return nil
	},
}

func init() {
	checkoutCmd.Flags().BoolVar(&checkoutForce, "force", false, "Replace the target if it exists")
}
