package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cairnstore/cairn/internal/ids"
)

var tagCmd = &cobra.Command{
	Use:   "tag",
	Short: "Manage tags: mutable names bound to objects or processes",
}

var tagPutCmd = &cobra.Command{
	Use:   "put <name> <id>",
	Short: "Bind a tag to an item, displacing any previous binding",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		item, err := ids.Parse(args[1])
		if err != nil {
			return err
		}
		stores, err := openStores()
		if err != nil {
			return err
		}
		defer stores.Close()
		return stores.index.PutTag(cmd.Context(), args[0], item)
	},
}

var tagGetCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Resolve a tag to the item it is bound to",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stores, err := openStores()
		if err != nil {
			return err
		}
		defer stores.Close()

		item, err := stores.index.GetTag(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Println(item)
		return nil
	},
}

var tagDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Remove a tag binding",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stores, err := openStores()
		if err != nil {
			return err
		}
		defer stores.Close()
		return stores.index.DeleteTag(cmd.Context(), args[0])
	},
}
