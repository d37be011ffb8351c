package cli

import (
	"fmt"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"

	"github.com/cairnstore/cairn/internal/ids"
	"github.com/cairnstore/cairn/internal/index"
)

var metadataCmd = &cobra.Command{
	Use:   "metadata <id>",
	Short: "Print the stored metadata of an object or process",
	Args:  cobra.ExactArgs(1),
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

		if id.Kind() == ids.KindProcess {
			meta, err := stores.index.ProcessMetadata(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Printf("kind:           %s\n", id.Kind())
			fmt.Printf("subtree stored: %t\n", meta.SubtreeStored)
			fmt.Printf("subtree count:  %s\n", formatCount(meta.SubtreeCount))
			printLane("command", meta.Command)
			printLane("log", meta.Log)
			printLane("output", meta.Output)
			return nil
		}

		meta, err := stores.index.ObjectMetadata(cmd.Context(), id)
		if err != nil {
			return err
		}
		fmt.Printf("kind:           %s\n", id.Kind())
		fmt.Printf("node size:      %s\n", datasize.ByteSize(meta.NodeSize).HumanReadable())
		fmt.Printf("subtree stored: %t\n", meta.Subtree.Stored)
		fmt.Printf("subtree count:  %s\n", formatCount(meta.Subtree.Count))
		fmt.Printf("subtree depth:  %s\n", formatCount(meta.Subtree.Depth))
		fmt.Printf("subtree size:   %s\n", formatSize(meta.Subtree.Size))
		return nil
	},
}

func printLane(name string, lane index.SubtreeMetadata) {
	fmt.Printf("%-7s stored: %t count: %s size: %s\n",
		name, lane.Stored, formatCount(lane.Count), formatSize(lane.Size))
}

func formatCount(v *int64) string {
	if v == nil {
		return "pending"
	}
	return fmt.Sprint(*v)
}

func formatSize(v *int64) string {
	if v == nil {
		return "pending"
	}
	return datasize.ByteSize(*v).HumanReadable()
}
