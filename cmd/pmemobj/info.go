package main

import (
	"fmt"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"

	"github.com/fenilsonani/pmemobj/pkg/pmemobj"
)

func newInfoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "info <pool-file>",
		Short: "Show pool geometry and allocator usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := pmemobj.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open pool: %w", err)
			}
			defer pool.Close()

			stats := pool.Stats()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Pool:             %s\n", args[0])
			fmt.Fprintf(out, "Total size:       %s\n", datasize.ByteSize(stats.TotalSize).HumanReadable())
			fmt.Fprintf(out, "Heap size:        %s\n", datasize.ByteSize(stats.HeapSize).HumanReadable())
			fmt.Fprintf(out, "Heap used:        %s\n", datasize.ByteSize(stats.HeapUsed).HumanReadable())
			fmt.Fprintf(out, "Allocated blocks: %d\n", stats.AllocatedBlocks)
			fmt.Fprintf(out, "Free blocks:      %d\n", stats.FreeBlocks)

			root, err := pool.Root()
			if err != nil {
				return fmt.Errorf("failed to read root: %w", err)
			}
			switch r := root.(type) {
			case nil:
				fmt.Fprintln(out, "Root:             <unset>")
			case pmemobj.Object:
				fmt.Fprintf(out, "Root:             %s\n", r.TypeName())
			default:
				fmt.Fprintf(out, "Root:             %v\n", r)
			}
			return nil
		},
	}
}
