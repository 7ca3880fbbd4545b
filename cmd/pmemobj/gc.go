package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fenilsonani/pmemobj/pkg/pmemobj"
)

func newGCCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "gc <pool-file>",
		Short: "Run the mark-and-sweep over a pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := pmemobj.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open pool: %w", err)
			}
			defer pool.Close()

			freed, err := pool.GC()
			if err != nil {
				return fmt.Errorf("sweep failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Freed %d unreachable blocks\n", freed)
			return nil
		},
	}
}
