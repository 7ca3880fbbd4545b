package main

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"

	"github.com/fenilsonani/pmemobj/pkg/pmemobj"
)

func newCreateCommand() *cobra.Command {
	var (
		sizeFlag string
		modeFlag uint32
		debug    bool
	)

	cmd := &cobra.Command{
		Use:   "create <pool-file>",
		Short: "Create a new persistent object pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var size datasize.ByteSize
			if err := size.UnmarshalText([]byte(sizeFlag)); err != nil {
				return fmt.Errorf("invalid --size %q: %w", sizeFlag, err)
			}

			opts := []pmemobj.Option{
				pmemobj.WithPoolSize(size.Bytes()),
				pmemobj.WithMode(os.FileMode(modeFlag)),
			}
			if debug {
				opts = append(opts, pmemobj.WithDebug())
			}

			pool, err := pmemobj.Create(args[0], opts...)
			if err != nil {
				return fmt.Errorf("failed to create pool: %w", err)
			}
			defer pool.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Created pool %s (%s)\n",
				args[0], size.HumanReadable())
			return nil
		},
	}

	cmd.Flags().StringVar(&sizeFlag, "size", "8MB", "pool file size")
	cmd.Flags().Uint32Var(&modeFlag, "mode", 0644, "pool file permission bits")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable extra invariant checks")

	return cmd
}
