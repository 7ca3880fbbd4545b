package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fenilsonani/pmemobj/pkg/pmemobj"
)

// newHelloCommand greets the user by the name stored as the pool root,
// asking for it once on the first run.
func newHelloCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hello <pool-file>",
		Short: "Remember a name across runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := openOrCreate(args[0])
			if err != nil {
				return err
			}
			defer pool.Close()

			root, err := pool.Root()
			if err != nil {
				return fmt.Errorf("failed to read root: %w", err)
			}
			if root == nil {
				fmt.Fprint(cmd.OutOrStdout(), "What is your name? ")
				reader := bufio.NewReader(cmd.InOrStdin())
				line, err := reader.ReadString('\n')
				if err != nil {
					return fmt.Errorf("failed to read name: %w", err)
				}
				name := strings.TrimSpace(line)
				if err := pool.SetRoot(name); err != nil {
					return fmt.Errorf("failed to store name: %w", err)
				}
				root = name
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Hello, %s\n", root)
			return nil
		},
	}
}

func openOrCreate(path string) (*pmemobj.Pool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		pool, err := pmemobj.Create(path)
		if err != nil {
			return nil, fmt.Errorf("failed to create pool: %w", err)
		}
		return pool, nil
	}
	pool, err := pmemobj.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pool: %w", err)
	}
	return pool, nil
}
