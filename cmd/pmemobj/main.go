package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pmemobj",
		Short: "Persistent object store tools",
		Long: `pmemobj manages persistent object pools: files whose contents are
typed, mutable containers addressed through a single durable root.
It can create and inspect pools, run the recovery sweep, and play the
bundled example programs against a pool.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	}

	// Add commands
	rootCmd.AddCommand(
		newCreateCommand(),
		newInfoCommand(),
		newGCCommand(),
		newHelloCommand(),
		newGuessCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
