package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "entangle",
		Short: "Three-agent entanglement challenge server",
		Long: `entangle runs the Alice, Bob and Charlie agents over HTTP.

Each agent releases one fragment of a secret when it receives the right
instruction, addressed to the right peer, in the right order. Sessions
live in memory for five minutes and can be completed once.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		smokeCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "entangle %s (%s)\n", version, commit)
		},
	}
}
