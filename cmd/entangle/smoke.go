package main

import (
	"fmt"
	"time"

	"entangle/cmd/internal/protocol"
	"entangle/cmd/internal/smoke"

	"github.com/spf13/cobra"
)

func smokeCmd() *cobra.Command {
	var (
		baseURL string
		origin  string
		timeout time.Duration
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "smoke",
		Short: "Walk one entanglement end to end against a running server",
		Long: `Walk one entanglement end to end against a running server.

Phrases are read from the same ENTANGLE_PHRASE_* variables the server uses.
Exits non-zero on the first unexpected response.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			secrets, err := protocol.LoadConfigFromEnv()
			if err != nil {
				return err
			}

			res, err := smoke.Run(cmd.Context(), smoke.Config{
				BaseURL: baseURL,
				Origin:  origin,
				Timeout: timeout,
				Secrets: secrets,
				Out:     cmd.OutOrStdout(),
				Verbose: verbose,
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "ok: %s (%d watch frames)\n", res.Secret, res.Frames)
			return nil
		},
	}

	cmd.Flags().StringVar(&baseURL, "url", "http://127.0.0.1:8080", "Server base URL")
	cmd.Flags().StringVar(&origin, "origin", "http://localhost", "Origin header to send")
	cmd.Flags().DurationVar(&timeout, "timeout", 7*time.Second, "Per-step timeout")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print each step")

	return cmd
}
