package main

import (
	"entangle/cmd/internal/app"

	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var (
		addr      string
		logLevel  string
		logFormat string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Long: `Run the HTTP server.

Configuration comes from ENTANGLE_* environment variables; flags override
the address and logging settings.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := app.LoadConfig()
			if cmd.Flags().Changed("addr") {
				cfg.HTTPAddr = addr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if cmd.Flags().Changed("log-format") {
				cfg.LogFormat = logFormat
			}
			return app.Run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "0.0.0.0:8080", "Listen address (ENTANGLE_HTTP_ADDR)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error (ENTANGLE_LOG_LEVEL)")
	cmd.Flags().StringVar(&logFormat, "log-format", "json", "Log format: json or pretty (ENTANGLE_LOG_FORMAT)")

	return cmd
}
