package main

import (
	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that starts the hub.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chatwire hub",
		Long: `Start the chatwire hub: the WebSocket endpoint clients attach to,
the background job queue, and the job HTTP API.

The hub will:
1. Load configuration from the specified file (or built-in defaults)
2. Start the background job worker with the built-in job handlers
3. Serve /ws and /api/jobs on the listen address
4. Serve Prometheus metrics on the metrics address, if configured

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with defaults (listens on :8080)
  chatwire serve

  # Start with custom config
  chatwire serve --config /etc/chatwire/production.yaml

  # Start with debug logging
  chatwire serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}
