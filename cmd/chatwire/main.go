// Package main provides the CLI entry point for the chatwire real-time
// chat transport.
//
// Chatwire carries chat events between clients and a hub over a single
// WebSocket connection per client: messages, typing indicators,
// presence, notifications, and a background job queue.
//
// # Basic Usage
//
// Start the hub:
//
//	chatwire serve --config chatwire.yaml
//
// Attach an interactive client:
//
//	chatwire connect --origin http://localhost:8080 --user alice --channel general
//
// Enqueue and inspect background jobs:
//
//	chatwire jobs enqueue --type moderation.check --payload '{"content":"..."}'
//	chatwire jobs status <id>
//
// # Environment Variables
//
//   - CHATWIRE_CONFIG: Path to configuration file (default: chatwire.yaml)
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/chatwire/internal/config"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "chatwire",
		Short: "Chatwire - real-time chat transport hub and client",
		Long: `Chatwire carries chat events over a single WebSocket per client:
messages, typing indicators, presence, notifications, and background jobs.

Run "chatwire serve" to start a hub, "chatwire connect" to attach a client.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildConnectCmd(),
		buildJobsCmd(),
	)

	return rootCmd
}

// loadConfig resolves the configuration: an explicit path, then the
// CHATWIRE_CONFIG environment variable, then built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv("CHATWIRE_CONFIG")
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
