package main

import (
	"github.com/spf13/cobra"
)

// buildConnectCmd creates the "connect" command: an interactive client
// attached to a running hub.
func buildConnectCmd() *cobra.Command {
	var (
		configPath string
		origin     string
		endpoint   string
		userID     string
		userName   string
		channels   []string
	)

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Attach an interactive client to a hub",
		Long: `Attach an interactive terminal client to a running hub.

Lines typed on stdin are sent to the first subscribed channel. Incoming
messages, typing indicators, presence changes, and notifications are
printed as they arrive. The connection reconnects automatically with
exponential backoff if it drops.`,
		Example: `  # Connect to a local hub
  chatwire connect --origin http://localhost:8080 --user alice --channel general

  # Explicit WebSocket endpoint, multiple channels
  chatwire connect --endpoint wss://chat.example.com/ws --user bob \
    --channel general --channel random`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(cmd.Context(), connectOptions{
				configPath: configPath,
				origin:     origin,
				endpoint:   endpoint,
				userID:     userID,
				userName:   userName,
				channels:   channels,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file")
	cmd.Flags().StringVar(&origin, "origin", "http://localhost:8080",
		"Hub origin URL (the WebSocket endpoint is derived from it)")
	cmd.Flags().StringVar(&endpoint, "endpoint", "",
		"Explicit WebSocket endpoint (overrides --origin)")
	cmd.Flags().StringVarP(&userID, "user", "u", "",
		"User id to connect as (required)")
	cmd.Flags().StringVarP(&userName, "name", "n", "",
		"Display name (defaults to the user id)")
	cmd.Flags().StringSliceVar(&channels, "channel", []string{"general"},
		"Channel to subscribe to (repeatable)")
	cmd.MarkFlagRequired("user")

	return cmd
}
