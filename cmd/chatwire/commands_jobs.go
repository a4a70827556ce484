package main

import (
	"github.com/spf13/cobra"
)

// buildJobsCmd creates the "jobs" command group for the hub's job API.
func buildJobsCmd() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Enqueue and inspect background jobs",
		Long: `Interact with a running hub's background job queue over its HTTP API.

Jobs are processed one at a time in submission order. Enqueueing returns
immediately with a job id; use "jobs status" to poll the outcome.`,
	}
	cmd.PersistentFlags().StringVarP(&server, "server", "s", "http://localhost:8080",
		"Hub base URL")

	var (
		jobType string
		payload string
	)
	enqueueCmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a background job",
		Example: `  chatwire jobs enqueue --type moderation.check \
    --payload '{"channelId":"general","messageId":"m-1","content":"hello"}'

  chatwire jobs enqueue --type thread.summarize \
    --payload '{"channelId":"general","messages":["first","second"]}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobsEnqueue(cmd.Context(), server, jobType, payload)
		},
	}
	enqueueCmd.Flags().StringVarP(&jobType, "type", "t", "", "Job type (required)")
	enqueueCmd.Flags().StringVarP(&payload, "payload", "p", "", "Job payload as JSON")
	enqueueCmd.MarkFlagRequired("type")

	statusCmd := &cobra.Command{
		Use:     "status <job-id>",
		Short:   "Show one job's status",
		Args:    cobra.ExactArgs(1),
		Example: `  chatwire jobs status 8e2c7f0a-...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobsStatus(cmd.Context(), server, args[0])
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobsList(cmd.Context(), server)
		},
	}

	cmd.AddCommand(enqueueCmd, statusCmd, listCmd)
	return cmd
}
