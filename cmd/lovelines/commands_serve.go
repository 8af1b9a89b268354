package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that runs the orchestrator.
func buildServeCmd() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the messaging orchestrator",
		Long: `Run the messaging orchestrator.

The server will:
1. Load configuration from the specified file (or lovelines.yaml)
2. Open the record store and the WhatsApp session store
3. Authenticate and check the encryption key
4. Start every enabled channel
5. Serve /metrics, /healthz and /status when metrics.addr is set

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  lovelines serve

  # Start with a custom config and debug logging
  lovelines serve --config /etc/lovelines/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, debug)
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// buildStatusCmd creates the "status" command that queries a running server.
func buildStatusCmd() *cobra.Command {
	var (
		addr   string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running server",
		Example: `  lovelines status --addr 127.0.0.1:9090
  lovelines status --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, addr, asJSON)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Server address (default: metrics.addr from config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw JSON status")
	return cmd
}
