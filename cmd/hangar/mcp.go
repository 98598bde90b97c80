package main

import (
	"github.com/spf13/cobra"

	"github.com/hangar-dev/hangar/internal/mcp"
)

// mcpCmd runs the MCP server over stdio.
var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the MCP server (for AI agents)",
	Long: `Run an MCP server over stdio exposing session orchestration as tools:
list_devices, start_session, list_sessions, hot_reload, hot_restart,
stop_session, and get_logs.

Sessions started through the server live for the lifetime of the server
process and are shut down when it exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		server, err := mcp.NewServer(version)
		if err != nil {
			return err
		}
		return server.Run(cmd.Context())
	},
}
