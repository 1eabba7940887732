// Package cmd provides the CLI commands for create-mcp.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "create-mcp",
	Short: "create-mcp - project scaffolding over the Model Context Protocol",
	Long: `create-mcp is an MCP server that turns a framework name and a project
name into the exact command that scaffolds the project.

It speaks the streamable HTTP transport, with resumable server-sent event
streams, or stdio for local clients.

Configuration:
  Settings come from CREATE_MCP_* environment variables; flags override them.
  Example: CREATE_MCP_ADDR=:9090 create-mcp serve

Commands:
  serve       Start the MCP server
  frameworks  List the frameworks in the registry
  version     Print version information`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
