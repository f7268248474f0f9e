package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/promptobjects/promptobjects/internal/mcpserver"
)

// buildMCPCmd creates the "mcp" command serving the environment to an MCP
// client over stdio.
func buildMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp [env-dir]",
		Short: "Serve the environment to an MCP client over stdio",
		Long: `Serve the environment to a Model Context Protocol client over stdio.

Without an argument the environment comes from PROMPT_OBJECTS_DIR, then
the working directory. Sessions created through MCP are tagged
source=mcp.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnvironment(args)
			if err != nil {
				return err
			}
			defer env.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return mcpserver.New(env.Engine, os.Stdin, os.Stdout).Serve(ctx)
		},
	}
}
