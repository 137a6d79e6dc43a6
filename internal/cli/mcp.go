package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	wardmcp "github.com/vmwarden/vmwarden/internal/mcp"
)

var mcpConfig string

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().StringVar(&mcpConfig, "config", "", "Path to runtime config YAML")
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server for agent integration",
	Long: "Runs vmwarden as an MCP (Model Context Protocol) server over stdio.\n" +
		"Exposes tools: request, check, sessions, audit_verify.",
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down MCP server...")
		cancel()
	}()

	c, err := buildCore(ctx, mcpConfig)
	if err != nil {
		return fmt.Errorf("failed to build core: %w", err)
	}
	defer c.close()

	go c.reg.Run(ctx)

	srv := wardmcp.New(wardmcp.Config{
		Router:     c.router,
		LedgerPath: c.cfg.LedgerPath,
	})
	return srv.Run(ctx)
}
