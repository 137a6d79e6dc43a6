// Package mcp exposes the authorization core as MCP tools over stdio,
// so an MCP-speaking agent can submit envelopes, dry-run decisions,
// inspect sessions, and verify the ledger chain.
package mcp

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vmwarden/vmwarden/internal/router"
)

// Config holds MCP server construction parameters.
type Config struct {
	Router     *router.Router
	LedgerPath string
}

// Server wraps the MCP SDK server around the envelope router.
type Server struct {
	mcpServer  *mcpsdk.Server
	router     *router.Router
	ledgerPath string
}

// New creates the MCP server and registers the tools.
func New(cfg Config) *Server {
	s := &Server{
		router:     cfg.Router,
		ledgerPath: cfg.LedgerPath,
	}

	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "vmwarden",
			Version: "0.1.0",
		},
		nil,
	)

	s.registerTools()
	return s
}

// Run starts the MCP server on stdio transport. Blocks until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// registerTools adds all vmwarden tools to the MCP server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "vmwarden_request",
		Description: "Submit an envelope for authorization and dispatch. Denied requests return the error code and reason.",
	}, s.handleRequest)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "vmwarden_check",
		Description: "Check whether an agent may perform an action on a target without executing or logging it (dry-run).",
	}, s.handleCheck)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "vmwarden_sessions",
		Description: "List active agent-to-target sessions with their frozen roles and expiry.",
	}, s.handleSessions)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "vmwarden_audit_verify",
		Description: "Verify the audit ledger hash chain and report the first broken record, if any.",
	}, s.handleAuditVerify)
}
