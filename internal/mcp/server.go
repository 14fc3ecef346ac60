// Package mcp is the agent-integration front end: an MCP stdio server whose
// tools are thin proxies over the daemon's IPC protocol.
package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/server"

	"github.com/dshills/codegrep/internal/client"
	"github.com/dshills/codegrep/internal/config"
	"github.com/dshills/codegrep/internal/identity"
)

const (
	// ServerName is the MCP server name.
	ServerName = "codegrep"
	// ServerVersion is the MCP server version.
	ServerVersion = "1.0.0"
)

// Server wraps the MCP server with the store identity it proxies for.
type Server struct {
	mcp   *server.MCPServer
	cfg   *config.Config
	ident identity.Identity
}

// NewServer builds the MCP front end for the repository at repoPath. Queries
// are forwarded to that store's daemon; the daemon must be running.
func NewServer(repoPath string) (*Server, error) {
	root, err := identity.Resolve(repoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repository root: %w", err)
	}
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	ident := identity.New(root, cfg, nil)

	s := &Server{
		mcp:   server.NewMCPServer(ServerName, ServerVersion),
		cfg:   cfg,
		ident: ident,
	}
	s.registerTools()
	return s, nil
}

// Serve runs the MCP server on stdio and blocks until shutdown.
func (s *Server) Serve(ctx context.Context) error {
	return server.ServeStdio(s.mcp)
}

// registerTools wires the tool handlers.
func (s *Server) registerTools() {
	s.mcp.AddTool(searchCodeTool(), s.handleSearchCode)
	s.mcp.AddTool(syncIndexTool(), s.handleSyncIndex)
	s.mcp.AddTool(getStatusTool(), s.handleGetStatus)
}

// dial opens a fresh daemon connection for one tool call.
func (s *Server) dial(ctx context.Context) (*client.Client, error) {
	return client.Dial(ctx, client.Options{
		StoreID:           s.ident.StoreID,
		ConfigFingerprint: s.ident.ConfigFingerprint,
		ClientID:          "mcp",
		MaxRequestBytes:   s.cfg.Daemon.MaxRequestBytes,
		MaxResponseBytes:  s.cfg.Daemon.MaxResponseBytes,
	})
}
