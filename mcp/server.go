// Package mcp provides the MCP (Model Context Protocol) server exposing metered
// wallet tools to AI agents. Payment proofs travel in the tool call _meta.
package mcp

import (
	"errors"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/andrewreder/paygate/go-api/wallet"
	"github.com/andrewreder/paygate/go-api/x402"
)

// Server wraps the MCP server implementation for paid wallet tools.
type Server struct {
	mcpServer *mcp.Server
	gate      *x402.ToolGate
	wallet    wallet.Reader
	tools     []*mcp.Tool
}

// NewServer creates a new MCP server instance. Tool prices come from gate.
func NewServer(gate *x402.ToolGate, reader wallet.Reader) (*Server, error) {
	if gate == nil {
		return nil, errors.New("tool gate is required")
	}
	if reader == nil {
		return nil, errors.New("wallet reader is required")
	}
	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    "paygate",
			Version: "1.0.0",
		},
		&mcp.ServerOptions{},
	)

	s := &Server{
		mcpServer: mcpServer,
		gate:      gate,
		wallet:    reader,
	}

	s.registerTools()

	return s, nil
}

// Handler returns an http.Handler for the MCP streamable HTTP transport.
// This handler should be mounted at /discovery/mcp.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(req *http.Request) *mcp.Server {
		return s.mcpServer
	}, nil)
}

// HandlerWithOptions returns an http.Handler for the MCP streamable HTTP transport
// with custom StreamableHTTPOptions.
func (s *Server) HandlerWithOptions(opts *mcp.StreamableHTTPOptions) http.Handler {
	return mcp.NewStreamableHTTPHandler(func(req *http.Request) *mcp.Server {
		return s.mcpServer
	}, opts)
}
