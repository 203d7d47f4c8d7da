// Package mcpserver exposes the bus to MCP clients: tools, resources, and
// prompts over the SSE and Streamable HTTP transports (mounted on the main
// listener) or over stdio for the companion binary.
package mcpserver

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/server"

	"github.com/agentbus/agentbus/internal/common/logger"
	"github.com/agentbus/agentbus/internal/core"
)

// Server wraps the MCP server and its HTTP transports.
type Server struct {
	core                 *core.Core
	mcpServer            *server.MCPServer
	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	logger               *logger.Logger
}

// New builds the MCP server with all tools, resources, and prompts
// registered against the given core.
func New(c *core.Core, log *logger.Logger) *Server {
	s := &Server{core: c, logger: log}

	s.mcpServer = server.NewMCPServer(
		"agentbus",
		core.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, true),
		server.WithPromptCapabilities(true),
	)

	s.registerTools()
	s.registerResources()
	s.registerPrompts()

	// SSE transport (/sse + /message) for Claude Desktop, Cursor, etc.;
	// Streamable HTTP transport (/mcp) for Codex.
	s.sseServer = server.NewSSEServer(s.mcpServer)
	s.streamableHTTPServer = server.NewStreamableHTTPServer(s.mcpServer,
		server.WithEndpointPath("/mcp"),
	)

	return s
}

// Mount attaches both HTTP transports to the shared gin router so agents and
// the console talk to one listener.
func (s *Server) Mount(router *gin.Engine) {
	router.GET("/sse", gin.WrapH(s.sseServer.SSEHandler()))
	router.POST("/message", gin.WrapH(s.sseServer.MessageHandler()))
	router.Any("/mcp", gin.WrapH(s.streamableHTTPServer))
}

// ServeStdio blocks serving the stdio transport (used by cmd/agentbus-mcp).
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// Shutdown closes any active transport sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.sseServer != nil {
		if err := s.sseServer.Shutdown(ctx); err != nil {
			return err
		}
	}
	if s.streamableHTTPServer != nil {
		return s.streamableHTTPServer.Shutdown(ctx)
	}
	return nil
}
