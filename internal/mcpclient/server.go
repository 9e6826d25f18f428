package mcpclient

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all delegate-management
// tools registered, bridging a stdio MCP client to the casfa HTTP API.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("casfa-mcp", "0.1.0")
	client := New(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolCreateDelegate, h.HandleCreateDelegate)
	s.AddTool(ToolListDelegates, h.HandleListDelegates)
	s.AddTool(ToolGetDelegate, h.HandleGetDelegate)
	s.AddTool(ToolRevokeDelegate, h.HandleRevokeDelegate)
	s.AddTool(ToolRefreshTokens, h.HandleRefreshTokens)

	return s
}
