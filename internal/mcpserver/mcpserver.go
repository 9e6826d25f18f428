// Package mcpserver implements a JSON-RPC 2.0 dispatcher for the Model
// Context Protocol surface, mounted behind the access-token middleware so
// every call runs under a validated AuthContext.
package mcpserver

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/casfa/casfa/internal/delegateauth"
)

const protocolVersion = "2024-11-05"

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

// Tool describes one callable tool, shaped like the static registry an
// mcp-go server would expose via tools/list.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Handle runs a tool call under auth, returning its result or an error.
type Handle func(ctx *gin.Context, auth *delegateauth.AuthContext, arguments json.RawMessage) (interface{}, error)

// ToolEntry pairs a Tool's metadata with its Handle.
type ToolEntry struct {
	Tool
	Handle Handle
}

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Dispatcher serves the JSON-RPC 2.0 MCP surface.
type Dispatcher struct {
	tools       map[string]ToolEntry
	serverName  string
	serverVer   string
}

// New creates a Dispatcher with the given tool registry.
func New(serverName, serverVersion string, tools []ToolEntry) *Dispatcher {
	reg := make(map[string]ToolEntry, len(tools))
	for _, t := range tools {
		reg[t.Name] = t
	}
	return &Dispatcher{tools: reg, serverName: serverName, serverVer: serverVersion}
}

// RegisterRoutes mounts the dispatcher at POST /.
func (d *Dispatcher) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("", d.Handle)
}

// Handle serves a single JSON-RPC request.
func (d *Dispatcher) Handle(c *gin.Context) {
	var req request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, response{JSONRPC: "2.0", Error: &rpcError{Code: codeParseError, Message: "parse error"}})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		c.JSON(http.StatusOK, response{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeInvalidRequest, Message: "invalid request"}})
		return
	}

	switch req.Method {
	case "initialize":
		c.JSON(http.StatusOK, response{JSONRPC: "2.0", ID: req.ID, Result: gin.H{
			"protocolVersion": protocolVersion,
			"capabilities":    gin.H{"tools": gin.H{}},
			"serverInfo":      gin.H{"name": d.serverName, "version": d.serverVer},
		}})
	case "tools/list":
		tools := make([]Tool, 0, len(d.tools))
		for _, t := range d.tools {
			tools = append(tools, t.Tool)
		}
		c.JSON(http.StatusOK, response{JSONRPC: "2.0", ID: req.ID, Result: gin.H{"tools": tools}})
	case "tools/call":
		d.handleToolCall(c, req)
	default:
		c.JSON(http.StatusOK, response{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeMethodNotFound, Message: "method not found"}})
	}
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (d *Dispatcher) handleToolCall(c *gin.Context, req request) {
	var params toolCallParams
	if len(req.Params) == 0 || json.Unmarshal(req.Params, &params) != nil || params.Name == "" {
		c.JSON(http.StatusOK, response{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeInvalidParams, Message: "invalid params"}})
		return
	}

	entry, ok := d.tools[params.Name]
	if !ok {
		c.JSON(http.StatusOK, response{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeMethodNotFound, Message: "tool not found"}})
		return
	}

	auth, ok := delegateauth.FromContext(c)
	if !ok || auth.Type != delegateauth.AuthTypeAccess {
		c.JSON(http.StatusOK, response{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeInvalidRequest, Message: "access token required"}})
		return
	}

	result, err := entry.Handle(c, auth, params.Arguments)
	if err != nil {
		c.JSON(http.StatusOK, response{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeInvalidParams, Message: err.Error()}})
		return
	}
	c.JSON(http.StatusOK, response{JSONRPC: "2.0", ID: req.ID, Result: result})
}
