package mcpclient

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleCreateDelegate creates a narrowed child delegate.
func (h *Handlers) HandleCreateDelegate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	canUpload := req.GetBool("can_upload", false)
	canManageDepot := req.GetBool("can_manage_depot", false)
	expiresIn := int64(req.GetFloat("expires_in", 0))

	var depots []string
	if raw, ok := req.GetArguments()["delegated_depots"]; ok {
		if list, ok := raw.([]any); ok {
			for _, v := range list {
				if s, ok := v.(string); ok {
					depots = append(depots, s)
				}
			}
		}
	}

	raw, err := h.client.CreateDelegate(ctx, canUpload, canManageDepot, depots, expiresIn)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create delegate: %v", err)), nil
	}
	return mcp.NewToolResultText(string(raw)), nil
}

// HandleListDelegates lists delegates visible to the caller.
func (h *Handlers) HandleListDelegates(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cursor := req.GetString("cursor", "")
	limit := int(req.GetFloat("limit", 0))

	raw, err := h.client.ListDelegates(ctx, cursor, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list delegates: %v", err)), nil
	}
	return mcp.NewToolResultText(string(raw)), nil
}

// HandleGetDelegate fetches one delegate by ID.
func (h *Handlers) HandleGetDelegate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("delegate_id", "")
	if id == "" {
		return mcp.NewToolResultError("delegate_id is required"), nil
	}
	raw, err := h.client.GetDelegate(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get delegate: %v", err)), nil
	}
	return mcp.NewToolResultText(string(raw)), nil
}

// HandleRevokeDelegate revokes a delegate subtree.
func (h *Handlers) HandleRevokeDelegate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("delegate_id", "")
	if id == "" {
		return mcp.NewToolResultError("delegate_id is required"), nil
	}
	raw, err := h.client.RevokeDelegate(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to revoke delegate: %v", err)), nil
	}
	return mcp.NewToolResultText(string(raw)), nil
}

// HandleRefreshTokens rotates the caller's own token pair.
func (h *Handlers) HandleRefreshTokens(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.RefreshTokens(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to refresh tokens: %v", err)), nil
	}
	return mcp.NewToolResultText(string(raw)), nil
}
