package mcpclient

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions exposed by the casfa MCP bridge.
// Descriptions are what the calling model reads to decide which tool to use.

var ToolCreateDelegate = mcp.NewTool("create_delegate",
	mcp.WithDescription(
		"Create a new delegate under the caller's own delegate, narrowing or "+
			"preserving its capabilities. The new delegate receives a fresh "+
			"refresh/access token pair; the caller's own tokens are unaffected."),
	mcp.WithBoolean("can_upload",
		mcp.Description("Whether the new delegate may upload content. Cannot be true unless the caller also holds it.")),
	mcp.WithBoolean("can_manage_depot",
		mcp.Description("Whether the new delegate may manage depots. Cannot be true unless the caller also holds it.")),
	mcp.WithArray("delegated_depots",
		mcp.Description("Subset of the caller's depot IDs to delegate. Omit to inherit all of the caller's depots.")),
	mcp.WithNumber("expires_in",
		mcp.Description("Lifetime of the new delegate in seconds. Omit to create it with no expiry of its own.")),
)

var ToolListDelegates = mcp.NewTool("list_delegates",
	mcp.WithDescription(
		"List the caller's direct child delegates within the caller's realm, "+
			"paginated with an opaque cursor."),
	mcp.WithString("cursor",
		mcp.Description("Opaque pagination cursor from a previous list_delegates call.")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of delegates to return (default server page size).")),
)

var ToolGetDelegate = mcp.NewTool("get_delegate",
	mcp.WithDescription("Fetch one delegate's details by ID. The caller must be an ancestor of the delegate."),
	mcp.WithString("delegate_id",
		mcp.Required(),
		mcp.Description("The delegate ID, e.g. 'dlt_...'.")),
)

var ToolRevokeDelegate = mcp.NewTool("revoke_delegate",
	mcp.WithDescription(
		"Revoke a delegate and every delegate in its descendant subtree. "+
			"Revocation is immediate and cannot be undone."),
	mcp.WithString("delegate_id",
		mcp.Required(),
		mcp.Description("The delegate ID to revoke.")),
)

var ToolRefreshTokens = mcp.NewTool("refresh_tokens",
	mcp.WithDescription(
		"Rotate the caller's own refresh/access token pair. The refresh token "+
			"presented to this tool is consumed and must be replaced by the "+
			"tokens returned here."),
)
