// Package mcpclient is a stdio bridge between an MCP client (an editor or
// agent runtime) and the casfa HTTP API. It holds a delegate's access token
// and exposes delegate-management operations as MCP tools.
package mcpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds the connection details for a running casfa server.
type Config struct {
	APIURL      string // Base URL, e.g. "http://localhost:8080"
	AccessToken string // Base64-encoded access token for the caller's delegate
	Realm       string // Realm this bridge operates in
}

// Client is a pure HTTP client for the casfa delegate API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New creates a new Client for the casfa API.
func New(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}
	return json.RawMessage(respBody), nil
}

func (c *Client) delegatesPath(suffix string) string {
	return "/api/realm/" + c.cfg.Realm + "/delegates" + suffix
}

// CreateDelegate issues a new child delegate under the caller's delegate.
func (c *Client) CreateDelegate(ctx context.Context, canUpload, canManageDepot bool, depots []string, expiresIn int64) (json.RawMessage, error) {
	body := map[string]any{
		"canUpload":      canUpload,
		"canManageDepot": canManageDepot,
	}
	if len(depots) > 0 {
		body["delegatedDepots"] = depots
	}
	if expiresIn > 0 {
		body["expiresIn"] = expiresIn
	}
	return c.doRequest(ctx, http.MethodPost, c.delegatesPath(""), nil, body)
}

// ListDelegates lists delegates visible to the caller within the realm.
func (c *Client) ListDelegates(ctx context.Context, cursor string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	return c.doRequest(ctx, http.MethodGet, c.delegatesPath(""), q, nil)
}

// GetDelegate fetches one delegate's details by ID.
func (c *Client) GetDelegate(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, c.delegatesPath("/"+id), nil, nil)
}

// RevokeDelegate revokes a delegate and its entire descendant subtree.
func (c *Client) RevokeDelegate(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, c.delegatesPath("/"+id+"/revoke"), nil, nil)
}

// RefreshTokens rotates the caller's own refresh/access token pair.
func (c *Client) RefreshTokens(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/api/refresh", nil, nil)
}
