package mcpserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casfa/casfa/internal/delegateauth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func post(body string, ac *delegateauth.AuthContext) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("POST", "/mcp", bytes.NewBufferString(body))
	c.Request.Header.Set("Content-Type", "application/json")
	if ac != nil {
		c.Set("casfa.authContext", ac)
	}
	return c, w
}

func TestDispatcher_Initialize(t *testing.T) {
	d := New("casfa-mcp", "1.0.0", nil)
	c, w := post(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`, nil)
	d.Handle(c)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	result := resp["result"].(map[string]interface{})
	assert.Equal(t, protocolVersion, result["protocolVersion"])
}

func TestDispatcher_ToolsList(t *testing.T) {
	d := New("casfa-mcp", "1.0.0", []ToolEntry{
		{Tool: Tool{Name: "read_node", Description: "read a CAS node"}},
	})
	c, w := post(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, nil)
	d.Handle(c)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	result := resp["result"].(map[string]interface{})
	tools := result["tools"].([]interface{})
	require.Len(t, tools, 1)
}

func TestDispatcher_UnknownMethod(t *testing.T) {
	d := New("casfa-mcp", "1.0.0", nil)
	c, w := post(`{"jsonrpc":"2.0","id":3,"method":"bogus"}`, nil)
	d.Handle(c)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	errObj := resp["error"].(map[string]interface{})
	assert.Equal(t, float64(codeMethodNotFound), errObj["code"])
}

func TestDispatcher_ParseError(t *testing.T) {
	d := New("casfa-mcp", "1.0.0", nil)
	c, w := post(`{not json`, nil)
	d.Handle(c)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	errObj := resp["error"].(map[string]interface{})
	assert.Equal(t, float64(codeParseError), errObj["code"])
}

func TestDispatcher_ToolCall_RequiresAccessToken(t *testing.T) {
	called := false
	d := New("casfa-mcp", "1.0.0", []ToolEntry{
		{Tool: Tool{Name: "read_node"}, Handle: func(c *gin.Context, auth *delegateauth.AuthContext, args json.RawMessage) (interface{}, error) {
			called = true
			return nil, nil
		}},
	})
	c, w := post(`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"read_node","arguments":{}}}`, nil)
	d.Handle(c)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotNil(t, resp["error"])
	assert.False(t, called)
}

func TestDispatcher_ToolCall_DispatchesWithAuthContext(t *testing.T) {
	var seenRealm string
	d := New("casfa-mcp", "1.0.0", []ToolEntry{
		{Tool: Tool{Name: "read_node"}, Handle: func(c *gin.Context, auth *delegateauth.AuthContext, args json.RawMessage) (interface{}, error) {
			seenRealm = auth.Realm
			return gin.H{"ok": true}, nil
		}},
	})
	ac := &delegateauth.AuthContext{Type: delegateauth.AuthTypeAccess, DelegateID: "dlt_X", Realm: "usr_alice"}
	c, w := post(`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"read_node","arguments":{}}}`, ac)
	d.Handle(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "usr_alice", seenRealm)
}

func TestDispatcher_ToolCall_UnknownToolNotFound(t *testing.T) {
	d := New("casfa-mcp", "1.0.0", nil)
	ac := &delegateauth.AuthContext{Type: delegateauth.AuthTypeAccess, DelegateID: "dlt_X", Realm: "usr_alice"}
	c, w := post(`{"jsonrpc":"2.0","id":6,"method":"tools/call","params":{"name":"nope","arguments":{}}}`, ac)
	d.Handle(c)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	errObj := resp["error"].(map[string]interface{})
	assert.Equal(t, float64(codeMethodNotFound), errObj["code"])
}
