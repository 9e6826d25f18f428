package root

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casfa/casfa/internal/delegateauth"
	"github.com/casfa/casfa/internal/delegatestore"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testContext(body interface{}, ac *delegateauth.AuthContext) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	var buf bytes.Buffer
	if body != nil {
		raw, _ := json.Marshal(body)
		buf.Write(raw)
	}
	c.Request, _ = http.NewRequest("POST", "/api/tokens/root", &buf)
	c.Request.Header.Set("Content-Type", "application/json")
	if body != nil {
		c.Request.ContentLength = int64(buf.Len())
	}
	if ac != nil {
		c.Set("casfa.authContext", ac)
	}
	return c, w
}

func TestEnsureRoot_CreatesOnFirstCall(t *testing.T) {
	h := New(delegatestore.NewMemoryStore(), func() int64 { return 1000 })
	ac := &delegateauth.AuthContext{Type: delegateauth.AuthTypeJWT, UserID: "usr_alice"}

	c, w := testContext(nil, ac)
	h.EnsureRoot(c)

	require.Equal(t, http.StatusCreated, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "usr_alice", resp["realm"])
	assert.Equal(t, float64(0), resp["depth"])
	assert.NotContains(t, resp, "accessToken")
}

func TestEnsureRoot_IdempotentOnSecondCall(t *testing.T) {
	store := delegatestore.NewMemoryStore()
	h := New(store, func() int64 { return 1000 })
	ac := &delegateauth.AuthContext{Type: delegateauth.AuthTypeJWT, UserID: "usr_alice"}

	c1, w1 := testContext(nil, ac)
	h.EnsureRoot(c1)
	require.Equal(t, http.StatusCreated, w1.Code)

	c2, w2 := testContext(nil, ac)
	h.EnsureRoot(c2)
	assert.Equal(t, http.StatusOK, w2.Code)

	var first, second map[string]interface{}
	require.NoError(t, json.Unmarshal(w1.Body.Bytes(), &first))
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &second))
	assert.Equal(t, first["delegateId"], second["delegateId"])
}

func TestEnsureRoot_RealmOverrideMismatchRejected(t *testing.T) {
	h := New(delegatestore.NewMemoryStore(), func() int64 { return 1000 })
	ac := &delegateauth.AuthContext{Type: delegateauth.AuthTypeJWT, UserID: "usr_alice"}

	c, w := testContext(Request{Realm: "usr_bob"}, ac)
	h.EnsureRoot(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEnsureRoot_RevokedRootRejected(t *testing.T) {
	store := delegatestore.NewMemoryStore()
	ctx := context.Background()
	delegate, _, err := store.GetOrCreateRoot(ctx, "usr_alice", "usr_alice", 1000)
	require.NoError(t, err)
	ok, err := store.Revoke(ctx, delegate.DelegateID, "usr_alice", 2000)
	require.NoError(t, err)
	require.True(t, ok)

	h := New(store, func() int64 { return 3000 })
	ac := &delegateauth.AuthContext{Type: delegateauth.AuthTypeJWT, UserID: "usr_alice"}

	c, w := testContext(nil, ac)
	h.EnsureRoot(c)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestEnsureRoot_RequiresJWTAuth(t *testing.T) {
	h := New(delegatestore.NewMemoryStore(), nil)
	c, w := testContext(nil, &delegateauth.AuthContext{Type: delegateauth.AuthTypeAccess, DelegateID: "dlt_X"})
	h.EnsureRoot(c)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
