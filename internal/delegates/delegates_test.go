package delegates

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casfa/casfa/internal/delegateauth"
	"github.com/casfa/casfa/internal/delegatestore"
	"github.com/casfa/casfa/internal/tokencodec"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeReader treats every non-empty hash as a node with two children,
// "<hash>.0" and "<hash>.1"; the empty hash is reported as not found.
type fakeReader struct{}

func (fakeReader) Children(ctx context.Context, hash string) ([]string, bool) {
	if hash == "" {
		return nil, false
	}
	return []string{hash + ".0", hash + ".1"}, true
}

type fakeSetStore struct {
	nodes map[string][]string
}

func newFakeSetStore() *fakeSetStore { return &fakeSetStore{nodes: make(map[string][]string)} }

func (f *fakeSetStore) CreateOrIncrement(ctx context.Context, id string, children []string) error {
	f.nodes[id] = children
	return nil
}

func (f *fakeSetStore) SetChildren(ctx context.Context, id string) ([]string, bool, error) {
	children, ok := f.nodes[id]
	return children, ok, nil
}

func newHandler() *Handler {
	return New(delegatestore.NewMemoryStore(), fakeReader{}, newFakeSetStore(), nil, 0)
}

func seedParent(t *testing.T, store delegatestore.Store, realm string) *delegatestore.Delegate {
	t.Helper()
	id, err := tokencodec.NewDelegateID()
	require.NoError(t, err)
	idStr := tokencodec.IDBytesToString(id)
	d := &delegatestore.Delegate{
		DelegateID: idStr, Realm: realm, Chain: []string{idStr},
		CanUpload: true, CanManageDepot: true, ScopeNodeHash: "root-hash",
		CreatedAt: 1,
	}
	require.NoError(t, store.Create(context.Background(), d))
	return d
}

func testContext(method, path string, body interface{}, ac *delegateauth.AuthContext, params gin.Params) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	var reqBody *bytes.Buffer
	if body != nil {
		raw, _ := json.Marshal(body)
		reqBody = bytes.NewBuffer(raw)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}
	c.Request, _ = http.NewRequest(method, path, reqBody)
	c.Request.Header.Set("Content-Type", "application/json")
	c.Params = params
	if ac != nil {
		c.Set("casfa.authContext", ac)
	}
	return c, w
}

func TestHandler_Create_Success(t *testing.T) {
	h := newHandler()
	parent := seedParent(t, h.store, "usr_alice")

	ac := &delegateauth.AuthContext{Type: delegateauth.AuthTypeAccess, DelegateID: parent.DelegateID, Realm: parent.Realm}
	body := CreateRequest{Name: "child", CanUpload: true}
	c, w := testContext("POST", "/", body, ac, gin.Params{{Key: "realmId", Value: "usr_alice"}})

	h.Create(c)

	require.Equal(t, http.StatusCreated, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["accessToken"])
	assert.NotEmpty(t, resp["refreshToken"])
	delegate := resp["delegate"].(map[string]interface{})
	assert.Equal(t, "usr_alice", delegate["realm"])
	assert.Equal(t, float64(1), delegate["depth"])
}

func TestHandler_Create_RealmMismatch(t *testing.T) {
	h := newHandler()
	parent := seedParent(t, h.store, "usr_alice")

	ac := &delegateauth.AuthContext{Type: delegateauth.AuthTypeAccess, DelegateID: parent.DelegateID, Realm: parent.Realm}
	c, w := testContext("POST", "/", CreateRequest{}, ac, gin.Params{{Key: "realmId", Value: "usr_bob"}})

	h.Create(c)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandler_Create_EscalationRejected(t *testing.T) {
	h := newHandler()
	id, err := tokencodec.NewDelegateID()
	require.NoError(t, err)
	idStr := tokencodec.IDBytesToString(id)
	parent := &delegatestore.Delegate{
		DelegateID: idStr, Realm: "usr_alice", Chain: []string{idStr},
		CanUpload: false, ScopeNodeHash: "root-hash", CreatedAt: 1,
	}
	require.NoError(t, h.store.Create(context.Background(), parent))

	ac := &delegateauth.AuthContext{Type: delegateauth.AuthTypeAccess, DelegateID: parent.DelegateID, Realm: parent.Realm}
	body := CreateRequest{CanUpload: true}
	c, w := testContext("POST", "/", body, ac, gin.Params{{Key: "realmId", Value: "usr_alice"}})

	h.Create(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_ListAndGet(t *testing.T) {
	h := newHandler()
	parent := seedParent(t, h.store, "usr_alice")
	ac := &delegateauth.AuthContext{Type: delegateauth.AuthTypeAccess, DelegateID: parent.DelegateID, Realm: parent.Realm}

	createC, createW := testContext("POST", "/", CreateRequest{Name: "a"}, ac, gin.Params{{Key: "realmId", Value: "usr_alice"}})
	h.Create(createC)
	require.Equal(t, http.StatusCreated, createW.Code)
	var created map[string]interface{}
	require.NoError(t, json.Unmarshal(createW.Body.Bytes(), &created))
	childID := created["delegate"].(map[string]interface{})["delegateId"].(string)

	listC, listW := testContext("GET", "/", nil, ac, gin.Params{{Key: "realmId", Value: "usr_alice"}})
	h.List(listC)
	assert.Equal(t, http.StatusOK, listW.Code)
	var list map[string]interface{}
	require.NoError(t, json.Unmarshal(listW.Body.Bytes(), &list))
	assert.Len(t, list["delegates"], 1)

	getC, getW := testContext("GET", "/"+childID, nil, ac,
		gin.Params{{Key: "realmId", Value: "usr_alice"}, {Key: "id", Value: childID}})
	h.Get(getC)
	assert.Equal(t, http.StatusOK, getW.Code)
}

func TestHandler_Get_NotAncestorReturns404(t *testing.T) {
	h := newHandler()
	parentA := seedParent(t, h.store, "usr_alice")
	parentB := seedParent(t, h.store, "usr_bob")

	ac := &delegateauth.AuthContext{Type: delegateauth.AuthTypeAccess, DelegateID: parentA.DelegateID, Realm: parentA.Realm}
	c, w := testContext("GET", "/"+parentB.DelegateID, nil, ac,
		gin.Params{{Key: "realmId", Value: "usr_alice"}, {Key: "id", Value: parentB.DelegateID}})
	h.Get(c)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_Revoke_CascadesToChildren(t *testing.T) {
	h := newHandler()
	root := seedParent(t, h.store, "usr_alice")
	rootAC := &delegateauth.AuthContext{Type: delegateauth.AuthTypeAccess, DelegateID: root.DelegateID, Realm: root.Realm}

	createC, createW := testContext("POST", "/", CreateRequest{Name: "mid"}, rootAC, gin.Params{{Key: "realmId", Value: "usr_alice"}})
	h.Create(createC)
	require.Equal(t, http.StatusCreated, createW.Code)
	var created map[string]interface{}
	require.NoError(t, json.Unmarshal(createW.Body.Bytes(), &created))
	midID := created["delegate"].(map[string]interface{})["delegateId"].(string)

	midAC := &delegateauth.AuthContext{Type: delegateauth.AuthTypeAccess, DelegateID: midID, Realm: "usr_alice"}
	createC2, createW2 := testContext("POST", "/", CreateRequest{Name: "leaf"}, midAC, gin.Params{{Key: "realmId", Value: "usr_alice"}})
	h.Create(createC2)
	require.Equal(t, http.StatusCreated, createW2.Code)
	var created2 map[string]interface{}
	require.NoError(t, json.Unmarshal(createW2.Body.Bytes(), &created2))
	leafID := created2["delegate"].(map[string]interface{})["delegateId"].(string)

	revokeC, revokeW := testContext("POST", "/"+midID+"/revoke", nil, rootAC,
		gin.Params{{Key: "realmId", Value: "usr_alice"}, {Key: "id", Value: midID}})
	h.Revoke(revokeC)
	require.Equal(t, http.StatusOK, revokeW.Code)

	leaf, err := h.store.Get(context.Background(), leafID)
	require.NoError(t, err)
	assert.True(t, leaf.IsRevoked, "cascading revoke must reach grandchildren")

	// Idempotent: revoking again reports conflict, not an error.
	revokeC2, revokeW2 := testContext("POST", "/"+midID+"/revoke", nil, rootAC,
		gin.Params{{Key: "realmId", Value: "usr_alice"}, {Key: "id", Value: midID}})
	h.Revoke(revokeC2)
	assert.Equal(t, http.StatusConflict, revokeW2.Code)
}

var _ = time.Now
