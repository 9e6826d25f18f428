package delegateauth

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casfa/casfa/internal/delegatestore"
	"github.com/casfa/casfa/internal/tokencodec"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeLookup struct {
	byID map[string]*delegatestore.Delegate
}

func (f *fakeLookup) Get(ctx context.Context, delegateID string) (*delegatestore.Delegate, error) {
	return f.byID[delegateID], nil
}

func newAccessRequest(t *testing.T, tok []byte) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Request.Header.Set("Authorization", "Bearer "+base64.StdEncoding.EncodeToString(tok))
	return c, w
}

func TestAccessTokenMiddleware_ValidToken_SetsContext(t *testing.T) {
	id, err := tokencodec.NewDelegateID()
	require.NoError(t, err)
	idStr := tokencodec.IDBytesToString(id)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	expiresAt := now.Add(time.Hour).UnixMilli()
	tok, err := tokencodec.EncodeAT(id, expiresAt)
	require.NoError(t, err)

	delegate := &delegatestore.Delegate{
		DelegateID: idStr, Realm: "usr_alice", Chain: []string{idStr},
		CanUpload: true, CurrentATHash: tokencodec.HashHex(tok), ATExpiresAt: expiresAt,
	}
	lookup := &fakeLookup{byID: map[string]*delegatestore.Delegate{idStr: delegate}}

	c, w := newAccessRequest(t, tok)
	AccessTokenMiddleware(lookup, func() time.Time { return now })(c)

	assert.Equal(t, http.StatusOK, w.Code)
	ac, ok := FromContext(c)
	require.True(t, ok)
	assert.Equal(t, AuthTypeAccess, ac.Type)
	assert.Equal(t, idStr, ac.DelegateID)
	assert.True(t, ac.CanUpload)
}

func TestAccessTokenMiddleware_MissingHeader(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)

	AccessTokenMiddleware(&fakeLookup{}, nil)(c)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAccessTokenMiddleware_WrongByteLength(t *testing.T) {
	c, w := newAccessRequest(t, []byte{1, 2, 3})
	AccessTokenMiddleware(&fakeLookup{}, nil)(c)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAccessTokenMiddleware_RefreshTokenRejected(t *testing.T) {
	id, err := tokencodec.NewDelegateID()
	require.NoError(t, err)
	rt, err := tokencodec.EncodeRT(id)
	require.NoError(t, err)

	c, w := newAccessRequest(t, rt)
	AccessTokenMiddleware(&fakeLookup{}, nil)(c)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "a 24-byte RT fails the AT length check before type is even inspected")
}

func TestAccessTokenMiddleware_UnknownDelegate(t *testing.T) {
	id, err := tokencodec.NewDelegateID()
	require.NoError(t, err)
	tok, err := tokencodec.EncodeAT(id, 1_900_000_000_000)
	require.NoError(t, err)

	c, w := newAccessRequest(t, tok)
	AccessTokenMiddleware(&fakeLookup{byID: map[string]*delegatestore.Delegate{}}, nil)(c)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAccessTokenMiddleware_RevokedDelegate(t *testing.T) {
	id, err := tokencodec.NewDelegateID()
	require.NoError(t, err)
	idStr := tokencodec.IDBytesToString(id)
	tok, err := tokencodec.EncodeAT(id, 1_900_000_000_000)
	require.NoError(t, err)

	delegate := &delegatestore.Delegate{
		DelegateID: idStr, CurrentATHash: tokencodec.HashHex(tok), ATExpiresAt: 1_900_000_000_000, IsRevoked: true,
	}
	lookup := &fakeLookup{byID: map[string]*delegatestore.Delegate{idStr: delegate}}

	c, w := newAccessRequest(t, tok)
	AccessTokenMiddleware(lookup, nil)(c)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAccessTokenMiddleware_HashMismatch(t *testing.T) {
	id, err := tokencodec.NewDelegateID()
	require.NoError(t, err)
	idStr := tokencodec.IDBytesToString(id)
	tok, err := tokencodec.EncodeAT(id, 1_900_000_000_000)
	require.NoError(t, err)

	delegate := &delegatestore.Delegate{
		DelegateID: idStr, CurrentATHash: "0000000000000000000000000000000", ATExpiresAt: 1_900_000_000_000,
	}
	lookup := &fakeLookup{byID: map[string]*delegatestore.Delegate{idStr: delegate}}

	c, w := newAccessRequest(t, tok)
	AccessTokenMiddleware(lookup, nil)(c)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	secret := []byte("test-secret")
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "usr_alice"},
		Role:             "user",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Request.Header.Set("Authorization", "Bearer "+signed)

	keyFunc := func(t *jwt.Token) (interface{}, error) { return secret, nil }
	JWTMiddleware(keyFunc)(c)

	assert.Equal(t, http.StatusOK, w.Code)
	ac, ok := FromContext(c)
	require.True(t, ok)
	assert.Equal(t, AuthTypeJWT, ac.Type)
	assert.Equal(t, "usr_alice", ac.UserID)
	assert.Equal(t, "user", ac.Role)
}

func TestJWTMiddleware_InvalidSignature(t *testing.T) {
	claims := JWTClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: "usr_alice"}}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("real-secret"))
	require.NoError(t, err)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Request.Header.Set("Authorization", "Bearer "+signed)

	keyFunc := func(t *jwt.Token) (interface{}, error) { return []byte("wrong-secret"), nil }
	JWTMiddleware(keyFunc)(c)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
