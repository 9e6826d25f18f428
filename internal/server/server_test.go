package server

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casfa/casfa/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testJWTSecret = "test-secret-do-not-use-in-production"

func testConfig() *config.Config {
	return &config.Config{
		Port:               "0",
		Env:                "development",
		LogLevel:           "error",
		JWTSigningKey:       testJWTSecret,
		OAuthIssuer:        "http://localhost:8080",
		MaxDelegationDepth: 10,
		RateLimitRPM:       10_000,
		HTTPReadTimeout:    5 * time.Second,
		HTTPWriteTimeout:   5 * time.Second,
		HTTPIdleTimeout:    5 * time.Second,
		RequestTimeout:     5 * time.Second,
		KnownClients: []config.KnownClient{
			{
				ClientID:                "vscode-casfa-mcp",
				Name:                    "VS Code CASFA MCP",
				AllowedRedirectPatterns: []string{"http://127.0.0.1:*"},
			},
		},
	}
}

func userJWT(t *testing.T, userID string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return signed
}

func doJSON(t *testing.T, r http.Handler, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

// S1: root issuance is idempotent and carries no token fields.
func TestServer_RootIssuance(t *testing.T) {
	srv, err := New(testConfig())
	require.NoError(t, err)
	jwtTok := userJWT(t, "usr_ALICE")

	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/tokens/root", jwtTok, map[string]any{})
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(0), body["depth"])
	assert.NotContains(t, body, "accessToken")
	assert.NotContains(t, body, "refreshToken")
	firstID := body["delegateId"]

	rec = doJSON(t, srv.Router(), http.MethodPost, "/api/tokens/root", jwtTok, map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, firstID, body["delegateId"])
}

func createRoot(t *testing.T, r http.Handler, userID string) string {
	t.Helper()
	rec := doJSON(t, r, http.MethodPost, "/api/tokens/root", userJWT(t, userID), map[string]any{})
	require.Contains(t, []int{http.StatusOK, http.StatusCreated}, rec.Code)
	return decodeBody(t, rec)["delegateId"].(string)
}

// S2: child creation narrows capabilities; escalation is rejected.
func TestServer_ChildCreationNarrowsCaps(t *testing.T) {
	srv, err := New(testConfig())
	require.NoError(t, err)
	router := srv.Router()
	realm := "usr_ALICE"
	createRoot(t, router, realm)

	rootAT, _ := bootstrapRootTokens(t, srv, realm)

	rec := doJSON(t, router, http.MethodPost, "/api/realm/"+realm+"/delegates", rootAT, map[string]any{
		"canUpload":      true,
		"canManageDepot": false,
		"expiresIn":      3600,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	delegate := body["delegate"].(map[string]any)
	// rootAT belongs to the depth-1 delegate minted by the OAuth flow, so
	// its child sits at depth 2.
	assert.Equal(t, float64(2), delegate["depth"])
	assert.NotEmpty(t, body["accessToken"])
	assert.NotEmpty(t, body["refreshToken"])
	childAT := body["accessToken"].(string)

	// The new child lacks canManageDepot, so it cannot grant it onward.
	rec = doJSON(t, router, http.MethodPost, "/api/realm/"+realm+"/delegates", childAT, map[string]any{
		"canManageDepot": true,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "PERMISSION_ESCALATION", decodeBody(t, rec)["error"])
}

// S3: AT rotation. Old RT dies on use; concurrent reuse of the new RT
// yields exactly one 200 and one 409.
func TestServer_RefreshRotation(t *testing.T) {
	srv, err := New(testConfig())
	require.NoError(t, err)
	router := srv.Router()
	realm := "usr_ALICE"
	createRoot(t, router, realm)
	rootAT, _ := bootstrapRootTokens(t, srv, realm)

	rec := doJSON(t, router, http.MethodPost, "/api/realm/"+realm+"/delegates", rootAT, map[string]any{
		"canUpload": true, "expiresIn": 3600,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	oldRT := body["refreshToken"].(string)

	rec = doJSON(t, router, http.MethodPost, "/api/refresh", oldRT, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	refreshed := decodeBody(t, rec)
	newRT := refreshed["refreshToken"].(string)
	require.NotEqual(t, oldRT, newRT)

	rec = doJSON(t, router, http.MethodPost, "/api/refresh", oldRT, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "TOKEN_INVALID", decodeBody(t, rec)["error"])

	rec1 := doJSON(t, router, http.MethodPost, "/api/refresh", newRT, nil)
	rec2 := doJSON(t, router, http.MethodPost, "/api/refresh", newRT, nil)
	codes := []int{rec1.Code, rec2.Code}
	assert.Contains(t, codes, http.StatusOK)
	assert.Contains(t, codes, http.StatusConflict)
}

// S4: OAuth authorization-code + PKCE flow end to end.
func TestServer_OAuthCodeFlow(t *testing.T) {
	srv, err := New(testConfig())
	require.NoError(t, err)
	router := srv.Router()
	jwtTok := userJWT(t, "usr_ALICE")
	createRoot(t, router, "usr_ALICE")

	verifier := "a-pkce-verifier-of-sufficient-entropy-000000"
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	authorizeURL := "/api/auth/authorize?response_type=code&client_id=vscode-casfa-mcp" +
		"&redirect_uri=http%3A%2F%2F127.0.0.1%3A54321%2Fcallback&scope=cas%3Aread+cas%3Awrite" +
		"&state=xyz&code_challenge=" + challenge + "&code_challenge_method=S256"
	req := httptest.NewRequest(http.MethodGet, authorizeURL, nil)
	req.Header.Set("Authorization", "Bearer "+jwtTok)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, router, http.MethodPost, "/api/auth/approve", jwtTok, map[string]any{
		"clientId":            "vscode-casfa-mcp",
		"redirectUri":         "http://127.0.0.1:54321/callback",
		"scope":               "cas:read cas:write",
		"approvedScopes":      []string{"cas:read", "cas:write"},
		"state":               "xyz",
		"codeChallenge":       challenge,
		"codeChallengeMethod": "S256",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	redirect := decodeBody(t, rec)["redirect_uri"].(string)
	parsed, err := urlParse(redirect)
	require.NoError(t, err)
	code := parsed.Query().Get("code")
	require.NotEmpty(t, code)
	require.Equal(t, "xyz", parsed.Query().Get("state"))

	form := map[string]string{
		"grant_type":    "authorization_code",
		"code":          code,
		"redirect_uri":  "http://127.0.0.1:54321/callback",
		"client_id":     "vscode-casfa-mcp",
		"code_verifier": verifier,
	}
	tokReq := httptest.NewRequest(http.MethodPost, "/api/auth/token", formBody(form))
	tokReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	tokRec := httptest.NewRecorder()
	router.ServeHTTP(tokRec, tokReq)
	require.Equal(t, http.StatusOK, tokRec.Code, tokRec.Body.String())
	tokBody := decodeBody(t, tokRec)
	assert.Equal(t, "Bearer", tokBody["token_type"])
	assert.NotEmpty(t, tokBody["access_token"])
	assert.NotEmpty(t, tokBody["refresh_token"])

	tokReq2 := httptest.NewRequest(http.MethodPost, "/api/auth/token", formBody(form))
	tokReq2.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	tokRec2 := httptest.NewRecorder()
	router.ServeHTTP(tokRec2, tokReq2)
	assert.Equal(t, http.StatusBadRequest, tokRec2.Code)
	assert.Equal(t, "invalid_grant", decodeBody(t, tokRec2)["error"])
}

// S5: cascading revoke turns off an entire subtree.
func TestServer_CascadingRevoke(t *testing.T) {
	srv, err := New(testConfig())
	require.NoError(t, err)
	router := srv.Router()
	realm := "usr_ALICE"
	createRoot(t, router, realm)
	rootAT, _ := bootstrapRootTokens(t, srv, realm)

	aID, aAT := createChild(t, router, realm, rootAT, map[string]any{"canUpload": true})
	bID, bAT := createChild(t, router, realm, aAT, map[string]any{"canUpload": true})
	_, cAT := createChild(t, router, realm, bAT, map[string]any{"canUpload": true})
	_ = aID
	_ = bID

	rec := doJSON(t, router, http.MethodPost, "/api/realm/"+realm+"/delegates/"+aID+"/revoke", rootAT, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, router, http.MethodGet, "/api/realm/"+realm+"/delegates", cAT, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "DELEGATE_REVOKED", decodeBody(t, rec)["error"])
}

// S6: a delegate outside the caller's ancestor chain is invisible.
func TestServer_AncestorOnlyVisibility(t *testing.T) {
	srv, err := New(testConfig())
	require.NoError(t, err)
	router := srv.Router()
	createRoot(t, router, "usr_ALICE")
	rootAT, _ := bootstrapRootTokens(t, srv, "usr_ALICE")
	_, siblingAT := createChild(t, router, "usr_ALICE", rootAT, map[string]any{"canUpload": true})

	createRoot(t, router, "usr_BOB")
	bobRootAT, _ := bootstrapRootTokens(t, srv, "usr_BOB")
	d2ID, _ := createChild(t, router, "usr_BOB", bobRootAT, map[string]any{"canUpload": true})

	rec := doJSON(t, router, http.MethodGet, "/api/realm/usr_ALICE/delegates/"+d2ID, siblingAT, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func createChild(t *testing.T, r http.Handler, realm, bearer string, body map[string]any) (id, accessToken string) {
	t.Helper()
	rec := doJSON(t, r, http.MethodPost, "/api/realm/"+realm+"/delegates", bearer, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decodeBody(t, rec)
	delegate := resp["delegate"].(map[string]any)
	return delegate["delegateId"].(string), resp["accessToken"].(string)
}

func urlParse(raw string) (*url.URL, error) { return url.Parse(raw) }

func formBody(form map[string]string) *bytes.Reader {
	v := url.Values{}
	for k, val := range form {
		v.Set(k, val)
	}
	return bytes.NewReader([]byte(v.Encode()))
}

// bootstrapRootTokens mints an unrestricted, fully-capable delegate to use
// as the "root-equivalent" caller in tests exercising C8 (which requires
// an access token — the bare root delegate from C9 never holds one). It
// runs the real OAuth authorization-code + PKCE flow end to end, the only
// path by which a root's direct child ever receives live tokens, and
// returns the resulting access and refresh tokens.
func bootstrapRootTokens(t *testing.T, srv *Server, realm string) (accessToken, refreshToken string) {
	t.Helper()
	router := srv.Router()
	jwtTok := userJWT(t, realm)

	verifier := "bootstrap-verifier-with-enough-entropy-000000"
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	authorizeURL := "/api/auth/authorize?response_type=code&client_id=vscode-casfa-mcp" +
		"&redirect_uri=http%3A%2F%2F127.0.0.1%3A54321%2Fcallback&scope=cas%3Aread+cas%3Awrite+depot%3Amanage" +
		"&state=boot&code_challenge=" + challenge + "&code_challenge_method=S256"
	req := httptest.NewRequest(http.MethodGet, authorizeURL, nil)
	req.Header.Set("Authorization", "Bearer "+jwtTok)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, router, http.MethodPost, "/api/auth/approve", jwtTok, map[string]any{
		"clientId":            "vscode-casfa-mcp",
		"redirectUri":         "http://127.0.0.1:54321/callback",
		"scope":               "cas:read cas:write depot:manage",
		"approvedScopes":      []string{"cas:read", "cas:write", "depot:manage"},
		"state":               "boot",
		"codeChallenge":       challenge,
		"codeChallengeMethod": "S256",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	redirect := decodeBody(t, rec)["redirect_uri"].(string)
	parsed, err := url.Parse(redirect)
	require.NoError(t, err)
	code := parsed.Query().Get("code")
	require.NotEmpty(t, code)

	form := map[string]string{
		"grant_type":    "authorization_code",
		"code":          code,
		"redirect_uri":  "http://127.0.0.1:54321/callback",
		"client_id":     "vscode-casfa-mcp",
		"code_verifier": verifier,
	}
	tokReq := httptest.NewRequest(http.MethodPost, "/api/auth/token", formBody(form))
	tokReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	tokRec := httptest.NewRecorder()
	router.ServeHTTP(tokRec, tokReq)
	require.Equal(t, http.StatusOK, tokRec.Code, tokRec.Body.String())
	tokBody := decodeBody(t, tokRec)
	return tokBody["access_token"].(string), tokBody["refresh_token"].(string)
}
