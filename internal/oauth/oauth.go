// Package oauth implements the OAuth 2.1 Authorization-Code + PKCE(S256)
// flow MCP clients use to obtain a scoped delegate token pair on behalf
// of a signed-in user, plus its RFC 8414 metadata document.
package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/casfa/casfa/internal/authcode"
	"github.com/casfa/casfa/internal/delegateauth"
	"github.com/casfa/casfa/internal/delegatestore"
	"github.com/casfa/casfa/internal/refresh"
	"github.com/casfa/casfa/internal/tokencodec"
)

// Supported scopes and the capabilities they map to.
const (
	ScopeRead        = "cas:read"
	ScopeWrite       = "cas:write"
	ScopeManageDepot = "depot:manage"
)

var validScopes = map[string]struct{}{ScopeRead: {}, ScopeWrite: {}, ScopeManageDepot: {}}

func capabilitiesForScopes(scopes []string) (canUpload, canManageDepot bool) {
	for _, s := range scopes {
		switch s {
		case ScopeWrite:
			canUpload = true
		case ScopeManageDepot:
			canManageDepot = true
		}
	}
	return
}

// Handler serves the OAuth authorize/approve/token surface.
type Handler struct {
	clients     ClientRegistry
	codes       authcode.Store
	delegates   delegatestore.Store
	refreshSvc  *refresh.Service
	now         func() time.Time
	atTTL       time.Duration
	tokenTTLSec int64
	codeTTLMs   int64
}

// New creates an OAuth Handler. atTTL is the deployment's configured
// AT_TTL_SECONDS, the lifetime of the access token minted for the first
// delegate an authorization-code grant produces; a value <= 0 falls back
// to refresh.DefaultATTTL. codeTTL is the configured AUTH_CODE_TTL_MS,
// the lifetime of an issued authorization code; a value <= 0 falls back
// to authcode.DefaultCodeLifetimeMs.
func New(clients ClientRegistry, codes authcode.Store, delegates delegatestore.Store, refreshSvc *refresh.Service, nowFn func() time.Time, atTTL time.Duration, codeTTL time.Duration) *Handler {
	if nowFn == nil {
		nowFn = time.Now
	}
	if atTTL <= 0 {
		atTTL = refresh.DefaultATTTL
	}
	codeTTLMs := codeTTL.Milliseconds()
	if codeTTLMs <= 0 {
		codeTTLMs = authcode.DefaultCodeLifetimeMs
	}
	return &Handler{
		clients: clients, codes: codes, delegates: delegates, refreshSvc: refreshSvc,
		now: nowFn, atTTL: atTTL, tokenTTLSec: int64(atTTL / time.Second), codeTTLMs: codeTTLMs,
	}
}

// RegisterRoutes mounts authorize/approve/token under /api/auth.
func (h *Handler) RegisterRoutes(authorized *gin.RouterGroup, public *gin.RouterGroup) {
	authorized.GET("/authorize", h.Authorize)
	authorized.POST("/approve", h.Approve)
	public.POST("/token", h.Token)
}

func apiError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": message})
}

func oauthError(c *gin.Context, status int, errorCode, description string) {
	c.AbortWithStatusJSON(status, gin.H{"error": errorCode, "error_description": description})
}

func parseScopes(raw string) ([]string, bool) {
	if raw == "" {
		return nil, false
	}
	parts := strings.Fields(raw)
	for _, p := range parts {
		if _, ok := validScopes[p]; !ok {
			return nil, false
		}
	}
	return parts, true
}

// AuthorizeResponse is the consent payload the UI renders.
type AuthorizeResponse struct {
	Client              string   `json:"client"`
	Scopes              []string `json:"scopes"`
	State               string   `json:"state"`
	RedirectURI         string   `json:"redirectUri"`
	CodeChallenge       string   `json:"codeChallenge"`
	CodeChallengeMethod string   `json:"codeChallengeMethod"`
}

// Authorize handles GET /api/auth/authorize.
func (h *Handler) Authorize(c *gin.Context) {
	ac, ok := delegateauth.FromContext(c)
	if !ok || ac.Type != delegateauth.AuthTypeJWT {
		apiError(c, http.StatusUnauthorized, "UNAUTHORIZED", "sign-in required")
		return
	}

	q := c.Request.URL.Query()
	client, scopes, redirectURI, ok := h.validateAuthRequest(c, q)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, AuthorizeResponse{
		Client:              client.Name,
		Scopes:              scopes,
		State:               q.Get("state"),
		RedirectURI:         redirectURI,
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	})
}

func (h *Handler) validateAuthRequest(c *gin.Context, q interface{ Get(string) string }) (Client, []string, string, bool) {
	if q.Get("response_type") != "code" {
		apiError(c, http.StatusBadRequest, "UNSUPPORTED_RESPONSE_TYPE", "response_type must be code")
		return Client{}, nil, "", false
	}
	clientID := q.Get("client_id")
	client, known := h.clients.Lookup(clientID)
	if !known {
		apiError(c, http.StatusBadRequest, "INVALID_CLIENT", "unknown client_id")
		return Client{}, nil, "", false
	}
	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" || !client.RedirectAllowed(redirectURI) {
		apiError(c, http.StatusBadRequest, "INVALID_REDIRECT_URI", "redirect_uri is not allowed for this client")
		return Client{}, nil, "", false
	}
	scopes, ok := parseScopes(q.Get("scope"))
	if !ok {
		apiError(c, http.StatusBadRequest, "INVALID_SCOPE", "scope must be a subset of the supported scopes")
		return Client{}, nil, "", false
	}
	if q.Get("state") == "" {
		apiError(c, http.StatusBadRequest, "INVALID_REQUEST", "state is required")
		return Client{}, nil, "", false
	}
	if q.Get("code_challenge") == "" {
		apiError(c, http.StatusBadRequest, "INVALID_REQUEST", "code_challenge is required")
		return Client{}, nil, "", false
	}
	if q.Get("code_challenge_method") != "S256" {
		apiError(c, http.StatusBadRequest, "INVALID_REQUEST", "code_challenge_method must be S256")
		return Client{}, nil, "", false
	}
	return client, scopes, redirectURI, true
}

// ApproveRequest is the POST /api/auth/approve body.
type ApproveRequest struct {
	ClientID            string   `json:"clientId"`
	RedirectURI         string   `json:"redirectUri"`
	Scope               string   `json:"scope"`
	ApprovedScopes      []string `json:"approvedScopes"`
	State               string   `json:"state"`
	CodeChallenge       string   `json:"codeChallenge"`
	CodeChallengeMethod string   `json:"codeChallengeMethod"`
	ExpiresIn           int64    `json:"expiresIn,omitempty"`
}

type urlValuesAdapter struct{ v map[string][]string }

func (u urlValuesAdapter) Get(key string) string {
	vals := u.v[key]
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

// Approve handles POST /api/auth/approve.
func (h *Handler) Approve(c *gin.Context) {
	ac, ok := delegateauth.FromContext(c)
	if !ok || ac.Type != delegateauth.AuthTypeJWT {
		apiError(c, http.StatusUnauthorized, "UNAUTHORIZED", "sign-in required")
		return
	}

	var req ApproveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiError(c, http.StatusBadRequest, "INVALID_REQUEST", "malformed request body")
		return
	}

	q := urlValuesAdapter{v: map[string][]string{
		"response_type":         {"code"},
		"client_id":             {req.ClientID},
		"redirect_uri":          {req.RedirectURI},
		"scope":                 {req.Scope},
		"state":                 {req.State},
		"code_challenge":        {req.CodeChallenge},
		"code_challenge_method": {req.CodeChallengeMethod},
	}}
	_, requestedScopes, redirectURI, ok := h.validateAuthRequest(c, q)
	if !ok {
		return
	}

	approved := subtractOnly(requestedScopes, req.ApprovedScopes)
	canUpload, canManageDepot := capabilitiesForScopes(approved)

	code := generateCode()
	now := h.now().UnixMilli()
	record := &authcode.AuthCode{
		Code: code, ClientID: req.ClientID, RedirectURI: redirectURI,
		UserID: ac.UserID, Realm: ac.UserID, Scopes: approved,
		CodeChallenge: req.CodeChallenge, CodeChallengeMethod: "S256",
		GrantedPermissions: authcode.GrantedPermissions{
			CanUpload: canUpload, CanManageDepot: canManageDepot, ExpiresIn: req.ExpiresIn,
		},
		CreatedAt: now, ExpiresAt: now + h.codeTTLMs,
	}
	if err := h.codes.Create(c.Request.Context(), record); err != nil {
		apiError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to create authorization code")
		return
	}

	sep := "?"
	if strings.Contains(redirectURI, "?") {
		sep = "&"
	}
	c.JSON(http.StatusOK, gin.H{
		"redirect_uri": redirectURI + sep + "code=" + code + "&state=" + req.State,
	})
}

// subtractOnly returns the intersection of requested and selected, sorted;
// a nil selection returns requested unchanged. The user may only narrow,
// never widen.
func subtractOnly(requested, selected []string) []string {
	if selected == nil {
		return requested
	}
	want := make(map[string]struct{}, len(selected))
	for _, s := range selected {
		want[s] = struct{}{}
	}
	var out []string
	for _, r := range requested {
		if _, ok := want[r]; ok {
			out = append(out, r)
		}
	}
	sort.Strings(out)
	return out
}

func generateCode() string {
	buf := make([]byte, 18) // >= 128 bits
	if _, err := rand.Read(buf); err != nil {
		panic("oauth: failed to read random bytes: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// Token handles POST /api/auth/token, accepting both form-urlencoded and
// JSON bodies.
func (h *Handler) Token(c *gin.Context) {
	params, err := parseTokenRequest(c)
	if err != nil {
		oauthError(c, http.StatusBadRequest, "invalid_request", "malformed token request")
		return
	}

	switch params["grant_type"] {
	case "authorization_code":
		h.tokenFromCode(c, params)
	case "refresh_token":
		h.tokenFromRefresh(c, params)
	default:
		oauthError(c, http.StatusBadRequest, "unsupported_grant_type", "grant_type must be authorization_code or refresh_token")
	}
}

func parseTokenRequest(c *gin.Context) (map[string]string, error) {
	ct := c.ContentType()
	if strings.Contains(ct, "application/json") {
		var body map[string]string
		if err := c.ShouldBindJSON(&body); err != nil {
			return nil, err
		}
		return body, nil
	}
	if err := c.Request.ParseForm(); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(c.Request.PostForm))
	for k := range c.Request.PostForm {
		out[k] = c.Request.PostForm.Get(k)
	}
	return out, nil
}

func (h *Handler) tokenFromCode(c *gin.Context, params map[string]string) {
	code := params["code"]
	redirectURI := params["redirect_uri"]
	clientID := params["client_id"]
	verifier := params["code_verifier"]
	if code == "" || redirectURI == "" || clientID == "" || verifier == "" {
		oauthError(c, http.StatusBadRequest, "invalid_request", "code, redirect_uri, client_id, and code_verifier are required")
		return
	}

	ctx := c.Request.Context()
	now := h.now().UnixMilli()
	record, err := h.codes.Consume(ctx, code, now)
	if err != nil {
		oauthError(c, http.StatusInternalServerError, "server_error", "failed to consume authorization code")
		return
	}
	if record == nil {
		oauthError(c, http.StatusBadRequest, "invalid_grant", "authorization code is missing, expired, or already used")
		return
	}
	if record.RedirectURI != redirectURI || record.ClientID != clientID {
		oauthError(c, http.StatusBadRequest, "invalid_grant", "redirect_uri or client_id does not match the authorization")
		return
	}
	if !verifyPKCE(record.CodeChallenge, verifier) {
		oauthError(c, http.StatusBadRequest, "invalid_grant", "code_verifier does not match code_challenge")
		return
	}

	root, _, err := h.delegates.GetOrCreateRoot(ctx, record.Realm, record.Realm, now)
	if err != nil {
		oauthError(c, http.StatusInternalServerError, "server_error", "failed to ensure root delegate")
		return
	}

	childID, err := tokencodec.NewDelegateID()
	if err != nil {
		oauthError(c, http.StatusInternalServerError, "server_error", "failed to generate delegate id")
		return
	}
	childIDStr := tokencodec.IDBytesToString(childID)

	var expiresAt int64
	if record.GrantedPermissions.ExpiresIn > 0 {
		expiresAt = now + record.GrantedPermissions.ExpiresIn*1000
	}
	atExpiresAt := now + h.tokenTTLSec*1000

	rt, err := tokencodec.EncodeRT(childID)
	if err != nil {
		oauthError(c, http.StatusInternalServerError, "server_error", "failed to generate refresh token")
		return
	}
	at, err := tokencodec.EncodeAT(childID, atExpiresAt)
	if err != nil {
		oauthError(c, http.StatusInternalServerError, "server_error", "failed to generate access token")
		return
	}

	child := &delegatestore.Delegate{
		DelegateID: childIDStr, Realm: record.Realm, ParentID: root.DelegateID,
		Chain: append(append([]string(nil), root.Chain...), childIDStr), Depth: root.Depth + 1,
		CanUpload: record.GrantedPermissions.CanUpload, CanManageDepot: record.GrantedPermissions.CanManageDepot,
		DelegatedDepots: record.GrantedPermissions.DelegatedDepots, ScopeNodeHash: record.GrantedPermissions.ScopeNodeHash,
		ExpiresAt: expiresAt, CreatedAt: now,
		CurrentRTHash: tokencodec.HashHex(rt), CurrentATHash: tokencodec.HashHex(at), ATExpiresAt: atExpiresAt,
		Name: "MCP: " + clientID,
	}
	if err := h.delegates.Create(ctx, child); err != nil {
		oauthError(c, http.StatusInternalServerError, "server_error", "failed to create delegate")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token":  base64.StdEncoding.EncodeToString(at),
		"refresh_token": base64.StdEncoding.EncodeToString(rt),
		"token_type":    "Bearer",
		"expires_in":    h.tokenTTLSec,
		"scope":         strings.Join(record.Scopes, " "),
	})
}

func (h *Handler) tokenFromRefresh(c *gin.Context, params map[string]string) {
	raw := params["refresh_token"]
	if raw == "" {
		oauthError(c, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}
	tokBytes, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		oauthError(c, http.StatusBadRequest, "invalid_grant", "refresh_token is not well-formed")
		return
	}

	res, err := h.refreshSvc.Rotate(c.Request.Context(), tokBytes)
	if err != nil {
		oauthError(c, http.StatusBadRequest, "invalid_grant", err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token":  res.AccessToken,
		"refresh_token": res.RefreshToken,
		"token_type":    "Bearer",
		"expires_in":    h.tokenTTLSec,
	})
}

func verifyPKCE(codeChallenge, verifier string) bool {
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(codeChallenge)) == 1
}
