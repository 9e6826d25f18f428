// Package delegates implements the HTTP surface for creating, listing,
// reading, and cascading-revoking delegates in a realm's tree.
package delegates

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/casfa/casfa/internal/delegateauth"
	"github.com/casfa/casfa/internal/delegatestore"
	"github.com/casfa/casfa/internal/permission"
	"github.com/casfa/casfa/internal/scoperesolver"
	"github.com/casfa/casfa/internal/tokencodec"
)

const defaultListLimit = 20

// CreateRequest is the POST / body.
type CreateRequest struct {
	Name            string   `json:"name,omitempty"`
	CanUpload       bool     `json:"canUpload,omitempty"`
	CanManageDepot  bool     `json:"canManageDepot,omitempty"`
	DelegatedDepots []string `json:"delegatedDepots,omitempty"`
	Scope           []string `json:"scope,omitempty"`
	ExpiresIn       int64    `json:"expiresIn,omitempty"` // seconds
	TokenTTLSeconds int64    `json:"tokenTtlSeconds,omitempty"`
}

const defaultTokenTTLSeconds = 15 * 60

// Handler serves the delegate tree HTTP surface.
type Handler struct {
	store    delegatestore.Store
	reader   scoperesolver.NodeReader
	setStore scoperesolver.ScopeSetStore
	logger   *slog.Logger
	now      func() time.Time
	maxDepth int
}

// New creates a delegate Handler. maxDepth is the deployment's configured
// MAX_DELEGATE_DEPTH (0 falls back to permission.DefaultMaxDepth).
func New(store delegatestore.Store, reader scoperesolver.NodeReader, setStore scoperesolver.ScopeSetStore, logger *slog.Logger, maxDepth int) *Handler {
	return &Handler{store: store, reader: reader, setStore: setStore, logger: logger, now: time.Now, maxDepth: maxDepth}
}

// RegisterRoutes mounts the handler under /api/realm/:realmId/delegates.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("", h.Create)
	r.GET("", h.List)
	r.GET("/:id", h.Get)
	r.POST("/:id/revoke", h.Revoke)
}

func apiError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": message})
}

func (h *Handler) authorize(c *gin.Context) (*delegateauth.AuthContext, bool) {
	ac, ok := delegateauth.FromContext(c)
	if !ok || ac.Type != delegateauth.AuthTypeAccess {
		apiError(c, http.StatusUnauthorized, "UNAUTHORIZED", "access token required")
		return nil, false
	}
	realmID := c.Param("realmId")
	if realmID != ac.Realm {
		apiError(c, http.StatusForbidden, "REALM_MISMATCH", "token realm does not match the requested realm")
		return nil, false
	}
	return ac, true
}

// Create handles POST /api/realm/:realmId/delegates.
func (h *Handler) Create(c *gin.Context) {
	ac, ok := h.authorize(c)
	if !ok {
		return
	}

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiError(c, http.StatusBadRequest, "INVALID_REQUEST", "malformed request body")
		return
	}

	ctx := c.Request.Context()
	parent, err := h.store.Get(ctx, ac.DelegateID)
	if err != nil {
		apiError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load parent delegate")
		return
	}
	if parent == nil {
		apiError(c, http.StatusNotFound, "DELEGATE_NOT_FOUND", "caller delegate not found")
		return
	}
	if parent.IsRevoked {
		apiError(c, http.StatusForbidden, "DELEGATE_REVOKED", "caller delegate has been revoked")
		return
	}

	now := h.now()
	nowMs := now.UnixMilli()

	var childExpiresAt int64
	if req.ExpiresIn > 0 {
		childExpiresAt = nowMs + req.ExpiresIn*1000
	}

	if err := permission.Validate(
		permission.Parent{
			CanUpload: parent.CanUpload, CanManageDepot: parent.CanManageDepot,
			Depth: parent.Depth, ExpiresAt: parent.ExpiresAt, DelegatedDepots: parent.DelegatedDepots,
		},
		permission.Child{
			CanUpload: req.CanUpload, CanManageDepot: req.CanManageDepot,
			ExpiresAt: childExpiresAt, DelegatedDepots: req.DelegatedDepots,
		},
		h.maxDepth,
	); err != nil {
		code := "PERMISSION_ESCALATION"
		if ae, ok := err.(*permission.AlgebraError); ok {
			code = ae.Code
		}
		apiError(c, http.StatusBadRequest, code, err.Error())
		return
	}

	parentRoots, err := parentScopeRoots(ctx, h.setStore, parent)
	if err != nil {
		apiError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load parent scope roots")
		return
	}
	scopeResult, err := scoperesolver.Resolve(ctx, h.reader, h.setStore, req.Scope, parentRoots)
	if err != nil {
		apiError(c, http.StatusBadRequest, "INVALID_SCOPE", err.Error())
		return
	}

	childID, err := tokencodec.NewDelegateID()
	if err != nil {
		apiError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to generate delegate id")
		return
	}
	childIDStr := tokencodec.IDBytesToString(childID)

	ttlSeconds := req.TokenTTLSeconds
	if ttlSeconds <= 0 {
		ttlSeconds = defaultTokenTTLSeconds
	}
	atExpiresAt := nowMs + ttlSeconds*1000

	rt, err := tokencodec.EncodeRT(childID)
	if err != nil {
		apiError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to generate refresh token")
		return
	}
	at, err := tokencodec.EncodeAT(childID, atExpiresAt)
	if err != nil {
		apiError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to generate access token")
		return
	}

	child := &delegatestore.Delegate{
		DelegateID:      childIDStr,
		Realm:           parent.Realm,
		ParentID:        parent.DelegateID,
		Chain:           append(append([]string(nil), parent.Chain...), childIDStr),
		Depth:           parent.Depth + 1,
		CanUpload:       req.CanUpload,
		CanManageDepot:  req.CanManageDepot,
		DelegatedDepots: req.DelegatedDepots,
		ScopeNodeHash:   scopeResult.ScopeNodeHash,
		ScopeSetNodeID:  scopeResult.ScopeSetNodeID,
		ExpiresAt:       childExpiresAt,
		CreatedAt:       nowMs,
		CurrentRTHash:   tokencodec.HashHex(rt),
		CurrentATHash:   tokencodec.HashHex(at),
		ATExpiresAt:     atExpiresAt,
		Name:            req.Name,
	}

	if err := h.store.Create(ctx, child); err != nil {
		if err == delegatestore.ErrAlreadyExists {
			apiError(c, http.StatusConflict, "ALREADY_EXISTS", "delegate id collision")
			return
		}
		apiError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to create delegate")
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"delegate":             delegateView(child),
		"accessToken":          base64.StdEncoding.EncodeToString(at),
		"refreshToken":         base64.StdEncoding.EncodeToString(rt),
		"accessTokenExpiresAt": atExpiresAt,
	})
}

// List handles GET /api/realm/:realmId/delegates.
func (h *Handler) List(c *gin.Context) {
	ac, ok := h.authorize(c)
	if !ok {
		return
	}

	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	includeRevoked := c.Query("includeRevoked") == "true"
	cursor := c.Query("cursor")

	page, err := h.store.ListChildren(c.Request.Context(), ac.Realm, ac.DelegateID, limit, cursor)
	if err != nil {
		apiError(c, http.StatusBadRequest, "INVALID_CURSOR", "malformed cursor")
		return
	}

	views := make([]gin.H, 0, len(page.Delegates))
	for _, d := range page.Delegates {
		if !includeRevoked && d.IsRevoked {
			continue
		}
		views = append(views, delegateView(d))
	}

	c.JSON(http.StatusOK, gin.H{
		"delegates": views,
		"cursor":    page.Cursor,
		"hasMore":   page.HasMore,
	})
}

// Get handles GET /api/realm/:realmId/delegates/:id.
func (h *Handler) Get(c *gin.Context) {
	ac, ok := h.authorize(c)
	if !ok {
		return
	}

	target, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apiError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load delegate")
		return
	}
	if target == nil || !isAncestor(ac.DelegateID, target) {
		apiError(c, http.StatusNotFound, "DELEGATE_NOT_FOUND", "delegate not found")
		return
	}

	c.JSON(http.StatusOK, gin.H{"delegate": delegateView(target)})
}

// Revoke handles POST /api/realm/:realmId/delegates/:id/revoke, cascading
// to every descendant of the target.
func (h *Handler) Revoke(c *gin.Context) {
	ac, ok := h.authorize(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	target, err := h.store.Get(ctx, c.Param("id"))
	if err != nil {
		apiError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load delegate")
		return
	}
	if target == nil || !isAncestor(ac.DelegateID, target) {
		apiError(c, http.StatusNotFound, "DELEGATE_NOT_FOUND", "delegate not found")
		return
	}

	now := h.now().UnixMilli()
	ok2, err := h.store.Revoke(ctx, target.DelegateID, ac.DelegateID, now)
	if err != nil {
		apiError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to revoke delegate")
		return
	}
	if !ok2 {
		apiError(c, http.StatusConflict, "DELEGATE_ALREADY_REVOKED", "delegate is already revoked")
		return
	}

	h.cascadeRevoke(ctx, ac.Realm, target.DelegateID, ac.DelegateID, now)

	c.JSON(http.StatusOK, gin.H{"delegateId": target.DelegateID, "revokedAt": now})
}

// cascadeRevoke walks the subtree rooted at parentID, revoking every
// non-revoked descendant. Failures on individual descendants are logged
// and do not stop the sweep; a subsequent revoke attempt is always safe
// because Revoke's conditional update makes it idempotent.
func (h *Handler) cascadeRevoke(ctx context.Context, realm, parentID, by string, now int64) {
	cursor := ""
	for {
		page, err := h.store.ListChildren(ctx, realm, parentID, 100, cursor)
		if err != nil {
			if h.logger != nil {
				h.logger.Error("cascade revoke: list children failed", "parentId", parentID, "err", err)
			}
			return
		}
		for _, child := range page.Delegates {
			if !child.IsRevoked {
				if _, err := h.store.Revoke(ctx, child.DelegateID, by, now); err != nil && h.logger != nil {
					h.logger.Error("cascade revoke: revoke failed", "delegateId", child.DelegateID, "err", err)
				}
			}
			h.cascadeRevoke(ctx, realm, child.DelegateID, by, now)
		}
		if !page.HasMore {
			return
		}
		cursor = page.Cursor
	}
}

func isAncestor(callerID string, target *delegatestore.Delegate) bool {
	for _, id := range target.Chain {
		if id == callerID {
			return true
		}
	}
	return false
}

// parentScopeRoots returns the set of CAS node hashes a child's scope may
// be resolved against: either the parent's single scope root, or the
// reconstituted children of the parent's multi-root set-node.
func parentScopeRoots(ctx context.Context, setStore scoperesolver.ScopeSetStore, parent *delegatestore.Delegate) ([]string, error) {
	if parent.ScopeNodeHash != "" {
		return []string{parent.ScopeNodeHash}, nil
	}
	if parent.ScopeSetNodeID != "" {
		children, ok, err := setStore.SetChildren(ctx, parent.ScopeSetNodeID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return children, nil
	}
	return nil, nil
}

func delegateView(d *delegatestore.Delegate) gin.H {
	return gin.H{
		"delegateId":      d.DelegateID,
		"realm":           d.Realm,
		"parentId":        d.ParentID,
		"depth":           d.Depth,
		"canUpload":       d.CanUpload,
		"canManageDepot":  d.CanManageDepot,
		"delegatedDepots": d.DelegatedDepots,
		"scopeNodeHash":   d.ScopeNodeHash,
		"scopeSetNodeId":  d.ScopeSetNodeID,
		"expiresAt":       d.ExpiresAt,
		"isRevoked":       d.IsRevoked,
		"revokedAt":       d.RevokedAt,
		"createdAt":       d.CreatedAt,
		"name":            d.Name,
	}
}

