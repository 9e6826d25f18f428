// Package root implements the root-delegate bootstrap endpoint: given a
// validated user JWT, ensure the user's realm has a root delegate and
// return its metadata. Root delegates carry no live tokens; the JWT
// itself is the user's credential from then on.
package root

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/casfa/casfa/internal/delegateauth"
	"github.com/casfa/casfa/internal/delegatestore"
)

// Request is the POST /api/tokens/root body.
type Request struct {
	Realm string `json:"realm,omitempty"`
}

// Handler serves the root-bootstrap endpoint.
type Handler struct {
	store delegatestore.Store
	now   func() int64
}

// New creates a root Handler. nowFn defaults to the wall clock when nil.
func New(store delegatestore.Store, nowFn func() int64) *Handler {
	if nowFn == nil {
		nowFn = func() int64 { return time.Now().UnixMilli() }
	}
	return &Handler{store: store, now: nowFn}
}

// RegisterRoutes mounts the handler under /api/tokens.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/root", h.EnsureRoot)
}

func apiError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": message})
}

// EnsureRoot handles POST /api/tokens/root.
func (h *Handler) EnsureRoot(c *gin.Context) {
	ac, ok := delegateauth.FromContext(c)
	if !ok || ac.Type != delegateauth.AuthTypeJWT {
		apiError(c, http.StatusUnauthorized, "UNAUTHORIZED", "JWT required")
		return
	}

	var req Request
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			apiError(c, http.StatusBadRequest, "INVALID_REQUEST", "malformed request body")
			return
		}
	}
	realm := ac.UserID
	if req.Realm != "" && req.Realm != ac.UserID {
		apiError(c, http.StatusBadRequest, "INVALID_REALM", "realm must equal the authenticated user id")
		return
	}

	delegate, created, err := h.store.GetOrCreateRoot(c.Request.Context(), realm, ac.UserID, h.now())
	if err != nil {
		apiError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to ensure root delegate")
		return
	}
	if delegate.IsRevoked {
		apiError(c, http.StatusForbidden, "ROOT_DELEGATE_REVOKED", "root delegate has been revoked")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"delegateId": delegate.DelegateID,
		"realm":      delegate.Realm,
		"depth":      delegate.Depth,
		"isRevoked":  delegate.IsRevoked,
		"createdAt":  delegate.CreatedAt,
	})
}
