package refresh

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Handler exposes Service over the POST /api/refresh endpoint described in
// spec.md §4.7 and §6.1: an RT arrives as a bearer token, a rotated RT+AT
// pair comes back on success.
type Handler struct {
	svc *Service
}

// NewHandler wraps svc for HTTP.
func NewHandler(svc *Service) *Handler { return &Handler{svc: svc} }

// RegisterRoutes mounts POST /refresh under r.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.POST("/refresh", h.Refresh)
}

func apiError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": message})
}

// Refresh handles POST /api/refresh.
func (h *Handler) Refresh(c *gin.Context) {
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) || len(header) == len(prefix) {
		apiError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing or malformed Authorization header")
		return
	}
	raw := strings.TrimPrefix(header, prefix)

	tokBytes, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		apiError(c, http.StatusUnauthorized, "INVALID_TOKEN_FORMAT", "refresh token is not well-formed")
		return
	}

	res, err := h.svc.Rotate(c.Request.Context(), tokBytes)
	if err != nil {
		if se, ok := err.(*ServiceError); ok {
			apiError(c, se.HTTPStatus, se.Code, se.Message)
			return
		}
		apiError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to rotate tokens")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"refreshToken":         res.RefreshToken,
		"accessToken":          res.AccessToken,
		"accessTokenExpiresAt": res.AccessTokenExpiresAt,
		"delegateId":           res.DelegateID,
	})
}
