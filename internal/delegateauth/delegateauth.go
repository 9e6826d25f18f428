// Package delegateauth provides the access-token and JWT gin middlewares
// that attach an AuthContext to incoming requests, and the delegate lookup
// abstraction (optionally cached) they validate against.
package delegateauth

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/casfa/casfa/internal/delegatestore"
	"github.com/casfa/casfa/internal/tokencodec"
)

// contextKey is the gin context key under which AuthContext is stored.
const contextKey = "casfa.authContext"

// AuthType distinguishes how a request was authenticated.
type AuthType string

const (
	AuthTypeAccess AuthType = "access"
	AuthTypeJWT    AuthType = "jwt"
)

// AuthContext is attached to the gin context by whichever middleware ran.
type AuthContext struct {
	Type AuthType

	// Populated for Type == AuthTypeAccess.
	DelegateID     string
	Realm          string
	CanUpload      bool
	CanManageDepot bool
	IssuerChain    []string
	TokenBytes     []byte

	// Populated for Type == AuthTypeJWT.
	UserID string
	Role   string
}

// DelegateLookup abstracts the delegate-by-id lookup the access-token
// middleware depends on, so it can be backed by delegatestore.Store
// directly or wrapped by internal/cache.
type DelegateLookup interface {
	Get(ctx context.Context, delegateID string) (*delegatestore.Delegate, error)
}

// apiError mirrors the {error, message} JSON shape used across the API.
func apiError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": message})
}

// FromContext returns the AuthContext attached to c, if any.
func FromContext(c *gin.Context) (*AuthContext, bool) {
	v, exists := c.Get(contextKey)
	if !exists {
		return nil, false
	}
	ac, ok := v.(*AuthContext)
	return ac, ok
}

// AccessTokenMiddleware validates a Bearer access token and attaches an
// AuthContext of type "access" on success.
func AccessTokenMiddleware(lookup DelegateLookup, nowFn func() time.Time) gin.HandlerFunc {
	if nowFn == nil {
		nowFn = time.Now
	}
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) || len(header) == len(prefix) {
			apiError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing or malformed Authorization header")
			return
		}
		raw := strings.TrimPrefix(header, prefix)

		tokBytes, err := base64.StdEncoding.DecodeString(raw)
		if err != nil || len(tokBytes) != tokencodec.ATSize {
			apiError(c, http.StatusUnauthorized, "INVALID_TOKEN_FORMAT", "access token is not well-formed")
			return
		}

		decoded, err := tokencodec.Decode(tokBytes)
		if err != nil {
			apiError(c, http.StatusUnauthorized, "INVALID_TOKEN_FORMAT", "access token is not well-formed")
			return
		}
		if decoded.Type != tokencodec.TypeAccess {
			apiError(c, http.StatusForbidden, "ACCESS_TOKEN_REQUIRED", "a refresh token was presented where an access token is required")
			return
		}

		delegateIDStr := tokencodec.IDBytesToString(decoded.DelegateID)
		delegate, err := lookup.Get(c.Request.Context(), delegateIDStr)
		if err != nil {
			apiError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to look up delegate")
			return
		}
		if delegate == nil {
			apiError(c, http.StatusUnauthorized, "DELEGATE_NOT_FOUND", "delegate does not exist")
			return
		}
		if delegate.IsRevoked {
			apiError(c, http.StatusUnauthorized, "DELEGATE_REVOKED", "delegate has been revoked")
			return
		}
		now := nowFn().UnixMilli()
		if delegate.ExpiresAt != 0 && delegate.ExpiresAt < now {
			apiError(c, http.StatusUnauthorized, "DELEGATE_EXPIRED", "delegate has expired")
			return
		}

		hashHex := tokencodec.HashHex(tokBytes)
		if hashHex != delegate.CurrentATHash {
			apiError(c, http.StatusUnauthorized, "TOKEN_INVALID", "access token does not match the delegate's current token")
			return
		}
		if delegate.ATExpiresAt < now {
			apiError(c, http.StatusUnauthorized, "TOKEN_EXPIRED", "access token has expired")
			return
		}

		c.Set(contextKey, &AuthContext{
			Type:           AuthTypeAccess,
			DelegateID:     delegate.DelegateID,
			Realm:          delegate.Realm,
			CanUpload:      delegate.CanUpload,
			CanManageDepot: delegate.CanManageDepot,
			IssuerChain:    delegate.Chain,
			TokenBytes:     tokBytes,
		})
		c.Next()
	}
}

// JWTClaims is the minimal claim set the identity provider's JWTs carry.
type JWTClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// JWTMiddleware validates a user JWT (HS256 or RS256, per keyFunc) and
// attaches an AuthContext of type "jwt" on success. The identity provider
// that issues these tokens is an external collaborator (out of scope);
// this middleware only verifies and decodes.
func JWTMiddleware(keyFunc jwt.Keyfunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) || len(header) == len(prefix) {
			apiError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing or malformed Authorization header")
			return
		}
		raw := strings.TrimPrefix(header, prefix)

		var claims JWTClaims
		token, err := jwt.ParseWithClaims(raw, &claims, keyFunc)
		if err != nil || !token.Valid {
			apiError(c, http.StatusUnauthorized, "INVALID_TOKEN", "JWT is invalid or expired")
			return
		}

		userID := claims.Subject
		if userID == "" {
			apiError(c, http.StatusUnauthorized, "INVALID_TOKEN", "JWT is missing a subject")
			return
		}

		c.Set(contextKey, &AuthContext{
			Type:   AuthTypeJWT,
			UserID: userID,
			Realm:  userID,
			Role:   claims.Role,
		})
		c.Next()
	}
}
