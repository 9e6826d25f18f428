package oauth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Metadata serves the RFC 8414 authorization-server metadata document.
type Metadata struct {
	Issuer string
}

// ServerMetadata is the RFC 8414 JSON shape.
type ServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
}

// ServeMetadata handles GET /.well-known/oauth-authorization-server/api/auth.
func (m Metadata) ServeMetadata(c *gin.Context) {
	c.JSON(http.StatusOK, ServerMetadata{
		Issuer:                            m.Issuer,
		AuthorizationEndpoint:             m.Issuer + "/api/auth/authorize",
		TokenEndpoint:                     m.Issuer + "/api/auth/token",
		RegistrationEndpoint:              m.Issuer + "/api/auth/register",
		ScopesSupported:                   []string{ScopeRead, ScopeWrite, ScopeManageDepot},
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
		CodeChallengeMethodsSupported:     []string{"S256"},
	})
}
