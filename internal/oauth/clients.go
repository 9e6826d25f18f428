package oauth

import (
	"net/url"
	"strings"
)

// Client is a statically registered OAuth client allowed to use the
// authorization-code + PKCE flow. There is no client secret: every
// registered client is public (tokenEndpointAuthMethod "none"), matching
// the MCP-client usage this flow exists for.
type Client struct {
	ClientID                string
	Name                    string
	AllowedRedirectPatterns []string
	GrantTypes              []string
	TokenEndpointAuthMethod string
}

// ClientRegistry looks up known clients by id.
type ClientRegistry map[string]Client

// NewStaticRegistry builds a ClientRegistry from a client list, keyed by
// ClientID, defaulting TokenEndpointAuthMethod and GrantTypes when unset.
func NewStaticRegistry(clients []Client) ClientRegistry {
	reg := make(ClientRegistry, len(clients))
	for _, c := range clients {
		if c.TokenEndpointAuthMethod == "" {
			c.TokenEndpointAuthMethod = "none"
		}
		if len(c.GrantTypes) == 0 {
			c.GrantTypes = []string{"authorization_code", "refresh_token"}
		}
		reg[c.ClientID] = c
	}
	return reg
}

// Lookup returns the client for clientID, if known.
func (r ClientRegistry) Lookup(clientID string) (Client, bool) {
	c, ok := r[clientID]
	return c, ok
}

// RedirectAllowed reports whether redirectURI matches one of client's
// allowed patterns. A pattern is either an exact URI, or
// "<scheme>://<host>:*" which matches any port on that scheme+host.
func (c Client) RedirectAllowed(redirectURI string) bool {
	target, err := url.Parse(redirectURI)
	if err != nil {
		return false
	}
	for _, pattern := range c.AllowedRedirectPatterns {
		if pattern == redirectURI {
			return true
		}
		if strings.HasSuffix(pattern, ":*") {
			base := strings.TrimSuffix(pattern, ":*")
			scheme, host, ok := splitSchemeHost(base)
			if !ok {
				continue
			}
			if target.Scheme == scheme && target.Hostname() == host && target.Port() != "" {
				return true
			}
		}
	}
	return false
}

func splitSchemeHost(s string) (scheme, host string, ok bool) {
	parts := strings.SplitN(s, "://", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}
