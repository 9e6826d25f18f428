// Command mcp runs a stdio MCP bridge for a single casfa delegate, exposing
// delegate-management operations (create, list, get, revoke, refresh) as
// tools for an editor or agent runtime configured as an MCP client.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/casfa/casfa/internal/mcpclient"
)

func main() {
	cfg := mcpclient.Config{
		APIURL:      envOrDefault("CASFA_API_URL", "http://localhost:8080"),
		AccessToken: os.Getenv("CASFA_ACCESS_TOKEN"),
		Realm:       os.Getenv("CASFA_REALM"),
	}

	if cfg.AccessToken == "" {
		fmt.Fprintln(os.Stderr, "CASFA_ACCESS_TOKEN is required")
		os.Exit(1)
	}
	if cfg.Realm == "" {
		fmt.Fprintln(os.Stderr, "CASFA_REALM is required")
		os.Exit(1)
	}

	s := mcpclient.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
