// Command server runs the CASFA delegation, token, and OAuth core.
package main

import (
	"context"
	"os"

	"github.com/casfa/casfa/internal/config"
	"github.com/casfa/casfa/internal/logging"
	"github.com/casfa/casfa/internal/server"
)

// Build info - set by ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting casfa",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"oauth_issuer", cfg.OAuthIssuer,
		"max_delegation_depth", cfg.MaxDelegationDepth,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
