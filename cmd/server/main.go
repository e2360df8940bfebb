// Crewly billing - subscription billing for Crewly workspaces
package main

import (
	"context"
	"os"

	"github.com/crewlyhq/crewly-billing/internal/config"
	"github.com/crewlyhq/crewly-billing/internal/logging"
	"github.com/crewlyhq/crewly-billing/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Create logger
	logger := logging.New("info", "text")

	logger.Info("starting crewly-billing",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"billing_mode", cfg.BillingMode,
		"currency", cfg.Currency,
		"renewal_interval", cfg.RenewalEvery,
	)

	// Create and run server
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
