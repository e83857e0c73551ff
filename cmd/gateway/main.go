// x402 gateway - request-time payment enforcement for HTTP APIs
package main

import (
	"context"
	"os"

	"github.com/navsahu/x402-deploy/internal/config"
	"github.com/navsahu/x402-deploy/internal/logging"
	"github.com/navsahu/x402-deploy/internal/security"
	"github.com/navsahu/x402-deploy/internal/server"
	"github.com/navsahu/x402-deploy/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting x402 gateway",
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
		"network", cfg.Network,
		"facilitator", cfg.FacilitatorURL,
		"test_mode", cfg.TestMode,
	)

	if cfg.IsProduction() {
		if err := security.ValidateFacilitatorURL(cfg.FacilitatorURL); err != nil {
			logger.Error("facilitator URL rejected", "error", err)
			os.Exit(1)
		}
	}

	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTraces(context.Background()); err != nil {
			logger.Error("trace shutdown failed", "error", err)
		}
	}()

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
