// Farmlink escrow - holds buyer payments until produce is delivered
package main

import (
	"context"
	"os"

	"github.com/farmlink/escrow/internal/config"
	"github.com/farmlink/escrow/internal/logging"
	"github.com/farmlink/escrow/internal/server"
	"github.com/farmlink/escrow/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting farmlink escrow",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"max_payment_retries", cfg.MaxPaymentRetries,
		"retry_interval", cfg.RetryInterval.String(),
	)

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
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
