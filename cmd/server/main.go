// Brickpay - Brick sale and escrow settlement API
package main

import (
	"context"
	"os"

	"github.com/oamen/brickpay/internal/config"
	"github.com/oamen/brickpay/internal/logging"
	"github.com/oamen/brickpay/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting brickpay",
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
		"sale_currency", cfg.SaleCurrency,
		"total_supply", cfg.TotalSupply,
		"unit_price", cfg.UnitPrice,
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
