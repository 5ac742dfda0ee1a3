// Deferred payment facilitator for AI agents.
package main

import (
	"os"

	"github.com/agentpay/facilitator/internal/config"
	"github.com/agentpay/facilitator/internal/logging"
	"github.com/agentpay/facilitator/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting facilitator",
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
		"rpc", cfg.SolanaRPCURL,
		"usdc_mint", cfg.USDCMint,
		"auto_settlement", cfg.AutoSettlement,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
