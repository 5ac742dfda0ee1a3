// Package config handles facilitator configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all facilitator configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Optional event journal (in-memory if not set)
	DatabaseURL string

	// Settlement thresholds
	ThresholdAmount string        // decimal USDC, e.g. "1.00"
	ThresholdTime   time.Duration // time since the agent's first request
	ThresholdCount  int           // queued authorizations per (agent, merchant)

	// Scheduler
	AutoSettlement bool
	CheckInterval  time.Duration

	// Monitoring
	SnapshotInterval time.Duration

	// Solana settlement
	SolanaRPCURL     string
	USDCMint         string
	SolanaPrivateKey string // base58-encoded funding key

	// Boundary
	RateLimitRPM int
	OTLPEndpoint string
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultThresholdAmount  = "1.00"
	DefaultThresholdTime    = 3600 * time.Second
	DefaultThresholdCount   = 100
	DefaultCheckInterval    = 60000 * time.Millisecond
	DefaultSnapshotInterval = 300 * time.Second
	DefaultRateLimit        = 120
	DefaultSolanaRPCURL     = "https://api.devnet.solana.com"
	// Devnet USDC mint.
	DefaultUSDCMint = "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"
)

// Load reads configuration from environment variables. A .env file is
// loaded first if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		ThresholdAmount:  getEnv("SETTLEMENT_THRESHOLD_AMOUNT", DefaultThresholdAmount),
		ThresholdTime:    time.Duration(getEnvInt64("SETTLEMENT_THRESHOLD_TIME", int64(DefaultThresholdTime/time.Second))) * time.Second,
		ThresholdCount:   int(getEnvInt64("SETTLEMENT_THRESHOLD_COUNT", DefaultThresholdCount)),
		AutoSettlement:   getEnvBool("AUTO_SETTLEMENT", true),
		CheckInterval:    time.Duration(getEnvInt64("SETTLEMENT_CHECK_INTERVAL", int64(DefaultCheckInterval/time.Millisecond))) * time.Millisecond,
		SnapshotInterval: time.Duration(getEnvInt64("METRICS_SNAPSHOT_INTERVAL", int64(DefaultSnapshotInterval/time.Second))) * time.Second,
		SolanaRPCURL:     getEnv("SOLANA_RPC_URL", DefaultSolanaRPCURL),
		USDCMint:         getEnv("USDC_MINT", DefaultUSDCMint),
		SolanaPrivateKey: os.Getenv("SOLANA_PRIVATE_KEY"),
		RateLimitRPM:     int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is coherent.
func (c *Config) Validate() error {
	if c.ThresholdCount <= 0 {
		return fmt.Errorf("SETTLEMENT_THRESHOLD_COUNT must be positive")
	}
	if c.ThresholdTime <= 0 {
		return fmt.Errorf("SETTLEMENT_THRESHOLD_TIME must be positive")
	}
	if c.CheckInterval < 100*time.Millisecond {
		return fmt.Errorf("SETTLEMENT_CHECK_INTERVAL must be at least 100ms")
	}
	if c.SolanaRPCURL == "" {
		return fmt.Errorf("SOLANA_RPC_URL is required")
	}
	if c.USDCMint == "" {
		return fmt.Errorf("USDC_MINT is required")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
