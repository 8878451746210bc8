// Package config loads runtime settings from environment variables
// (spec §6), in the style of services/lending's LoadConfigFromEnv.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"lendindexer/internal/ingesterr"
)

// Config captures every indexer setting from spec §6.
type Config struct {
	DatabaseURL      string
	RPCEndpoint      string
	ChainID          string
	FactoryAddress   string
	StartBlockHeight uint64
	BatchSize        int
	PollInterval     time.Duration
	APIPort          int
	LogLevel         string
}

const (
	envDatabaseURL      = "DATABASE_URL"
	envRPCEndpoint      = "RPC_ENDPOINT"
	envChainID          = "CHAIN_ID"
	envFactoryAddress   = "FACTORY_ADDRESS"
	envStartBlockHeight = "START_BLOCK_HEIGHT"
	envBatchSize        = "BATCH_SIZE"
	envPollIntervalMs   = "POLL_INTERVAL_MS"
	envAPIPort          = "API_PORT"
	envLogLevel         = "LOG_LEVEL"

	defaultStartBlockHeight uint64 = 1
	defaultBatchSize               = 100
	defaultPollIntervalMs          = 1000
	defaultAPIPort                 = 4000
	defaultLogLevel                = "info"
)

// FromEnv constructs a Config from the process environment, applies
// defaults for unset optional values, and validates the required fields.
func FromEnv() (Config, error) {
	cfg := Config{
		DatabaseURL:      strings.TrimSpace(os.Getenv(envDatabaseURL)),
		RPCEndpoint:      strings.TrimSpace(os.Getenv(envRPCEndpoint)),
		ChainID:          strings.TrimSpace(os.Getenv(envChainID)),
		FactoryAddress:   strings.TrimSpace(os.Getenv(envFactoryAddress)),
		StartBlockHeight: uint64FromEnv(envStartBlockHeight, defaultStartBlockHeight),
		BatchSize:        intFromEnv(envBatchSize, defaultBatchSize),
		PollInterval:     time.Duration(intFromEnv(envPollIntervalMs, defaultPollIntervalMs)) * time.Millisecond,
		APIPort:          intFromEnv(envAPIPort, defaultAPIPort),
		LogLevel:         stringFromEnv(envLogLevel, defaultLogLevel),
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	if cfg.DatabaseURL == "" {
		return ingesterr.FatalConfig(envDatabaseURL+" is required", nil)
	}
	if cfg.RPCEndpoint == "" {
		return ingesterr.FatalConfig(envRPCEndpoint+" is required", nil)
	}
	if cfg.ChainID == "" {
		return ingesterr.FatalConfig(envChainID+" is required", nil)
	}
	if cfg.FactoryAddress == "" {
		return ingesterr.FatalConfig(envFactoryAddress+" is required", nil)
	}
	if cfg.BatchSize <= 0 {
		return ingesterr.FatalConfig(envBatchSize+" must be positive", nil)
	}
	if cfg.PollInterval <= 0 {
		return ingesterr.FatalConfig(envPollIntervalMs+" must be positive", nil)
	}
	if cfg.APIPort <= 0 || cfg.APIPort > 65535 {
		return ingesterr.FatalConfig(envAPIPort+" must be a valid port", nil)
	}
	return nil
}

func stringFromEnv(key, fallback string) string {
	trimmed := strings.TrimSpace(os.Getenv(key))
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

func intFromEnv(key string, fallback int) int {
	trimmed := strings.TrimSpace(os.Getenv(key))
	if trimmed == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return fallback
	}
	return parsed
}

func uint64FromEnv(key string, fallback uint64) uint64 {
	trimmed := strings.TrimSpace(os.Getenv(key))
	if trimmed == "" {
		return fallback
	}
	parsed, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
