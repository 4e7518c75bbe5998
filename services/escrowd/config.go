package main

import (
	"errors"
	"os"
	"strings"
	"time"

	"escrowd/config"
)

// runtimeConfig is the fully resolved service configuration: the TOML file
// contents with environment overrides applied and durations parsed.
type runtimeConfig struct {
	file *config.Config

	listenAddress  string
	metricsAddress string
	dataDir        string
	environment    string
	apiKey         string
	apiSecret      string
	rateLimit      int
	idempotencyDB  string
	freshness      time.Duration
	oracleTimeout  time.Duration
}

func getenvDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

// loadRuntimeConfig reads the TOML configuration named by ESCROWD_CONFIG and
// applies the ESCROWD_* environment overrides. Credentials may only come from
// the file or the environment; an empty API key disables authentication, which
// is refused outside the local environment.
func loadRuntimeConfig() (*runtimeConfig, error) {
	path := getenvDefault("ESCROWD_CONFIG", "escrowd.toml")
	fileCfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	cfg := &runtimeConfig{
		file:           fileCfg,
		listenAddress:  getenvDefault("ESCROWD_LISTEN", fileCfg.ListenAddress),
		metricsAddress: getenvDefault("ESCROWD_METRICS_LISTEN", fileCfg.MetricsAddress),
		dataDir:        getenvDefault("ESCROWD_DATA_DIR", fileCfg.DataDir),
		environment:    getenvDefault("ESCROWD_ENV", fileCfg.Environment),
		apiKey:         getenvDefault("ESCROWD_API_KEY", fileCfg.APIKey),
		apiSecret:      getenvDefault("ESCROWD_API_SECRET", fileCfg.APISecret),
		rateLimit:      fileCfg.RateLimitPerMinute,
		idempotencyDB:  getenvDefault("ESCROWD_DB_PATH", fileCfg.IdempotencyDB),
	}

	cfg.freshness, err = fileCfg.Freshness()
	if err != nil {
		return nil, err
	}
	cfg.oracleTimeout, err = fileCfg.OracleLookupTimeout()
	if err != nil {
		return nil, err
	}

	if cfg.apiKey != "" && cfg.apiSecret == "" {
		return nil, errors.New("config: APIKey is set but APISecret is empty")
	}
	if cfg.apiKey == "" && cfg.environment != "local" {
		return nil, errors.New("config: authentication is required outside the local environment")
	}
	return cfg, nil
}

func (c *runtimeConfig) authEnabled() bool {
	return c.apiKey != ""
}
