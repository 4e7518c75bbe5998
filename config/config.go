package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the on-disk configuration for the escrowd service.
type Config struct {
	ListenAddress      string `toml:"ListenAddress"`
	MetricsAddress     string `toml:"MetricsAddress"`
	DataDir            string `toml:"DataDir"`
	Environment        string `toml:"Environment"`
	APIKey             string `toml:"APIKey"`
	APISecret          string `toml:"APISecret"`
	RateLimitPerMinute int    `toml:"RateLimitPerMinute"`
	FreshnessWindow    string `toml:"FreshnessWindow"`
	OracleTimeout      string `toml:"OracleTimeout"`
	IdempotencyDB      string `toml:"IdempotencyDB"`
}

// Load reads the configuration from path, creating a default file when none
// exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8081"
	}
	if strings.TrimSpace(c.MetricsAddress) == "" {
		c.MetricsAddress = ":9090"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./escrowd-data"
	}
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = "local"
	}
	if c.RateLimitPerMinute <= 0 {
		c.RateLimitPerMinute = 120
	}
	if strings.TrimSpace(c.FreshnessWindow) == "" {
		c.FreshnessWindow = "1h"
	}
	if strings.TrimSpace(c.OracleTimeout) == "" {
		c.OracleTimeout = "5s"
	}
	if strings.TrimSpace(c.IdempotencyDB) == "" {
		c.IdempotencyDB = filepath.Join(c.DataDir, "gateway.db")
	}
}

// Validate checks the configuration for values the service cannot start with.
func (c *Config) Validate() error {
	if _, err := c.Freshness(); err != nil {
		return fmt.Errorf("config: invalid FreshnessWindow: %w", err)
	}
	if _, err := c.OracleLookupTimeout(); err != nil {
		return fmt.Errorf("config: invalid OracleTimeout: %w", err)
	}
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("config: RateLimitPerMinute must be positive")
	}
	return nil
}

// Freshness returns the attestation freshness window as a duration.
func (c *Config) Freshness() (time.Duration, error) {
	return time.ParseDuration(c.FreshnessWindow)
}

// OracleLookupTimeout returns the per-lookup oracle deadline as a duration.
func (c *Config) OracleLookupTimeout() (time.Duration, error) {
	return time.ParseDuration(c.OracleTimeout)
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return toml.NewEncoder(file).Encode(cfg)
}
