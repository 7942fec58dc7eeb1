// Package config handles application configuration from environment
// variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds everything the binaries need to wire the sync layer.
type Config struct {
	// BaseURL is the upstream API root, e.g. https://api.example.com/v1.
	BaseURL string `env:"SYNCLINE_BASE_URL"`

	AttemptTimeout    time.Duration `env:"SYNCLINE_ATTEMPT_TIMEOUT" envDefault:"15s"`
	CacheTTL          time.Duration `env:"SYNCLINE_CACHE_TTL" envDefault:"30s"`
	DefaultRetryAfter time.Duration `env:"SYNCLINE_DEFAULT_RETRY_AFTER" envDefault:"60s"`
	MinRequestSpacing time.Duration `env:"SYNCLINE_MIN_REQUEST_SPACING" envDefault:"200ms"`
	PollInterval      time.Duration `env:"SYNCLINE_POLL_INTERVAL" envDefault:"30s"`

	// CacheDir is where the durable file cache lives; empty means the
	// per-user default.
	CacheDir string `env:"SYNCLINE_CACHE_DIR"`
	// PostgresDSN switches the durable tier to a shared Postgres store.
	PostgresDSN string `env:"SYNCLINE_POSTGRES_DSN"`

	CSRFCookie string `env:"SYNCLINE_CSRF_COOKIE" envDefault:"csrf_token"`
	CSRFHeader string `env:"SYNCLINE_CSRF_HEADER" envDefault:"X-CSRF-Token"`

	LogLevel string `env:"SYNCLINE_LOG_LEVEL" envDefault:"info"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	return cfg, nil
}

// Validate ensures the required settings are present.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("SYNCLINE_BASE_URL is required")
	}
	return nil
}
