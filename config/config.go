// Package config loads runtime settings from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds everything the API process needs at startup.
type Config struct {
	DatabaseURL string
	JWTSecret   string
	// PortalBaseURL prefixes tokenized links handed to external actors.
	PortalBaseURL string
	ListenAddr    string

	OutboxInterval    time.Duration
	OutboxMaxAttempts int

	LogLevel string
}

// Load reads configuration from PLACEMENTFLOW_* variables, falling back to
// the bare DATABASE_URL and JWT_SECRET names the deploy scripts already set.
func Load() (Config, error) {
	k := koanf.New(".")

	if err := k.Load(env.Provider("", ".", strings.ToLower), nil); err != nil {
		return Config{}, fmt.Errorf("config: load env: %w", err)
	}
	if err := k.Load(env.Provider("PLACEMENTFLOW_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "PLACEMENTFLOW_"))
	}), nil); err != nil {
		return Config{}, fmt.Errorf("config: load prefixed env: %w", err)
	}

	cfg := Config{
		DatabaseURL:       k.String("database_url"),
		JWTSecret:         k.String("jwt_secret"),
		PortalBaseURL:     k.String("portal_base_url"),
		ListenAddr:        k.String("listen_addr"),
		OutboxInterval:    k.Duration("outbox_interval"),
		OutboxMaxAttempts: k.Int("outbox_max_attempts"),
		LogLevel:          k.String("log_level"),
	}
	applyDefaults(&cfg)

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("config: DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("config: JWT_SECRET is required")
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.PortalBaseURL == "" {
		cfg.PortalBaseURL = "http://localhost:8080"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.OutboxInterval <= 0 {
		cfg.OutboxInterval = 2 * time.Second
	}
	if cfg.OutboxMaxAttempts <= 0 {
		cfg.OutboxMaxAttempts = 5
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}
