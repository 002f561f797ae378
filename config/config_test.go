package config

import (
	"testing"
	"time"
)

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "secret")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without DATABASE_URL")
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/placementflow")
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("listen addr default = %q", cfg.ListenAddr)
	}
	if cfg.OutboxInterval != 2*time.Second {
		t.Fatalf("outbox interval default = %v", cfg.OutboxInterval)
	}
	if cfg.OutboxMaxAttempts != 5 {
		t.Fatalf("outbox max attempts default = %d", cfg.OutboxMaxAttempts)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("log level default = %q", cfg.LogLevel)
	}
}

func TestLoad_PrefixedVariablesWin(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/one")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("PLACEMENTFLOW_DATABASE_URL", "postgres://localhost/two")
	t.Setenv("PLACEMENTFLOW_PORTAL_BASE_URL", "https://portal.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabaseURL != "postgres://localhost/two" {
		t.Fatalf("prefixed DATABASE_URL should win, got %q", cfg.DatabaseURL)
	}
	if cfg.PortalBaseURL != "https://portal.example.com" {
		t.Fatalf("portal base url = %q", cfg.PortalBaseURL)
	}
}
