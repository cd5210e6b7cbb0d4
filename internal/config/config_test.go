package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LAB_API_BASE_URL", "http://localhost:9000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}
	if !cfg.IsDev() {
		t.Error("expected development mode by default")
	}
	if cfg.SessionTTL != time.Hour {
		t.Errorf("expected default session TTL 1h, got %s", cfg.SessionTTL)
	}
	if cfg.SaveResetDelay != 3*time.Second {
		t.Errorf("expected default save reset delay 3s, got %s", cfg.SaveResetDelay)
	}
}

func TestLoad_MissingBaseURL(t *testing.T) {
	t.Setenv("LAB_API_BASE_URL", "")

	if _, err := Load(); err == nil {
		t.Error("expected error when LAB_API_BASE_URL is missing")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("LAB_API_BASE_URL", "https://api.example.com")
	t.Setenv("PORT", "9999")
	t.Setenv("SESSION_TTL", "30m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "9999" {
		t.Errorf("expected port 9999, got %s", cfg.Port)
	}
	if cfg.SessionTTL != 30*time.Minute {
		t.Errorf("expected session TTL 30m, got %s", cfg.SessionTTL)
	}
}

func TestValidate_ProductionRequiresAuth(t *testing.T) {
	cfg := &Config{Env: "production", SessionTTL: time.Hour}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for production without auth configuration")
	}

	cfg.AuthIssuer = "https://auth.example.com"
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidate_SessionTTL(t *testing.T) {
	cfg := &Config{Env: "development", SessionTTL: 0}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero session TTL")
	}
}
