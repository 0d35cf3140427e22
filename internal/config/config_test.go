package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if !cfg.InitialBalance().IsPositive() {
		t.Errorf("expected a positive default initial balance, got %s", cfg.InitialBalance())
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("SETTLE_SERVER_PORT", "")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("missing file should not be an error: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settle.toml")
	body := `
[server]
port = 9090
request_timeout = "5s"

[engine]
max_attempts = 7

[auth]
admin_emails = ["ops@example.com"]

[settlement]
auto_settle = true
schedule = "*/5 * * * *"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PORT", "")
	t.Setenv("SETTLE_SERVER_PORT", "")
	t.Setenv("SETTLE_ENGINE_MAX_ATTEMPTS", "9")
	t.Setenv("SETTLE_AUTH_INITIAL_BALANCE", "250.50")
	t.Setenv("SETTLE_AUTH_ADMIN_EMAILS", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("expected port from file, got %d", cfg.Server.Port)
	}
	if cfg.Server.RequestTimeout.Duration != 5*time.Second {
		t.Errorf("expected 5s request timeout, got %s", cfg.Server.RequestTimeout.Duration)
	}
	if cfg.Engine.MaxAttempts != 9 {
		t.Errorf("expected env to override file, got %d", cfg.Engine.MaxAttempts)
	}
	if len(cfg.Auth.AdminEmails) != 1 || cfg.Auth.AdminEmails[0] != "ops@example.com" {
		t.Errorf("expected admin emails from file, got %v", cfg.Auth.AdminEmails)
	}
	if cfg.InitialBalance().String() != "250.5" {
		t.Errorf("expected initial balance 250.5, got %s", cfg.InitialBalance())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = 0
	cfg.Engine.MaxAttempts = 0
	cfg.Auth.InitialBalance = "-5"
	cfg.Settlement.AutoSettle = true
	cfg.Settlement.Schedule = "not a schedule"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"port", "max_attempts", "initial_balance", "schedule"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected error to mention %q, got %v", want, err)
		}
	}
}
