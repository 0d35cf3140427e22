package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges an optional TOML file at path on top of the defaults, loads a
// .env file if present, and applies SETTLE_* environment overrides. A
// missing file is not an error. The result has NOT been validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "SETTLE_SERVER_PORT")
	setInt(&cfg.Server.Port, "PORT")
	setDuration(&cfg.Server.RequestTimeout, "SETTLE_SERVER_REQUEST_TIMEOUT")
	setStringSlice(&cfg.Server.CORSOrigins, "SETTLE_SERVER_CORS_ORIGINS")

	// ── Database ──
	setStr(&cfg.Database.URL, "DATABASE_URL")
	setStr(&cfg.Database.URL, "SETTLE_DATABASE_URL")
	setInt(&cfg.Database.MaxConns, "SETTLE_DATABASE_MAX_CONNS")
	setInt(&cfg.Database.MinConns, "SETTLE_DATABASE_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "SETTLE_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.URL, "REDIS_URL")
	setStr(&cfg.Redis.URL, "SETTLE_REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "SETTLE_REDIS_CACHE_TTL")

	// ── Auth ──
	setStr(&cfg.Auth.JWTSecret, "SETTLE_AUTH_JWT_SECRET")
	setDuration(&cfg.Auth.TokenTTL, "SETTLE_AUTH_TOKEN_TTL")
	setStr(&cfg.Auth.InitialBalance, "SETTLE_AUTH_INITIAL_BALANCE")
	setStringSlice(&cfg.Auth.AdminEmails, "SETTLE_AUTH_ADMIN_EMAILS")

	// ── Engine / settlement ──
	setInt(&cfg.Engine.MaxAttempts, "SETTLE_ENGINE_MAX_ATTEMPTS")
	setBool(&cfg.Settlement.AutoSettle, "SETTLE_SETTLEMENT_AUTO_SETTLE")
	setStr(&cfg.Settlement.Schedule, "SETTLE_SETTLEMENT_SCHEDULE")
	setInt(&cfg.Settlement.Concurrency, "SETTLE_SETTLEMENT_CONCURRENCY")

	// ── Log ──
	setStr(&cfg.Log.Level, "SETTLE_LOG_LEVEL")
	setStr(&cfg.Log.File, "SETTLE_LOG_FILE")
}

// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		*dst = cleaned
	}
}
