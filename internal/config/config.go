// Package config defines the settlement engine configuration and its
// validation rules.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from an
// optional TOML file and then overridden by SETTLE_* environment variables.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Database   DatabaseConfig   `toml:"database"`
	Redis      RedisConfig      `toml:"redis"`
	Auth       AuthConfig       `toml:"auth"`
	Engine     EngineConfig     `toml:"engine"`
	Settlement SettlementConfig `toml:"settlement"`
	Log        LogConfig        `toml:"log"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port           int      `toml:"port"`
	ReadTimeout    duration `toml:"read_timeout"`
	WriteTimeout   duration `toml:"write_timeout"`
	IdleTimeout    duration `toml:"idle_timeout"`
	RequestTimeout duration `toml:"request_timeout"`
	CORSOrigins    []string `toml:"cors_origins"`
}

// DatabaseConfig holds PostgreSQL connection parameters. An empty URL
// selects the in-memory store.
type DatabaseConfig struct {
	URL           string `toml:"url"`
	MaxConns      int    `toml:"max_conns"`
	MinConns      int    `toml:"min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig enables the read-through cache when URL is set.
type RedisConfig struct {
	URL      string   `toml:"url"`
	CacheTTL duration `toml:"cache_ttl"`
}

type AuthConfig struct {
	JWTSecret      string   `toml:"jwt_secret"`
	TokenTTL       duration `toml:"token_ttl"`
	InitialBalance string   `toml:"initial_balance"`
	// AdminEmails lists the addresses that receive the admin role when they
	// sign up. Every other signup is a plain user.
	AdminEmails []string `toml:"admin_emails"`
}

// EngineConfig tunes the trade engine.
type EngineConfig struct {
	// MaxAttempts bounds how many times an operation is run when its commit
	// conflicts with a concurrent one. 1 disables retries.
	MaxAttempts int `toml:"max_attempts"`
}

// SettlementConfig controls the background sweeper that settles pending
// trades of completed events.
type SettlementConfig struct {
	AutoSettle  bool   `toml:"auto_settle"`
	Schedule    string `toml:"schedule"`
	Concurrency int    `toml:"concurrency"`
}

type LogConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"` // rotated with lumberjack when set
}

// duration is a wrapper around time.Duration that decodes TOML strings
// like "5m" or "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with development defaults.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:           8080,
			ReadTimeout:    duration{10 * time.Second},
			WriteTimeout:   duration{10 * time.Second},
			IdleTimeout:    duration{60 * time.Second},
			RequestTimeout: duration{30 * time.Second},
			CORSOrigins:    []string{"*"},
		},
		Database: DatabaseConfig{
			MaxConns:      10,
			MinConns:      1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			CacheTTL: duration{30 * time.Second},
		},
		Auth: AuthConfig{
			JWTSecret:      "dev-secret-change-me",
			TokenTTL:       duration{24 * time.Hour},
			InitialBalance: "1000",
		},
		Engine: EngineConfig{
			MaxAttempts: 3,
		},
		Settlement: SettlementConfig{
			AutoSettle:  false,
			Schedule:    "@every 30s",
			Concurrency: 4,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks the configuration for internal consistency and returns
// every problem found at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port %d out of range", c.Server.Port))
	}
	if c.Server.RequestTimeout.Duration <= 0 {
		errs = append(errs, "server: request_timeout must be positive")
	}
	if c.Database.MinConns > c.Database.MaxConns {
		errs = append(errs, "database: min_conns must not exceed max_conns")
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, "auth: jwt_secret must not be empty")
	}
	if c.Auth.TokenTTL.Duration <= 0 {
		errs = append(errs, "auth: token_ttl must be positive")
	}
	if bal, err := decimal.NewFromString(c.Auth.InitialBalance); err != nil {
		errs = append(errs, fmt.Sprintf("auth: initial_balance %q is not a decimal", c.Auth.InitialBalance))
	} else if bal.IsNegative() {
		errs = append(errs, "auth: initial_balance must not be negative")
	}
	if c.Engine.MaxAttempts < 1 {
		errs = append(errs, "engine: max_attempts must be at least 1")
	}
	if c.Settlement.AutoSettle {
		if _, err := cron.ParseStandard(c.Settlement.Schedule); err != nil {
			errs = append(errs, fmt.Sprintf("settlement: invalid schedule %q: %v", c.Settlement.Schedule, err))
		}
	}
	if c.Settlement.Concurrency < 1 {
		errs = append(errs, "settlement: concurrency must be at least 1")
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("unknown log level %q (valid: debug, info, warn, error)", c.Log.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitialBalance returns the balance credited to new accounts.
func (c *Config) InitialBalance() decimal.Decimal {
	return decimal.RequireFromString(c.Auth.InitialBalance)
}
