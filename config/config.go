/*
Package config loads server settings from the environment.

SOURCES (later wins):
  1. Defaults below
  2. .env in the working directory, if present (joho/godotenv)
  3. Process environment
  4. cmd/server flags (-port, -db, -backend)

VARIABLES:
  PORT                 HTTP port (8080)
  LEDGER_BACKEND       sqlite | memory | postgres (sqlite)
  SQLITE_PATH          SQLite file (cycle-ledger.db)
  DATABASE_URL         PostgreSQL URL, required for postgres
  LEDGER_GRACE_PERIOD  how long observations outlive their last observer (5s)
  LOG_LEVEL            debug | info | warn | error (info)
  LOG_FORMAT           text | json (text)
  CORS_ORIGINS         comma-separated allowed origins
  AMQP_URL             enables the change relay when set
  AMQP_EXCHANGE        relay exchange (cycle-ledger)
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/warp/cycle-ledger/log"
)

// Backends accepted by LEDGER_BACKEND.
const (
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

var validBackends = []string{BackendSQLite, BackendMemory, BackendPostgres}

// Config holds the server settings.
type Config struct {
	// HTTP Server
	Port        string
	CORSOrigins []string

	// Storage
	Backend     string
	SQLitePath  string
	DatabaseURL string

	// Engine
	GracePeriod time.Duration

	// Logging
	LogLevel  string
	LogFormat string

	// Change relay
	AMQPURL      string
	AMQPExchange string
}

// Load reads .env (if present) and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(), nil
}

// FromEnv reads the process environment only.
func FromEnv() *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		CORSOrigins: getEnvList("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:8080"}),

		Backend:     strings.ToLower(getEnv("LEDGER_BACKEND", BackendSQLite)),
		SQLitePath:  getEnv("SQLITE_PATH", "cycle-ledger.db"),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		GracePeriod: getEnvDuration("LEDGER_GRACE_PERIOD", 5*time.Second),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "cycle-ledger"),
	}
}

// Addr returns the listen address for Port.
func (c *Config) Addr() string {
	return ":" + c.Port
}

// RelayEnabled reports whether committed changes are published over AMQP.
func (c *Config) RelayEnabled() bool {
	return c.AMQPURL != ""
}

// Validate returns every problem found, not just the first.
func (c *Config) Validate() error {
	var problems []string

	if port, err := strconv.Atoi(c.Port); err != nil {
		problems = append(problems, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		problems = append(problems, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	if !slices.Contains(validBackends, c.Backend) {
		problems = append(problems, fmt.Sprintf("invalid backend '%s': must be one of %v", c.Backend, validBackends))
	}
	if c.Backend == BackendSQLite && c.SQLitePath == "" {
		problems = append(problems, "SQLite path cannot be empty when using sqlite backend")
	}
	if c.Backend == BackendPostgres {
		if c.DatabaseURL == "" {
			problems = append(problems, "DATABASE_URL is required when using postgres backend")
		} else if u, err := url.Parse(c.DatabaseURL); err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
			problems = append(problems, "invalid DATABASE_URL: scheme must be 'postgres' or 'postgresql'")
		}
	}

	if c.GracePeriod < 0 {
		problems = append(problems, fmt.Sprintf("invalid grace period %v: must not be negative", c.GracePeriod))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		problems = append(problems, fmt.Sprintf("invalid log level '%s'", c.LogLevel))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		problems = append(problems, fmt.Sprintf("invalid log format '%s': must be 'text' or 'json'", c.LogFormat))
	}

	if c.AMQPURL != "" {
		if u, err := url.Parse(c.AMQPURL); err != nil {
			problems = append(problems, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if u.Scheme != "amqp" && u.Scheme != "amqps" {
			problems = append(problems, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", u.Scheme))
		}
		if c.AMQPExchange == "" {
			problems = append(problems, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(problems, "\n- "))
	}
	return nil
}

// LoggerConfig maps the logging settings onto log.Config.
func (c *Config) LoggerConfig() log.Config {
	cfg := log.DefaultConfig()
	if level, err := log.ParseLevel(c.LogLevel); err == nil {
		cfg.Level = level
	}
	cfg.Format = c.LogFormat
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
