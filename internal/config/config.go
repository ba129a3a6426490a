// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Store backend names accepted by STEPGLASS_STORE.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Store settings. Store selects the backend: memory, sqlite, or postgres.
	Store       string
	DatabaseURL string // Postgres DSN, required for the postgres backend.
	SQLitePath  string // Database file path for the sqlite backend.

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string

	// Operational settings.
	LogLevel            string
	MCPEnabled          bool
	MaxRequestBodyBytes int64 // Maximum request body size in bytes.
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("STEPGLASS_PORT", 8080),
		ReadTimeout:         envDuration("STEPGLASS_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("STEPGLASS_WRITE_TIMEOUT", 30*time.Second),
		Store:               envStr("STEPGLASS_STORE", StoreMemory),
		DatabaseURL:         envStr("DATABASE_URL", ""),
		SQLitePath:          envStr("STEPGLASS_SQLITE_PATH", "stepglass.db"),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "stepglass"),
		LogLevel:            envStr("STEPGLASS_LOG_LEVEL", "info"),
		MCPEnabled:          envBool("STEPGLASS_MCP_ENABLED", true),
		MaxRequestBodyBytes: int64(envInt("STEPGLASS_MAX_REQUEST_BODY_BYTES", 4*1024*1024)), // 4 MB default
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("config: STEPGLASS_STORE must be one of memory, sqlite, postgres (got %q)", c.Store)
	}
	if c.Store == StoreSQLite && c.SQLitePath == "" {
		return fmt.Errorf("config: STEPGLASS_SQLITE_PATH is required for the sqlite store")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: STEPGLASS_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
