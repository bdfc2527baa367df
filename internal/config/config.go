package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration values.
type Config struct {
	// SurrealDB connection
	SurrealDBURL       string
	SurrealDBNamespace string
	SurrealDBDatabase  string
	SurrealDBUser      string
	SurrealDBPass      string
	SurrealDBAuthLevel string

	// Logging
	LogFile  string
	LogLevel slog.Level

	// Events websocket listener
	EventsAddr string

	// Processing tunables, overridable via a YAML file (CODA_CONFIG_FILE).
	Tuning Tuning
}

// Tuning are the job processor knobs. Defaults suit a single admin node.
type Tuning struct {
	Workers          int
	MaxRetries       int
	RetryBackoffBase time.Duration
	AuditRetention   time.Duration
}

// Load reads configuration from environment variables and, when
// CODA_CONFIG_FILE is set, merges tuning overrides from that YAML file.
func Load() (Config, error) {
	cfg := Config{
		SurrealDBURL:       getEnv("SURREALDB_URL", "ws://localhost:8000/rpc"),
		SurrealDBNamespace: getEnv("SURREALDB_NAMESPACE", "school"),
		SurrealDBDatabase:  getEnv("SURREALDB_DATABASE", "admin"),
		SurrealDBUser:      getEnv("SURREALDB_USER", "root"),
		SurrealDBPass:      getEnv("SURREALDB_PASS", "root"),
		SurrealDBAuthLevel: getEnv("SURREALDB_AUTH_LEVEL", "root"),

		LogFile:  getEnv("CODA_LOG_FILE", "/tmp/coda.log"),
		LogLevel: parseLogLevel(getEnv("CODA_LOG_LEVEL", "INFO")),

		EventsAddr: getEnv("CODA_EVENTS_ADDR", "localhost:8090"),

		Tuning: Tuning{
			Workers:          getEnvInt("CODA_WORKERS", 2),
			MaxRetries:       getEnvInt("CODA_MAX_RETRIES", 3),
			RetryBackoffBase: 2 * time.Second,
			AuditRetention:   90 * 24 * time.Hour,
		},
	}

	if path := os.Getenv("CODA_CONFIG_FILE"); path != "" {
		if err := loadTuningFile(path, &cfg.Tuning); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// loadTuningFile overlays non-zero values from a YAML file onto the tuning
// defaults. Durations are written in Go syntax ("30s", "48h").
func loadTuningFile(path string, t *Tuning) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	var overlay struct {
		Workers          int    `yaml:"workers"`
		MaxRetries       int    `yaml:"max_retries"`
		RetryBackoffBase string `yaml:"retry_backoff_base"`
		AuditRetention   string `yaml:"audit_retention"`
	}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	if overlay.Workers > 0 {
		t.Workers = overlay.Workers
	}
	if overlay.MaxRetries > 0 {
		t.MaxRetries = overlay.MaxRetries
	}
	if overlay.RetryBackoffBase != "" {
		d, err := time.ParseDuration(overlay.RetryBackoffBase)
		if err != nil {
			return fmt.Errorf("parse config file %s: retry_backoff_base: %w", path, err)
		}
		t.RetryBackoffBase = d
	}
	if overlay.AuditRetention != "" {
		d, err := time.ParseDuration(overlay.AuditRetention)
		if err != nil {
			return fmt.Errorf("parse config file %s: audit_retention: %w", path, err)
		}
		t.AuditRetention = d
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
