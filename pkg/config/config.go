// Package config loads the trustd configuration from environment variables,
// optionally overlaid on a YAML file named by TRUST_CONFIG_FILE. File values
// fill in for unset variables; the environment always wins.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full trustd configuration.
type Config struct {
	Host string
	Port string

	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxIdle     time.Duration
	DBConnMaxLifetime time.Duration

	ServiceAPIKey   string
	SignatureWindow time.Duration

	RateLimitMax    int
	RateLimitWindow time.Duration
	RedisURL        string

	LogLevel string

	CapabilitySweepInterval time.Duration

	ArchiveStorageType string
	ArchiveDir         string
	ArchiveS3Bucket    string
	ArchiveS3Region    string
	ArchiveS3Endpoint  string
	ArchiveS3Prefix    string
	ArchiveGCSBucket   string
	ArchiveGCSPrefix   string

	OTLPEndpoint    string
	OTelServiceName string
	OTelSampleRate  float64
}

// Load reads the environment, with TRUST_CONFIG_FILE as an optional YAML
// fallback layer, and validates required keys.
func Load() (*Config, error) {
	r := &resolver{}
	if path := os.Getenv("TRUST_CONFIG_FILE"); path != "" {
		file, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		r.file = file
	}

	cfg := &Config{
		Host: r.str("HOST", "0.0.0.0"),
		Port: r.str("PORT", "8080"),

		DatabaseURL:       r.str("DATABASE_URL", ""),
		DBMaxOpenConns:    r.num("DB_MAX_OPEN_CONNS", 10),
		DBMaxIdleConns:    r.num("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxIdle:     r.dur("DB_CONN_MAX_IDLE", 5*time.Minute),
		DBConnMaxLifetime: r.dur("DB_CONN_MAX_LIFETIME", 30*time.Minute),

		ServiceAPIKey:   r.str("SERVICE_API_KEY", ""),
		SignatureWindow: r.dur("SIGNATURE_TIMESTAMP_WINDOW", 300*time.Second),

		RateLimitMax:    r.num("RATE_LIMIT_MAX", 100),
		RateLimitWindow: r.dur("RATE_LIMIT_WINDOW", time.Minute),
		RedisURL:        r.str("REDIS_URL", ""),

		LogLevel: r.str("LOG_LEVEL", "info"),

		CapabilitySweepInterval: r.dur("CAPABILITY_SWEEP_INTERVAL", time.Minute),

		ArchiveStorageType: r.str("ARCHIVE_STORAGE_TYPE", "fs"),
		ArchiveDir:         r.str("ARCHIVE_DIR", "data/archive"),
		ArchiveS3Bucket:    r.str("ARCHIVE_S3_BUCKET", ""),
		ArchiveS3Region:    r.str("ARCHIVE_S3_REGION", ""),
		ArchiveS3Endpoint:  r.str("ARCHIVE_S3_ENDPOINT", ""),
		ArchiveS3Prefix:    r.str("ARCHIVE_S3_PREFIX", ""),
		ArchiveGCSBucket:   r.str("ARCHIVE_GCS_BUCKET", ""),
		ArchiveGCSPrefix:   r.str("ARCHIVE_GCS_PREFIX", ""),

		OTLPEndpoint:    r.str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTelServiceName: r.str("OTEL_SERVICE_NAME", "trustd"),
		OTelSampleRate:  r.rate("OTEL_SAMPLE_RATE", 1.0),
	}
	if r.err != nil {
		return nil, r.err
	}
	switch driver := strings.ToLower(r.str("LEDGER_DRIVER", "")); driver {
	case "", "postgres":
	case "sqlite":
		// Sqlite mode does not require DATABASE_URL; a bare value is
		// treated as the database file path.
		if !strings.HasPrefix(cfg.DatabaseURL, "sqlite:") {
			if cfg.DatabaseURL == "" {
				cfg.DatabaseURL = "sqlite:trust.db"
			} else {
				cfg.DatabaseURL = "sqlite:" + cfg.DatabaseURL
			}
		}
	default:
		return nil, fmt.Errorf("LEDGER_DRIVER must be postgres or sqlite, got %q", driver)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Addr is the listen address, host:port.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// SlogLevel maps LogLevel onto a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c *Config) validate() error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.ServiceAPIKey == "" {
		missing = append(missing, "SERVICE_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	switch c.ArchiveStorageType {
	case "fs", "s3", "gcs":
	default:
		return fmt.Errorf("ARCHIVE_STORAGE_TYPE must be fs, s3, or gcs, got %q", c.ArchiveStorageType)
	}
	if c.OTelSampleRate < 0 || c.OTelSampleRate > 1 {
		return fmt.Errorf("OTEL_SAMPLE_RATE must be within [0, 1], got %v", c.OTelSampleRate)
	}
	return nil
}

// loadFile reads a YAML overlay. Keys are the environment variable names,
// case-insensitive; scalar values only.
func loadFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	file := make(map[string]string, len(raw))
	for k, v := range raw {
		switch v.(type) {
		case map[string]any, []any:
			return nil, fmt.Errorf("config file %s: key %q must be a scalar", path, k)
		}
		file[strings.ToUpper(k)] = fmt.Sprintf("%v", v)
	}
	return file, nil
}

// resolver looks keys up in the environment, then the file layer, recording
// the first parse failure.
type resolver struct {
	file map[string]string
	err  error
}

func (r *resolver) lookup(key string) (string, bool) {
	if v := os.Getenv(key); v != "" {
		return v, true
	}
	if v, ok := r.file[key]; ok && v != "" {
		return v, true
	}
	return "", false
}

func (r *resolver) str(key, def string) string {
	if v, ok := r.lookup(key); ok {
		return v
	}
	return def
}

func (r *resolver) num(key string, def int) int {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, v)
		return def
	}
	return n
}

// dur accepts Go duration strings ("90s", "5m") or a bare number of seconds.
func (r *resolver) dur(key string, def time.Duration) time.Duration {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	r.fail(key, v)
	return def
}

func (r *resolver) rate(key string, def float64) float64 {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.fail(key, v)
		return def
	}
	return f
}

func (r *resolver) fail(key, value string) {
	if r.err == nil {
		r.err = fmt.Errorf("invalid value for %s: %q", key, value)
	}
}
