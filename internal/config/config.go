// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config loads gatekeeper configuration from built-in defaults, an
// optional YAML file, command-line flags and the DATABASE_URL environment
// variable, in increasing order of precedence (DATABASE_URL only fills an
// empty storage.database_url).
package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/holomush/gatekeeper/internal/xdg"
)

// Storage backends.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Cache backends.
const (
	CacheNone  = "none"
	CacheLRU   = "lru"
	CacheRedis = "redis"
)

// Config is the full process configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Log       LogConfig       `koanf:"log"`
	Storage   StorageConfig   `koanf:"storage"`
	Audit     AuditConfig     `koanf:"audit"`
	Cache     CacheConfig     `koanf:"cache"`
	Decision  DecisionConfig  `koanf:"decision"`
	Retry     RetryConfig     `koanf:"retry"`
	Seed      SeedConfig      `koanf:"seed"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
}

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	Addr            string        `koanf:"addr" validate:"required,hostname_port"`
	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// MetricsConfig configures the observability listener. An empty Addr
// disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr" validate:"omitempty,hostname_port"`
}

// LogConfig selects the log format and level.
type LogConfig struct {
	Format string `koanf:"format" validate:"oneof=json text"`
	Level  string `koanf:"level" validate:"oneof=debug info warn warning error"`
}

// StorageConfig selects the role and flag store backend.
type StorageConfig struct {
	Backend     string `koanf:"backend" validate:"oneof=memory postgres"`
	DatabaseURL string `koanf:"database_url" validate:"required_if=Backend postgres"`
	AutoMigrate bool   `koanf:"auto_migrate"`
	MaxConns    int32  `koanf:"max_conns" validate:"gte=0"`
}

// AuditConfig configures the audit logger.
type AuditConfig struct {
	Mode          string        `koanf:"mode" validate:"oneof=sync write_ahead"`
	WALPath       string        `koanf:"wal_path"`
	BatchSize     int           `koanf:"batch_size" validate:"gt=0"`
	FlushInterval time.Duration `koanf:"flush_interval" validate:"gt=0"`
	WriteTimeout  time.Duration `koanf:"write_timeout" validate:"gt=0"`
}

// CacheConfig selects the decision cache.
type CacheConfig struct {
	Backend   string        `koanf:"backend" validate:"oneof=none lru redis"`
	Size      int           `koanf:"size" validate:"gte=0"`
	TTL       time.Duration `koanf:"ttl" validate:"gte=0"`
	RedisAddr string        `koanf:"redis_addr" validate:"required_if=Backend redis"`
}

// DecisionConfig bounds permission checks and flag evaluations.
type DecisionConfig struct {
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`
}

// RetryConfig bounds VERSION_CONFLICT retries in the services.
type RetryConfig struct {
	MaxAttempts int           `koanf:"max_attempts" validate:"gte=1,lte=20"`
	BaseDelay   time.Duration `koanf:"base_delay" validate:"gt=0"`
}

// SeedConfig points at a seed document applied at startup. Empty disables
// seeding.
type SeedConfig struct {
	Path string `koanf:"path"`
}

// RateLimitConfig limits HTTP API requests per principal. Zero Requests
// disables limiting.
type RateLimitConfig struct {
	Requests int           `koanf:"requests" validate:"gte=0"`
	Window   time.Duration `koanf:"window" validate:"gt=0"`
}

// Defaults returns the built-in configuration.
func Defaults() map[string]any {
	return map[string]any{
		"server.addr":             "127.0.0.1:8080",
		"server.read_timeout":     10 * time.Second,
		"server.write_timeout":    10 * time.Second,
		"server.shutdown_timeout": 10 * time.Second,
		"metrics.addr":            "127.0.0.1:9100",
		"log.format":              "json",
		"log.level":               "info",
		"storage.backend":         StorageMemory,
		"storage.database_url":    "",
		"storage.auto_migrate":    false,
		"storage.max_conns":       0,
		"audit.mode":              "sync",
		"audit.wal_path":          filepath.Join(xdg.StateDir(), "audit-wal.jsonl"),
		"audit.batch_size":        100,
		"audit.flush_interval":    time.Second,
		"audit.write_timeout":     5 * time.Second,
		"cache.backend":           CacheLRU,
		"cache.size":              10000,
		"cache.ttl":               time.Minute,
		"cache.redis_addr":        "",
		"decision.timeout":        250 * time.Millisecond,
		"retry.max_attempts":      4,
		"retry.base_delay":        10 * time.Millisecond,
		"seed.path":               "",
		"ratelimit.requests":      0,
		"ratelimit.window":        time.Minute,
	}
}

// flagKeys maps command-line flag names to config keys. Flags not listed
// here are ignored by the loader.
var flagKeys = map[string]string{
	"listen-addr":    "server.addr",
	"metrics-addr":   "metrics.addr",
	"log-format":     "log.format",
	"log-level":      "log.level",
	"storage":        "storage.backend",
	"database-url":   "storage.database_url",
	"auto-migrate":   "storage.auto_migrate",
	"audit-mode":     "audit.mode",
	"audit-wal-path": "audit.wal_path",
	"cache":          "cache.backend",
	"redis-addr":     "cache.redis_addr",
	"seed":           "seed.path",
}

// RegisterFlags adds the overridable settings to fs. Values only take effect
// when the flag is set explicitly.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("listen-addr", "", "HTTP API listen address")
	fs.String("metrics-addr", "", "metrics/health listen address (empty string in config disables)")
	fs.String("log-format", "", "log format (json or text)")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("storage", "", "store backend (memory or postgres)")
	fs.String("database-url", "", "PostgreSQL connection URL")
	fs.Bool("auto-migrate", false, "apply pending migrations at startup")
	fs.String("audit-mode", "", "audit write mode (sync or write_ahead)")
	fs.String("audit-wal-path", "", "audit write-ahead log path")
	fs.String("cache", "", "decision cache (none, lru or redis)")
	fs.String("redis-addr", "", "Redis address for the redis cache")
	fs.String("seed", "", "seed document applied at startup")
}

// LoadOptions says where configuration comes from.
type LoadOptions struct {
	// Path is a YAML file. A missing file is an error only when Required.
	Path     string
	Required bool
	Flags    *pflag.FlagSet
	Getenv   func(string) string
}

// Load assembles and validates the configuration.
func Load(opts LoadOptions) (*Config, error) {
	k := koanf.New(".")
	for key, val := range Defaults() {
		if err := k.Set(key, val); err != nil {
			return nil, oops.In("config").With("key", key).Wrap(err)
		}
	}

	if opts.Path != "" {
		_, statErr := os.Stat(opts.Path)
		switch {
		case statErr == nil:
			if err := k.Load(file.Provider(opts.Path), yaml.Parser()); err != nil {
				return nil, oops.In("config").With("path", opts.Path).Wrapf(err, "load config file")
			}
		case errors.Is(statErr, os.ErrNotExist) && !opts.Required:
		default:
			return nil, oops.In("config").With("path", opts.Path).Wrapf(statErr, "config file")
		}
	}

	if opts.Flags != nil {
		provider := posflag.ProviderWithFlag(opts.Flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(opts.Flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.In("config").Wrapf(err, "load flags")
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, oops.In("config").Wrapf(err, "decode config")
	}

	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	if cfg.Storage.DatabaseURL == "" {
		cfg.Storage.DatabaseURL = getenv("DATABASE_URL")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate rejects unknown enum values, out-of-range numbers and missing
// settings a selected backend depends on.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			return oops.In("config").
				Code("INVALID_CONFIG").
				With("field", first.Namespace()).
				With("rule", first.Tag()).
				With("value", first.Value()).
				Errorf("invalid configuration: %s fails %q", first.Namespace(), first.Tag())
		}
		return oops.In("config").Code("INVALID_CONFIG").Wrap(err)
	}
	return nil
}
