// Package config loads lspd settings. Values are layered: built-in defaults,
// then an optional YAML file, then LSPD_* environment variables. Command-line
// flags are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Token store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Log formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Config holds every tunable of the server.
type Config struct {
	// LogLevel is one of debug, info, warn or error. ENV: LSPD_LOG_LEVEL
	LogLevel string `yaml:"log_level" env:"LSPD_LOG_LEVEL"`
	// LogFormat is text or json. ENV: LSPD_LOG_FORMAT
	LogFormat string `yaml:"log_format" env:"LSPD_LOG_FORMAT"`
	// Framing is lines or header. ENV: LSPD_FRAMING
	Framing string `yaml:"framing" env:"LSPD_FRAMING"`

	OutboundCapacity   int   `yaml:"outbound_capacity" env:"LSPD_OUTBOUND_CAPACITY"`
	MaxConcurrentCalls int64 `yaml:"max_concurrent_calls" env:"LSPD_MAX_CONCURRENT_CALLS"`
	StrictReplies      bool  `yaml:"strict_replies" env:"LSPD_STRICT_REPLIES"`

	// TokenStore selects where semantic token snapshots live: memory or
	// redis. ENV: LSPD_TOKEN_STORE
	TokenStore     string `yaml:"token_store" env:"LSPD_TOKEN_STORE"`
	TokenCacheSize int    `yaml:"token_cache_size" env:"LSPD_TOKEN_CACHE_SIZE"`
	RedisAddr      string `yaml:"redis_addr" env:"LSPD_REDIS_ADDR"`
	RedisPrefix    string `yaml:"redis_prefix" env:"LSPD_REDIS_PREFIX"`
	// SnapshotTTL expires token snapshots not rewritten for that long; zero
	// keeps them until their document closes. ENV: LSPD_SNAPSHOT_TTL
	SnapshotTTL time.Duration `yaml:"snapshot_ttl" env:"LSPD_SNAPSHOT_TTL"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel:           "info",
		LogFormat:          FormatText,
		Framing:            "lines",
		OutboundCapacity:   100,
		MaxConcurrentCalls: 0,
		TokenStore:         StoreMemory,
		TokenCacheSize:     1024,
		RedisAddr:          "localhost:6379",
		RedisPrefix:        "lspd:storage:",
		SnapshotTTL:        24 * time.Hour,
	}
}

// Load returns the defaults overlaid with the YAML file at path (skipped when
// path is empty) and then with the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("config: environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	switch c.LogFormat {
	case FormatText, FormatJSON:
	default:
		return fmt.Errorf("config: unknown log format %q", c.LogFormat)
	}
	switch c.Framing {
	case "lines", "header":
	default:
		return fmt.Errorf("config: unknown framing %q", c.Framing)
	}
	if c.OutboundCapacity <= 0 {
		return fmt.Errorf("config: outbound capacity must be positive, got %d", c.OutboundCapacity)
	}
	if c.MaxConcurrentCalls < 0 {
		return fmt.Errorf("config: max concurrent calls must not be negative, got %d", c.MaxConcurrentCalls)
	}
	if c.SnapshotTTL < 0 {
		return fmt.Errorf("config: snapshot ttl must not be negative, got %s", c.SnapshotTTL)
	}
	switch c.TokenStore {
	case StoreMemory:
		if c.TokenCacheSize <= 0 {
			return fmt.Errorf("config: token cache size must be positive, got %d", c.TokenCacheSize)
		}
	case StoreRedis:
		if c.RedisAddr == "" {
			return errors.New("config: redis token store needs an address")
		}
	default:
		return fmt.Errorf("config: unknown token store %q", c.TokenStore)
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("config: log level: %w", err)
	}
	return l, nil
}
