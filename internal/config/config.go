// Package config loads the lovelines service configuration from YAML or JSON5.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/lovelines/pkg/models"
)

// Config is the main configuration structure for lovelines.
type Config struct {
	Version    int              `yaml:"version"`
	Store      StoreConfig      `yaml:"store"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Limits     LimitsConfig     `yaml:"limits"`
	RateLimits RateLimitsConfig `yaml:"rate_limits"`
	Retry      RetryConfig      `yaml:"retry"`
	Sessions   SessionsConfig   `yaml:"sessions"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// StoreConfig selects and configures the record store.
type StoreConfig struct {
	// Driver is one of memory, postgres or sqlite.
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	AdminEmail      string        `yaml:"admin_email"`
	AdminPassword   string        `yaml:"admin_password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	// Migrate runs schema migrations on startup.
	Migrate bool `yaml:"migrate"`
}

type EncryptionConfig struct {
	Key string `yaml:"key"`
}

// LimitsConfig bounds live connections and gates multi-platform use by tier.
type LimitsConfig struct {
	MaxConnections MaxConnectionsConfig `yaml:"max_connections"`
	// SingleChannelMinTier is the lowest tier restricted to one connected
	// platform at a time. Empty disables the restriction.
	SingleChannelMinTier string `yaml:"single_channel_min_tier"`
}

type MaxConnectionsConfig struct {
	Telegram int `yaml:"telegram"`
	WhatsApp int `yaml:"whatsapp"`
	Discord  int `yaml:"discord"`
	// Global caps connections across platforms; 0 means unlimited.
	Global int `yaml:"global"`
}

// PerPlatform returns the caps keyed by platform.
func (c MaxConnectionsConfig) PerPlatform() map[models.Platform]int {
	return map[models.Platform]int{
		models.PlatformTelegram: c.Telegram,
		models.PlatformWhatsApp: c.WhatsApp,
		models.PlatformDiscord:  c.Discord,
	}
}

type RateLimitConfig struct {
	MaxOperations int           `yaml:"max_operations"`
	Window        time.Duration `yaml:"window"`
}

type RateLimitsConfig struct {
	Telegram RateLimitConfig `yaml:"telegram"`
	WhatsApp RateLimitConfig `yaml:"whatsapp"`
	Discord  RateLimitConfig `yaml:"discord"`
}

// ForPlatform returns the limit configured for platform.
func (c RateLimitsConfig) ForPlatform(p models.Platform) RateLimitConfig {
	switch p {
	case models.PlatformTelegram:
		return c.Telegram
	case models.PlatformWhatsApp:
		return c.WhatsApp
	case models.PlatformDiscord:
		return c.Discord
	}
	return RateLimitConfig{}
}

type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	Factor       float64       `yaml:"factor"`
}

// SessionsConfig configures WhatsApp session persistence.
type SessionsConfig struct {
	// Dir holds one live session directory per user.
	Dir string `yaml:"dir"`
	// CacheDir holds archived session strings for fast restore.
	CacheDir    string `yaml:"cache_dir"`
	CleanupDays int    `yaml:"cleanup_days"`
	// Backend is record (the record store) or s3.
	Backend string   `yaml:"backend"`
	S3      S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Endpoint     string  `yaml:"endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SamplingRate float64 `yaml:"sampling_rate"`
	ServiceName  string  `yaml:"service_name"`
}

// Load reads, parses, defaults and validates the configuration file.
// Environment overrides are applied after parsing.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and the
// environment overrides read. It is used when no config file is given.
func Default() (*Config, error) {
	cfg := &Config{Version: CurrentVersion}
	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "memory"
	}
	if cfg.Store.MaxOpenConns == 0 {
		cfg.Store.MaxOpenConns = 25
	}
	if cfg.Store.ConnMaxLifetime == 0 {
		cfg.Store.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Store.ConnectTimeout == 0 {
		cfg.Store.ConnectTimeout = 10 * time.Second
	}

	mc := &cfg.Limits.MaxConnections
	if mc.Telegram == 0 {
		mc.Telegram = 1000
	}
	if mc.WhatsApp == 0 {
		mc.WhatsApp = 50
	}
	if mc.Discord == 0 {
		mc.Discord = 500
	}
	if cfg.Limits.SingleChannelMinTier == "" {
		cfg.Limits.SingleChannelMinTier = string(models.TierHero)
	}

	rl := &cfg.RateLimits
	defaultRate(&rl.Telegram, 30, time.Second)
	defaultRate(&rl.Discord, 5, 5*time.Second)
	defaultRate(&rl.WhatsApp, 1, time.Second)

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.InitialDelay == 0 {
		cfg.Retry.InitialDelay = 5 * time.Second
	}
	if cfg.Retry.Factor == 0 {
		cfg.Retry.Factor = 1.5
	}

	if cfg.Sessions.Dir == "" {
		cfg.Sessions.Dir = "data/whatsapp-sessions"
	}
	if cfg.Sessions.CacheDir == "" {
		cfg.Sessions.CacheDir = "data/session-cache"
	}
	if cfg.Sessions.CleanupDays == 0 {
		cfg.Sessions.CleanupDays = 30
	}
	if cfg.Sessions.Backend == "" {
		cfg.Sessions.Backend = "record"
	}
	if cfg.Sessions.S3.Prefix == "" {
		cfg.Sessions.S3.Prefix = "whatsapp-sessions"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "lovelines"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
}

func defaultRate(rl *RateLimitConfig, ops int, window time.Duration) {
	if rl.MaxOperations == 0 {
		rl.MaxOperations = ops
	}
	if rl.Window == 0 {
		rl.Window = window
	}
}

// EnvKeyEncryption overrides encryption.key.
const EnvKeyEncryption = "LOVELINES_ENCRYPTION_KEY"

var connectionEnv = []struct {
	name  string
	field func(*MaxConnectionsConfig) *int
}{
	{"MAX_TELEGRAM_CONNECTIONS", func(c *MaxConnectionsConfig) *int { return &c.Telegram }},
	{"MAX_WHATSAPP_CONNECTIONS", func(c *MaxConnectionsConfig) *int { return &c.WhatsApp }},
	{"MAX_DISCORD_CONNECTIONS", func(c *MaxConnectionsConfig) *int { return &c.Discord }},
	{"MAX_CONNECTIONS", func(c *MaxConnectionsConfig) *int { return &c.Global }},
}

func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvKeyEncryption); ok && v != "" {
		cfg.Encryption.Key = v
	}
	for _, env := range connectionEnv {
		v, ok := lookup(env.name)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 0 {
			return fmt.Errorf("%s must be a non-negative integer, got %q", env.name, v)
		}
		*env.field(&cfg.Limits.MaxConnections) = n
	}
	return nil
}
