package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/lovelines/internal/secrets"
	"github.com/haasonsaas/lovelines/pkg/models"
)

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var issues []string

	if err := ValidateVersion(c.Version); err != nil {
		issues = append(issues, err.Error())
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres", "sqlite":
		if strings.TrimSpace(c.Store.DSN) == "" {
			issues = append(issues, fmt.Sprintf("store.dsn is required for driver %s", c.Store.Driver))
		}
	default:
		issues = append(issues, fmt.Sprintf("store.driver must be memory, postgres or sqlite, got %q", c.Store.Driver))
	}

	if c.Encryption.Key != "" && len(c.Encryption.Key) < secrets.MinKeyLength {
		issues = append(issues, fmt.Sprintf("encryption.key must be at least %d characters", secrets.MinKeyLength))
	}

	mc := c.Limits.MaxConnections
	for p, n := range mc.PerPlatform() {
		if n < 0 {
			issues = append(issues, fmt.Sprintf("limits.max_connections.%s must be >= 0", p))
		}
	}
	if mc.Global < 0 {
		issues = append(issues, "limits.max_connections.global must be >= 0")
	}
	if tier := c.Limits.SingleChannelMinTier; tier != "" && tier != "none" && models.ParseTier(tier) != models.Tier(tier) {
		issues = append(issues, fmt.Sprintf("limits.single_channel_min_tier: unknown tier %q", tier))
	}

	for _, p := range models.AllPlatforms() {
		rl := c.RateLimits.ForPlatform(p)
		if rl.MaxOperations <= 0 || rl.Window <= 0 {
			issues = append(issues, fmt.Sprintf("rate_limits.%s needs positive max_operations and window", p))
		}
	}

	if c.Retry.MaxAttempts < 1 {
		issues = append(issues, "retry.max_attempts must be >= 1")
	}
	if c.Retry.Factor < 1 {
		issues = append(issues, "retry.factor must be >= 1")
	}

	switch c.Sessions.Backend {
	case "record":
	case "s3":
		if strings.TrimSpace(c.Sessions.S3.Bucket) == "" {
			issues = append(issues, "sessions.s3.bucket is required when sessions.backend is s3")
		}
	default:
		issues = append(issues, fmt.Sprintf("sessions.backend must be record or s3, got %q", c.Sessions.Backend))
	}
	if c.Sessions.CleanupDays < 1 {
		issues = append(issues, "sessions.cleanup_days must be >= 1")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		issues = append(issues, fmt.Sprintf("logging.level: unknown level %q", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		issues = append(issues, fmt.Sprintf("logging.format must be json or text, got %q", c.Logging.Format))
	}

	if c.Tracing.Enabled && strings.TrimSpace(c.Tracing.Endpoint) == "" {
		issues = append(issues, "tracing.endpoint is required when tracing is enabled")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		issues = append(issues, "tracing.sampling_rate must be between 0 and 1")
	}

	if len(issues) == 0 {
		return nil
	}
	return errors.New("invalid config: " + strings.Join(issues, "; "))
}

// SingleChannelTier returns the tier gate for multi-platform use, or "" when
// the restriction is disabled.
func (c *Config) SingleChannelTier() models.Tier {
	tier := c.Limits.SingleChannelMinTier
	if tier == "" || tier == "none" {
		return ""
	}
	return models.ParseTier(tier)
}
