// Package config holds the replyclaw configuration file model and its
// loader.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/analytics"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/channels/telegram"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/channels/whatsapp"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/database"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/gateway"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/llm"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/media"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/pipeline"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/prefs"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/session"
)

// Config is the root configuration.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Database  database.Config `yaml:"database"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	WhatsApp  WhatsAppConfig  `yaml:"whatsapp"`
	LLM       llm.Config      `yaml:"llm"`
	Media     media.Config    `yaml:"media"`
	Cache     prefs.Config    `yaml:"cache"`
	Pipeline  pipeline.Config `yaml:"pipeline"`
	Sessions  session.Config  `yaml:"sessions"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Gateway   gateway.Config  `yaml:"gateway"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is debug, info, warn or error (default: info).
	Level string `yaml:"level"`

	// Format is json or text (default: json).
	Format string `yaml:"format"`
}

// TelegramConfig enables the Telegram platform.
type TelegramConfig struct {
	Enabled         bool `yaml:"enabled"`
	telegram.Config `yaml:",inline"`
}

// WhatsAppConfig enables the WhatsApp platform.
type WhatsAppConfig struct {
	Enabled         bool `yaml:"enabled"`
	whatsapp.Config `yaml:",inline"`
}

// SecretsConfig configures credential sealing.
type SecretsConfig struct {
	// SessionKey is the passphrase sealing stored session credentials.
	// REPLYCLAW_SESSION_KEY and the OS keyring take precedence.
	SessionKey string `yaml:"session_key"`
}

// AnalyticsConfig configures analytics upkeep.
type AnalyticsConfig struct {
	Retention analytics.RetentionConfig `yaml:"retention"`
}

// DefaultConfig returns the configuration used for every field the file
// leaves out.
func DefaultConfig() *Config {
	return &Config{
		Logging:   LoggingConfig{Level: "info", Format: "json"},
		Database:  database.DefaultConfig(),
		Telegram:  TelegramConfig{Enabled: true, Config: telegram.DefaultConfig()},
		WhatsApp:  WhatsAppConfig{Config: whatsapp.DefaultConfig()},
		LLM:       llm.DefaultConfig(),
		Media:     media.DefaultConfig(),
		Cache:     prefs.DefaultConfig(),
		Pipeline:  pipeline.DefaultConfig(),
		Sessions:  session.DefaultConfig(),
		Analytics: AnalyticsConfig{Retention: analytics.DefaultRetentionConfig()},
		Gateway:   gateway.DefaultConfig(),
	}
}

// Platforms returns the names of the enabled platforms.
func (c *Config) Platforms() []string {
	var out []string
	if c.Telegram.Enabled {
		out = append(out, "telegram")
	}
	if c.WhatsApp.Enabled {
		out = append(out, "whatsapp")
	}
	return out
}

// Validate reports every structural problem in the configuration.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format: must be json or text, got %q", c.Logging.Format))
	}

	switch c.Database.Backend {
	case "", database.BackendSQLite, database.BackendPostgreSQL:
	default:
		errs = append(errs, fmt.Errorf("database.backend: unsupported backend %q", c.Database.Backend))
	}

	platforms := c.Platforms()
	if len(platforms) == 0 {
		errs = append(errs, errors.New("no platform enabled: enable telegram or whatsapp"))
	}
	if c.Telegram.Enabled && (c.Telegram.APIID == 0 || c.Telegram.APIHash == "") {
		errs = append(errs, errors.New("telegram: api_id and api_hash are required"))
	}
	if c.Sessions.DefaultPlatform != "" && len(platforms) > 0 && !slices.Contains(platforms, c.Sessions.DefaultPlatform) {
		errs = append(errs, fmt.Errorf("sessions.default_platform: %q is not enabled", c.Sessions.DefaultPlatform))
	}
	if c.Sessions.ChallengeTimeout <= 0 {
		errs = append(errs, errors.New("sessions.challenge_timeout must be positive"))
	}

	if c.Pipeline.HistoryWindow < 0 {
		errs = append(errs, errors.New("pipeline.history_window must not be negative"))
	}
	if c.Pipeline.ChatQueueSize <= 0 {
		errs = append(errs, errors.New("pipeline.chat_queue_size must be positive"))
	}
	if c.Pipeline.SendRate < 0 {
		errs = append(errs, errors.New("pipeline.send_rate must not be negative"))
	}

	if c.Cache.MaxStaleness <= 0 {
		errs = append(errs, errors.New("cache.max_staleness must be positive"))
	}

	if c.Analytics.Retention.Enabled && c.Analytics.Retention.MaxAge <= 0 {
		errs = append(errs, errors.New("analytics.retention.max_age must be positive"))
	}

	if c.Gateway.Enabled && c.Gateway.Address == "" {
		errs = append(errs, errors.New("gateway.address is required when the gateway is enabled"))
	}

	return errors.Join(errs...)
}
