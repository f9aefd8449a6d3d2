// Package config loads and validates the Unforgotten YAML configuration.
package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Defaults applied by [Load] to omitted fields.
const (
	DefaultPollInterval     = 5 * time.Minute
	DefaultOutboxInterval   = 15 * time.Second
	DefaultCronGenerateLogs = "5 0 * * *"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
	DefaultLogMaxSizeMB     = 10
	DefaultLogMaxBackups    = 3
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// BackendURL is the base URL of the Unforgotten backend
	// (e.g. "https://api.unforgotten.app").
	BackendURL string `yaml:"backend_url"`

	// Token is the bearer token sent with every backend request.
	Token string `yaml:"token"`

	// UserID is the signed-in user. It decides which memberships are
	// loaded on bootstrap and which role applies to local writes.
	UserID string `yaml:"user_id"`

	// AccountID is the account synced when no --account flag is given.
	// Defaults to the first cached account.
	AccountID string `yaml:"account_id,omitempty"`

	// DBPath is the local cache database. Defaults to
	// ~/.local/share/unforgotten/cache.db.
	DBPath string `yaml:"db_path,omitempty"`

	// PollInterval controls how often the daemon runs a full sync.
	// Minimum 30s, maximum 1h. Defaults to 5m.
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`

	// OutboxInterval is how often queued local changes are retried.
	// Defaults to 15s.
	OutboxInterval time.Duration `yaml:"outbox_interval,omitempty"`

	// CronGenerateLogs is the cron spec for the daily medication-log run.
	CronGenerateLogs string `yaml:"cron_generate_logs,omitempty"`

	// Realtime enables the row-level change stream. Defaults to true.
	Realtime *bool `yaml:"realtime,omitempty"`

	Log LogConfig `yaml:"log,omitempty"`

	Notifications NotificationsConfig `yaml:"notifications,omitempty"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`  // debug, info, warn, error
	Format string `yaml:"format,omitempty"` // text or json

	// File, when set, receives the log instead of stderr and is rotated.
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
}

// NotificationsConfig selects where reminders and appointments alert.
// With neither sink configured notifications are only logged.
type NotificationsConfig struct {
	// AppleReminders is the Reminders list notifications are written to.
	AppleReminders string `yaml:"apple_reminders,omitempty"`

	HomeAssistant *HomeAssistantConfig `yaml:"home_assistant,omitempty"`
}

// HomeAssistantConfig points at a Home Assistant todo entity.
type HomeAssistantConfig struct {
	URL      string `yaml:"url"`
	Token    string `yaml:"token"`
	EntityID string `yaml:"entity_id"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "unforgotten".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request. Equivalent to the OTEL_EXPORTER_OTLP_HEADERS environment
	// variable. Use this for authentication tokens, e.g.:
	//   Authorization: "Bearer <token>"
	Headers map[string]string `yaml:"headers,omitempty"`
}

// RealtimeEnabled reports whether the change stream should be used.
func (c *Config) RealtimeEnabled() bool {
	return c.Realtime == nil || *c.Realtime
}

// DefaultPath returns the default config file path: ~/.config/unforgotten/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "unforgotten", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Write validates c and saves it to path with owner-only permissions, since
// it holds credentials.
func (c *Config) Write(path string) error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing config file %q: %w", path, err)
	}
	return nil
}

// validate checks that all required fields are present and well-formed and
// fills in defaults.
func (c *Config) validate() error {
	if err := validateURL("backend_url", c.BackendURL); err != nil {
		return err
	}
	if c.Token == "" {
		return fmt.Errorf("token is required")
	}
	if c.UserID == "" {
		return fmt.Errorf("user_id is required")
	}

	if c.DBPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving home directory: %w", err)
		}
		c.DBPath = filepath.Join(home, ".local", "share", "unforgotten", "cache.db")
	}

	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PollInterval < 30*time.Second {
		return fmt.Errorf("poll_interval %v is too short (minimum 30s)", c.PollInterval)
	}
	if c.PollInterval > time.Hour {
		return fmt.Errorf("poll_interval %v is too long (maximum 1h)", c.PollInterval)
	}

	if c.OutboxInterval == 0 {
		c.OutboxInterval = DefaultOutboxInterval
	}
	if c.OutboxInterval < time.Second {
		return fmt.Errorf("outbox_interval %v is too short (minimum 1s)", c.OutboxInterval)
	}

	if c.CronGenerateLogs == "" {
		c.CronGenerateLogs = DefaultCronGenerateLogs
	}
	if _, err := cron.ParseStandard(c.CronGenerateLogs); err != nil {
		return fmt.Errorf("cron_generate_logs %q: %w", c.CronGenerateLogs, err)
	}

	if err := c.Log.validate(); err != nil {
		return err
	}

	if ha := c.Notifications.HomeAssistant; ha != nil {
		if err := validateURL("notifications.home_assistant.url", ha.URL); err != nil {
			return err
		}
		if ha.Token == "" {
			return fmt.Errorf("notifications.home_assistant.token is required")
		}
		if !strings.HasPrefix(ha.EntityID, "todo.") {
			return fmt.Errorf("notifications.home_assistant.entity_id %q must be a todo entity", ha.EntityID)
		}
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}

func (l *LogConfig) validate() error {
	if l.Level == "" {
		l.Level = DefaultLogLevel
	}
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q must be one of debug, info, warn, error", l.Level)
	}
	if l.Format == "" {
		l.Format = DefaultLogFormat
	}
	if l.Format != "text" && l.Format != "json" {
		return fmt.Errorf("log.format %q must be text or json", l.Format)
	}
	if l.MaxSizeMB == 0 {
		l.MaxSizeMB = DefaultLogMaxSizeMB
	}
	if l.MaxBackups == 0 {
		l.MaxBackups = DefaultLogMaxBackups
	}
	if l.MaxSizeMB < 0 || l.MaxBackups < 0 {
		return fmt.Errorf("log.max_size_mb and log.max_backups must not be negative")
	}
	return nil
}

func validateURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%s %q must be a valid http or https URL", field, raw)
	}
	return nil
}
