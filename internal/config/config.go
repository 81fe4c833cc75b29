// Package config loads and validates the boardbuilder configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Queue    QueueConfig    `yaml:"queue"`
	Build    BuildConfig    `yaml:"build"`
	Provider ProviderConfig `yaml:"provider"`
	Events   EventsConfig   `yaml:"events"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr          string `yaml:"addr"`
	AuthToken     string `yaml:"auth_token"`
	PublicBaseURL string `yaml:"public_base_url,omitempty"`
}

// StoreConfig configures the SQLite store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// QueueConfig configures the worker pool and retry/lease behavior.
// Duration fields are strings ("5s", "20m") parsed via time.ParseDuration.
type QueueConfig struct {
	Workers            int    `yaml:"workers"`
	IdlePollInterval   string `yaml:"idle_poll_interval,omitempty"`
	MaxRetries         int    `yaml:"max_retries"`
	BackoffBase        string `yaml:"backoff_base,omitempty"`
	BackoffCap         string `yaml:"backoff_cap,omitempty"`
	MaxAttemptDuration string `yaml:"max_attempt_duration,omitempty"`
	SweepInterval      string `yaml:"sweep_interval,omitempty"`
}

// BuildConfig configures fetch and compile behavior.
type BuildConfig struct {
	WorkspaceRoot   string   `yaml:"workspace_root,omitempty"`
	MaxArchiveBytes int64    `yaml:"max_archive_bytes,omitempty"`
	CompilerCommand []string `yaml:"compiler_command,omitempty"`
	CompileTimeout  string   `yaml:"compile_timeout,omitempty"`
	IncludePatterns []string `yaml:"include_patterns,omitempty"`
	FetchStrategy   string   `yaml:"fetch_strategy,omitempty"` // archive|clone
}

// ProviderConfig configures the upstream code-hosting provider.
type ProviderConfig struct {
	APIURL  string `yaml:"api_url,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
	// Credentials maps credential handles to tokens. Tokens are env-expanded
	// at load time and never persisted to the store.
	Credentials   map[string]string `yaml:"credentials,omitempty"`
	BotCredential string            `yaml:"bot_credential,omitempty"`
}

// EventsConfig configures optional NATS lifecycle event publishing.
type EventsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	NATSURL       string `yaml:"nats_url,omitempty"`
	SubjectPrefix string `yaml:"subject_prefix,omitempty"`
}

// MetricsConfig toggles the Prometheus recorder.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig controls the slog level.
type LoggingConfig struct {
	Level string `yaml:"level,omitempty"` // debug|info|warn|error
}

// Load loads configuration from the specified file, expanding environment
// variables in the raw YAML. A .env file alongside the process is loaded
// first so referenced variables resolve.
func Load(configPath string) (*Config, error) {
	loadEnvFile()

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks invariants that cannot be defaulted away.
func (c *Config) Validate() error {
	for name, raw := range map[string]string{
		"queue.idle_poll_interval":   c.Queue.IdlePollInterval,
		"queue.backoff_base":         c.Queue.BackoffBase,
		"queue.backoff_cap":          c.Queue.BackoffCap,
		"queue.max_attempt_duration": c.Queue.MaxAttemptDuration,
		"queue.sweep_interval":       c.Queue.SweepInterval,
		"build.compile_timeout":      c.Build.CompileTimeout,
	} {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", name, err)
		}
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("queue.workers must be >= 1")
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries cannot be negative")
	}
	if c.Build.MaxArchiveBytes <= 0 {
		return fmt.Errorf("build.max_archive_bytes must be > 0")
	}
	switch c.Build.FetchStrategy {
	case "archive", "clone":
	default:
		return fmt.Errorf("build.fetch_strategy must be archive or clone, got %q", c.Build.FetchStrategy)
	}
	if c.Provider.BotCredential != "" {
		if _, ok := c.Provider.Credentials[c.Provider.BotCredential]; !ok {
			return fmt.Errorf("provider.bot_credential %q has no entry in provider.credentials", c.Provider.BotCredential)
		}
	}
	return nil
}

// duration parses a duration string, falling back to def for empty/invalid input.
func duration(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Parsed duration accessors (defaults mirror ApplyDefaults).

func (q QueueConfig) IdlePollIntervalDuration() time.Duration {
	return duration(q.IdlePollInterval, 5*time.Second)
}

func (q QueueConfig) BackoffBaseDuration() time.Duration {
	return duration(q.BackoffBase, time.Second)
}

func (q QueueConfig) BackoffCapDuration() time.Duration {
	return duration(q.BackoffCap, 30*time.Second)
}

func (q QueueConfig) MaxAttemptDurationDuration() time.Duration {
	return duration(q.MaxAttemptDuration, 20*time.Minute)
}

func (q QueueConfig) SweepIntervalDuration() time.Duration {
	return duration(q.SweepInterval, time.Minute)
}

func (b BuildConfig) CompileTimeoutDuration() time.Duration {
	return duration(b.CompileTimeout, 2*time.Minute)
}

// Credential resolves a credential handle to a token. Returns empty string
// when the handle is unknown.
func (p ProviderConfig) Credential(handle string) string {
	return p.Credentials[handle]
}

// BotToken resolves the configured bot credential handle.
func (p ProviderConfig) BotToken() string {
	return p.Credentials[p.BotCredential]
}
