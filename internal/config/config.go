// Package config defines Tandem's YAML configuration and its persistence in
// the Tandem data directory.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RuntimeConfig describes the agent runtime Tandem connects to.
type RuntimeConfig struct {
	// URL is the WebSocket endpoint of the agent runtime.
	URL string `yaml:"url"`

	// Command, when set, is a shell command to launch the runtime as a child
	// process before connecting. Empty means the runtime is already running.
	Command string `yaml:"command,omitempty"`

	// Cwd is the working directory for the launched runtime process.
	Cwd string `yaml:"cwd,omitempty"`

	// Env is extra environment variables for the launched runtime, in
	// KEY=VALUE form.
	Env []string `yaml:"env,omitempty"`
}

// WebConfig holds frontend server configuration.
type WebConfig struct {
	// Port for the localhost web server. 0 selects a random free port.
	Port int `yaml:"port"`

	// AllowedOrigins for WebSocket connections. Empty means same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`

	// RefreshIntervalSeconds between background session listing refreshes.
	// 0 means the built-in default.
	RefreshIntervalSeconds int `yaml:"refresh_interval_seconds,omitempty"`
}

// CoordinatorConfig holds reconciliation tuning.
type CoordinatorConfig struct {
	// GraceWindowMS is the session-switch grace window in milliseconds.
	// 0 means the built-in default.
	GraceWindowMS int `yaml:"grace_window_ms,omitempty"`

	// ApprovalPolicy is a CEL expression evaluated against permission
	// requests; requests it matches are approved without asking the user.
	// Empty disables auto-approval.
	ApprovalPolicy string `yaml:"approval_policy,omitempty"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `yaml:"level,omitempty"`

	// File enables rotated file logging when non-empty.
	File string `yaml:"file,omitempty"`

	// MaxSizeMB before the log file is rotated.
	MaxSizeMB int `yaml:"max_size_mb,omitempty"`

	// MaxBackups is the number of rotated files to keep.
	MaxBackups int `yaml:"max_backups,omitempty"`

	// Compress rotated log files.
	Compress bool `yaml:"compress,omitempty"`

	// JSON switches log output to JSON format.
	JSON bool `yaml:"json,omitempty"`

	// Components limits logging to the named components. Empty means all.
	Components []string `yaml:"components,omitempty"`
}

// Config is the root Tandem configuration.
type Config struct {
	Runtime     RuntimeConfig     `yaml:"runtime"`
	Web         WebConfig         `yaml:"web"`
	Coordinator CoordinatorConfig `yaml:"coordinator,omitempty"`
	Logging     LoggingConfig     `yaml:"logging,omitempty"`
}

// Default returns the configuration used when no settings file exists yet.
func Default() *Config {
	return &Config{
		Runtime: RuntimeConfig{
			URL: "ws://127.0.0.1:9470/agent",
		},
		Web: WebConfig{
			Port: 8199,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// GraceWindow returns the configured switch grace window, or 0 for default.
func (c *CoordinatorConfig) GraceWindow() time.Duration {
	return time.Duration(c.GraceWindowMS) * time.Millisecond
}

// RefreshInterval returns the configured refresh interval, or 0 for default.
func (w *WebConfig) RefreshInterval() time.Duration {
	return time.Duration(w.RefreshIntervalSeconds) * time.Second
}

// Parse parses YAML configuration bytes and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Runtime.URL == "" {
		return fmt.Errorf("runtime.url is required")
	}
	u, err := url.Parse(c.Runtime.URL)
	if err != nil {
		return fmt.Errorf("runtime.url is not a valid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("runtime.url must use ws:// or wss://, got %q", u.Scheme)
	}

	if c.Web.Port < 0 || c.Web.Port > 65535 {
		return fmt.Errorf("web.port must be between 0 and 65535, got %d", c.Web.Port)
	}
	if c.Coordinator.GraceWindowMS < 0 {
		return fmt.Errorf("coordinator.grace_window_ms must not be negative")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}

	return nil
}
