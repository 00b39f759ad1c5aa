package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Runtime.URL != "ws://127.0.0.1:9470/agent" {
		t.Errorf("Runtime.URL = %q", cfg.Runtime.URL)
	}
	if cfg.Web.Port != 8199 {
		t.Errorf("Web.Port = %d", cfg.Web.Port)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
}

func TestParseOverrides(t *testing.T) {
	yaml := `
runtime:
  url: ws://127.0.0.1:7001/agent
  command: "agentd --stdio-off"
web:
  port: 9000
  allowed_origins:
    - http://app.example.com
coordinator:
  grace_window_ms: 250
  approval_policy: 'tool == "read_file"'
logging:
  level: debug
  file: /tmp/tandem.log
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Runtime.URL != "ws://127.0.0.1:7001/agent" {
		t.Errorf("Runtime.URL = %q", cfg.Runtime.URL)
	}
	if cfg.Runtime.Command != "agentd --stdio-off" {
		t.Errorf("Runtime.Command = %q", cfg.Runtime.Command)
	}
	if cfg.Web.Port != 9000 {
		t.Errorf("Web.Port = %d", cfg.Web.Port)
	}
	if len(cfg.Web.AllowedOrigins) != 1 || cfg.Web.AllowedOrigins[0] != "http://app.example.com" {
		t.Errorf("AllowedOrigins = %v", cfg.Web.AllowedOrigins)
	}
	if got := cfg.Coordinator.GraceWindow(); got != 250*time.Millisecond {
		t.Errorf("GraceWindow = %v", got)
	}
	if cfg.Coordinator.ApprovalPolicy != `tool == "read_file"` {
		t.Errorf("ApprovalPolicy = %q", cfg.Coordinator.ApprovalPolicy)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.File != "/tmp/tandem.log" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing runtime url", func(c *Config) { c.Runtime.URL = "" }, "runtime.url"},
		{"http runtime url", func(c *Config) { c.Runtime.URL = "http://127.0.0.1:7001" }, "ws://"},
		{"negative port", func(c *Config) { c.Web.Port = -1 }, "web.port"},
		{"huge port", func(c *Config) { c.Web.Port = 70000 }, "web.port"},
		{"negative grace", func(c *Config) { c.Coordinator.GraceWindowMS = -1 }, "grace_window_ms"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseInvalidYAML(t *testing.T) {
	if _, err := Parse([]byte("runtime: [")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	content := "web:\n  port: 4242\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Web.Port != 4242 {
		t.Errorf("Web.Port = %d", cfg.Web.Port)
	}
	// Unspecified sections fall back to defaults.
	if cfg.Runtime.URL == "" {
		t.Error("Runtime.URL default lost")
	}
}
