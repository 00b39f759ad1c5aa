package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tandemlabs/tandem/internal/appdir"
	"github.com/tandemlabs/tandem/internal/fileutil"

	defaultConfig "github.com/tandemlabs/tandem/config"
)

// LoadSettings loads the configuration from the Tandem data directory.
// If settings.yaml doesn't exist it is created with defaults first.
// This function also ensures the Tandem directory exists.
func LoadSettings() (*Config, error) {
	if err := appdir.EnsureDir(); err != nil {
		return nil, fmt.Errorf("failed to create Tandem directory: %w", err)
	}

	settingsPath, err := appdir.SettingsPath()
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(settingsPath); os.IsNotExist(err) {
		if err := createDefaultSettings(settingsPath); err != nil {
			return nil, fmt.Errorf("failed to create default settings: %w", err)
		}
	}

	cfg, err := Load(settingsPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// createDefaultSettings writes the embedded settings template, which carries
// comments for hand editing.
func createDefaultSettings(settingsPath string) error {
	if _, err := Parse(defaultConfig.DefaultConfigYAML); err != nil {
		return fmt.Errorf("embedded default config is invalid: %w", err)
	}
	return fileutil.WriteFileAtomic(settingsPath, defaultConfig.DefaultConfigYAML, 0644)
}

// SaveSettings writes the configuration to the Tandem data directory.
// Before writing, the existing settings file (if any) is copied to
// settings.yaml.bak. Only one backup is maintained at a time.
func SaveSettings(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	settingsPath, err := appdir.SettingsPath()
	if err != nil {
		return err
	}

	if existing, err := os.ReadFile(settingsPath); err == nil {
		backupPath := settingsPath + ".bak"
		if err := os.WriteFile(backupPath, existing, 0644); err != nil {
			return fmt.Errorf("failed to create settings backup: %w", err)
		}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	return fileutil.WriteFileAtomic(settingsPath, data, 0644)
}
