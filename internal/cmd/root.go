// Package cmd provides the CLI commands for Tandem.
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tandemlabs/tandem/internal/appdir"
	"github.com/tandemlabs/tandem/internal/config"
	"github.com/tandemlabs/tandem/internal/logging"
)

var (
	// Global flags
	configPath    string
	debug         bool
	logLevel      string
	logFile       string
	logComponents string

	// Loaded configuration
	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "tandem",
	Short: "Tandem - a multi-session host for AI agent runtimes",
	Long: `Tandem multiplexes concurrent AI agent sessions into a single
localhost web interface.

It connects to an agent runtime (or launches one), keeps every session's
streamed output, transcript and pending messages reconciled, and serves
the result to a browser or desktop webview over WebSocket.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		var err error
		if configPath != "" {
			cfg, err = config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration from %s: %w", configPath, err)
			}
		} else {
			cfg, err = config.LoadSettings()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
		}

		if err := logging.Initialize(loggingConfig(cfg)); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}

		if err := appdir.EnsureDir(); err != nil {
			return fmt.Errorf("failed to create Tandem directory: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Close()
	},
}

// loggingConfig merges the config file's logging section with CLI overrides.
// Priority: --log-level flag > --debug flag > config file > default (info).
func loggingConfig(cfg *config.Config) logging.Config {
	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	if logLevel != "" {
		level = logLevel
	}

	file := cfg.Logging.File
	if logFile != "" {
		file = logFile
	}

	components := cfg.Logging.Components
	if logComponents != "" {
		components = nil
		for _, c := range strings.Split(logComponents, ",") {
			if c = strings.TrimSpace(c); c != "" {
				components = append(components, c)
			}
		}
	}

	out := logging.Config{
		Level:      level,
		JSON:       cfg.Logging.JSON,
		Components: components,
	}
	if file != "" {
		out.FileLog = &logging.FileLogConfig{
			Path:       file,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			Compress:   cfg.Logging.Compress,
		}
	}
	return out
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file path (overrides settings.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (shorthand for --log-level=debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "logfile", "l", "", "Log file path (logs are also written to console)")
	rootCmd.PersistentFlags().StringVar(&logComponents, "log-components", "", "Comma-separated list of components to log (e.g. 'web,coordinator,agent'). Empty means all components.")
}
