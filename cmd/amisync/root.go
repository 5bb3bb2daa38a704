package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/amisync/internal/config"
	"github.com/yairfalse/amisync/internal/telemetry"
)

var (
	version = "0.1.0"

	configPath string
	logLevel   string
	logFormat  string

	// cfg is loaded once before any subcommand runs.
	cfg *config.Config

	rootCmd = &cobra.Command{
		Use:   "amisync",
		Short: "Keep launch templates on the latest AMI",
		Long: `amisync - launch template AMI updater

amisync finds AMIs snapshotted from tagged instances and appends a new
launch template version whenever a tagged template still points at an
older AMI from the same source instance.

Configuration comes from an optional YAML file and AMISYNC_* environment
variables, e.g. AMISYNC_AWS_REGION or AMISYNC_TAGS_TEMPLATE.`,
		Version:           version,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`amisync {{.Version}}
`)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (json, console)")
}

// setup loads configuration and installs the global logger.
func setup(cmd *cobra.Command, _ []string) error {
	loaded, err := loadConfig(configPath, logLevel, logFormat)
	if err != nil {
		return err
	}
	cfg = loaded

	logger, err := telemetry.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	log.Logger = logger
	return nil
}

// loadConfig reads the config file and applies flag overrides on top.
func loadConfig(path, level, format string) (*config.Config, error) {
	loaded, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if level != "" {
		loaded.Log.Level = level
	}
	if format != "" {
		loaded.Log.Format = format
	}
	if err := loaded.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flags: %w", err)
	}
	return loaded, nil
}
