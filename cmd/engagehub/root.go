package main

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Bhekie452/EngageHub-sub003/internal/config"
)

// RootOptions holds flags shared by every subcommand.
type RootOptions struct {
	ConfigFile string
	LogLevel   string
	LogFormat  string
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "engagehub",
		Short: "EngageHub action sync service",
		Long:  "Records post actions and keeps them in sync with external platforms such as YouTube.",
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "path to a YAML config file (defaults to $"+config.EnvConfigFile+")")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override the configured log level")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "override the configured log format (text|json)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))

	return cmd
}

// load resolves the config and the logger built from it. Flag overrides are
// applied after the file and environment.
func (o *RootOptions) load() (config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(o.ConfigFile, logrus.StandardLogger())
	if err != nil {
		return config.Config{}, nil, err
	}
	if level := strings.TrimSpace(o.LogLevel); level != "" {
		cfg.LogLevel = level
	}
	if format := strings.TrimSpace(o.LogFormat); format != "" {
		cfg.LogFormat = format
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, err
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("configure logger: %w", err)
	}
	return cfg, logger, nil
}
