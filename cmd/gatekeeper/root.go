// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/holomush/gatekeeper/internal/config"
	"github.com/holomush/gatekeeper/internal/logging"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the gatekeeper CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gatekeeper",
		Short: "gatekeeper - access control and feature targeting",
		Long: `gatekeeper decides whether a principal may perform an action on a
resource and whether a feature flag is on for them. Every decision is
written to an append-only audit log.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewSeedCmd())
	cmd.AddCommand(NewCheckCmd())
	cmd.AddCommand(NewAuditCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// loadConfig reads configuration for cmd. An explicit --config file must
// exist.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(config.LoadOptions{ //nolint:wrapcheck // config errors carry codes
		Path:     configFile,
		Required: configFile != "",
		Flags:    cmd.Flags(),
	})
}

// setupLogging installs the configured logger as the slog default.
func setupLogging(cfg *config.Config) error {
	return logging.SetDefault("gatekeeper", version, cfg.Log.Format, cfg.Log.Level) //nolint:wrapcheck // logging errors carry context
}
