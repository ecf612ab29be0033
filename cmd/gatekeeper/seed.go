// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/gatekeeper/internal/seed"
)

// Default timeout for the seed command.
const defaultSeedTimeout = 30 * time.Second

// NewSeedCmd creates the seed subcommand.
func NewSeedCmd() *cobra.Command {
	var (
		timeout time.Duration
		dryRun  bool
	)

	cmd := &cobra.Command{
		Use:   "seed FILE",
		Short: "Apply a seed document",
		Long: `Register permissions, create roles, grant them and write feature flags
from a YAML seed document. Seeding is idempotent: entries that already
match the document are left alone and write no audit entries.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := seed.Load(args[0])
			if err != nil {
				return err //nolint:wrapcheck // seed errors carry codes
			}
			if dryRun {
				cmd.Printf("%s is valid: %d permissions, %d roles, %d grants, %d flags, %d cohorts\n",
					args[0], len(doc.Permissions), len(doc.Roles), len(doc.Grants), len(doc.Flags), len(doc.Cohorts))
				return nil
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := setupLogging(cfg); err != nil {
				return err
			}

			// Use cmd.Context() to respect SIGINT/SIGTERM signals.
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			rt, err := openRuntime(ctx, cfg, runtimeOptions{skipSeed: true})
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := rt.Close(); closeErr != nil {
					slog.Warn("error closing runtime", "error", closeErr)
				}
			}()

			res, err := seed.Apply(ctx, rt.admin, doc, time.Now())
			if err != nil {
				return oops.With("path", args[0]).Wrap(err)
			}
			cmd.Printf("Seed applied: %d permissions registered, %d roles created, %d roles updated, %d grants applied, %d grants skipped, %d flags written\n",
				res.PermissionsRegistered, res.RolesCreated, res.RolesUpdated, res.GrantsApplied, res.GrantsSkipped, res.FlagsWritten)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", defaultSeedTimeout, "timeout for store operations (e.g., 30s, 1m)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate the document without applying it")
	return cmd
}
