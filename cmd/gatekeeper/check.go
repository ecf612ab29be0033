// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/gatekeeper/pkg/errutil"
)

// checkResult is the --json output of the check command.
type checkResult struct {
	Principal   string `json:"principal"`
	Subject     string `json:"subject"`
	Allowed     bool   `json:"allowed"`
	Reason      string `json:"reason"`
	MatchedRole string `json:"matched_role,omitempty"`
	AuditID     string `json:"audit_id"`
}

// NewCheckCmd creates the check subcommand.
func NewCheckCmd() *cobra.Command {
	var (
		flagName   string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "check PRINCIPAL [RESOURCE:ACTION]",
		Short: "Make one audited decision against the configured store",
		Long: `Decide whether PRINCIPAL may perform ACTION on RESOURCE, or with --flag
whether a feature flag is on for PRINCIPAL. The decision is audited like
any served one.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (flagName == "") == (len(args) == 1) {
				return oops.Code(errutil.CodeInvalidRequest).Errorf("give either RESOURCE:ACTION or --flag")
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := setupLogging(cfg); err != nil {
				return err
			}
			ctx := cmd.Context()
			rt, err := openRuntime(ctx, cfg, runtimeOptions{})
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := rt.Close(); closeErr != nil {
					slog.Warn("error closing runtime", "error", closeErr)
				}
			}()

			res := checkResult{Principal: args[0]}
			if flagName != "" {
				ev, err := rt.engine.EvaluateFlag(ctx, args[0], flagName, nil)
				if err != nil {
					return err //nolint:wrapcheck // engine errors carry codes
				}
				res.Subject = "flag:" + flagName
				res.Allowed, res.Reason, res.AuditID = ev.Enabled, string(ev.Reason), ev.AuditID
			} else {
				resource, action, ok := strings.Cut(args[1], ":")
				if !ok {
					return oops.Code(errutil.CodeInvalidRequest).With("input", args[1]).
						Errorf("expected RESOURCE:ACTION, got %q", args[1])
				}
				d, err := rt.engine.CheckPermission(ctx, args[0], resource, action)
				if err != nil {
					return err //nolint:wrapcheck // engine errors carry codes
				}
				res.Subject = args[1]
				res.Allowed, res.Reason, res.MatchedRole, res.AuditID = d.Allowed, string(d.Reason), d.MatchedRole, d.AuditID
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(res) //nolint:wrapcheck // output failure
			}
			verdict := "DENIED"
			if res.Allowed {
				verdict = "ALLOWED"
			}
			cmd.Printf("%s %s for %s (%s", verdict, res.Subject, res.Principal, res.Reason)
			if res.MatchedRole != "" {
				cmd.Printf(", role %s", res.MatchedRole)
			}
			cmd.Printf(") audit %s\n", res.AuditID)
			return nil
		},
	}

	cmd.Flags().StringVar(&flagName, "flag", "", "evaluate this feature flag instead of a permission")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output the decision as JSON")
	return cmd
}
