// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/gatekeeper/internal/audit"
	"github.com/holomush/gatekeeper/internal/engine"
	"github.com/holomush/gatekeeper/pkg/errutil"
)

// auditQuery holds the audit command flags.
type auditQuery struct {
	principal    string
	eventTypes   []string
	severities   []string
	resourceType string
	since        time.Duration
	limit        int
	jsonOutput   bool
}

func (q auditQuery) filter(now time.Time) (audit.Filter, error) {
	f := audit.Filter{PrincipalID: q.principal, ResourceType: q.resourceType}
	for _, t := range q.eventTypes {
		f.EventTypes = append(f.EventTypes, audit.EventType(t))
	}
	for _, s := range q.severities {
		sev := audit.Severity(s)
		if !sev.Valid() {
			return f, oops.Code(errutil.CodeInvalidRequest).With("severity", s).Errorf("unknown severity %q", s)
		}
		f.Severities = append(f.Severities, sev)
	}
	if q.since > 0 {
		f.From = now.Add(-q.since)
	}
	return f, nil
}

// NewAuditCmd creates the audit subcommand.
func NewAuditCmd() *cobra.Command {
	q := &auditQuery{}

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit log",
		Long: `Print audit entries oldest first. Reads run as the system principal,
so this command is for operators with direct store access.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := q.filter(time.Now())
			if err != nil {
				return err
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := setupLogging(cfg); err != nil {
				return err
			}
			ctx := cmd.Context()
			rt, err := openRuntime(ctx, cfg, runtimeOptions{skipSeed: true})
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := rt.Close(); closeErr != nil {
					slog.Warn("error closing runtime", "error", closeErr)
				}
			}()

			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			if !q.jsonOutput {
				fmt.Fprintln(tw, "ID\tTIME\tSEVERITY\tEVENT\tPRINCIPAL\tRESOURCE\tACTION") //nolint:errcheck // tabwriter buffers
			}
			enc := json.NewEncoder(out)

			n := 0
			for entry, err := range rt.admin.StreamAudit(engine.SystemContext(ctx), engine.SystemPrincipal, filter, audit.DefaultPageSize) {
				if err != nil {
					return err //nolint:wrapcheck // audit errors carry codes
				}
				if q.jsonOutput {
					if err := enc.Encode(entry); err != nil {
						return oops.With("operation", "write entry").Wrap(err)
					}
				} else {
					resource := entry.ResourceType
					if entry.ResourceID != "" {
						resource += "/" + entry.ResourceID
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", //nolint:errcheck // tabwriter buffers
						entry.ID, entry.Timestamp.Format(time.RFC3339), entry.Severity, entry.EventType,
						entry.PrincipalID, resource, entry.Action)
				}
				n++
				if q.limit > 0 && n >= q.limit {
					break
				}
			}
			if q.jsonOutput {
				return nil
			}
			return tw.Flush() //nolint:wrapcheck // output failure
		},
	}

	cmd.Flags().StringVar(&q.principal, "principal", "", "only entries for this principal")
	cmd.Flags().StringSliceVar(&q.eventTypes, "event", nil, "only these event types (repeatable)")
	cmd.Flags().StringSliceVar(&q.severities, "severity", nil, "only these severities (repeatable)")
	cmd.Flags().StringVar(&q.resourceType, "resource", "", "only entries for this resource type")
	cmd.Flags().DurationVar(&q.since, "since", 0, "only entries newer than this (e.g., 1h)")
	cmd.Flags().IntVar(&q.limit, "limit", 0, "stop after this many entries (0 = all)")
	cmd.Flags().BoolVar(&q.jsonOutput, "json", false, "output entries as JSON lines")
	return cmd
}
