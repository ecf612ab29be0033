// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package flags

import (
	"context"
	"slices"
	"strings"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/holomush/gatekeeper/internal/audit"
	"github.com/holomush/gatekeeper/pkg/errutil"
)

// auditResourceFlag is the resource type of flag audit entries.
const auditResourceFlag = "feature_flag"

// FlagSpec is the desired state of a flag.
type FlagSpec struct {
	Name              string
	Description       string
	Enabled           bool
	RolloutPercentage int
	TargetUsers       []string
	TargetRoles       []string
	TargetCohorts     []string
}

// Validate checks the name and rollout range.
func (s FlagSpec) Validate() error {
	name := strings.TrimSpace(s.Name)
	if name == "" || strings.ContainsAny(name, " \t\n") {
		return oops.In("flags").Code(errutil.CodeInvalidRequest).With("flag", s.Name).
			Errorf("flag name must be non-empty and contain no whitespace")
	}
	if s.RolloutPercentage < 0 || s.RolloutPercentage > 100 {
		return oops.In("flags").Code(errutil.CodeInvalidRange).
			With("flag", s.Name).
			With("rollout_percentage", s.RolloutPercentage).
			Errorf("rollout percentage must be between 0 and 100")
	}
	return nil
}

// Matches reports whether f already has the state s describes.
func (s FlagSpec) Matches(f *FeatureFlag) bool {
	return f != nil &&
		f.Name == strings.TrimSpace(s.Name) &&
		f.Description == s.Description &&
		f.Enabled == s.Enabled &&
		f.RolloutPercentage == s.RolloutPercentage &&
		slices.Equal(f.TargetUsers, normalizeSet(s.TargetUsers)) &&
		slices.Equal(f.TargetRoles, normalizeSet(s.TargetRoles)) &&
		slices.Equal(f.TargetCohorts, normalizeSet(s.TargetCohorts))
}

// Service owns flag mutations. Every mutation writes one audit entry in the
// same store transaction and is rolled back if the entry cannot be written.
type Service struct {
	store Store
	audit audit.Appender
	opts  options
}

// NewService creates a Service.
func NewService(store Store, auditor audit.Appender, opts ...Option) *Service {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Service{store: store, audit: auditor, opts: o}
}

func (s *Service) withRetry(ctx context.Context, operation string, op func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(s.opts.maxRetries, retry.NewExponential(s.opts.baseDelay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error { //nolint:wrapcheck // op errors are already oops errors
		err := op(ctx)
		if errutil.IsVersionConflict(err) {
			conflictsCounter.WithLabelValues(operation).Inc()
			return retry.RetryableError(err)
		}
		return err
	})
}

func (s *Service) record(ctx context.Context, entry audit.Entry) error {
	if _, err := s.audit.Append(ctx, entry); err != nil {
		return oops.In("flags").With("event_type", entry.EventType).Wrap(err)
	}
	return nil
}

// CreateOrUpdateFlag creates the flag or replaces its state, bumping its
// version either way.
func (s *Service) CreateOrUpdateFlag(ctx context.Context, actor string, spec FlagSpec) (*FeatureFlag, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(spec.Name)

	var result *FeatureFlag
	err := s.withRetry(ctx, "put_flag", func(ctx context.Context) error {
		return s.store.InTransaction(ctx, func(ctx context.Context) error {
			now := s.opts.now()
			flag := &FeatureFlag{
				Name:              name,
				Description:       spec.Description,
				Enabled:           spec.Enabled,
				RolloutPercentage: spec.RolloutPercentage,
				TargetUsers:       normalizeSet(spec.TargetUsers),
				TargetRoles:       normalizeSet(spec.TargetRoles),
				TargetCohorts:     normalizeSet(spec.TargetCohorts),
				UpdatedBy:         actor,
				CreatedAt:         now,
				UpdatedAt:         now,
			}

			details := map[string]any{
				"enabled":            flag.Enabled,
				"rollout_percentage": flag.RolloutPercentage,
				"target_users":       flag.TargetUsers,
				"target_roles":       flag.TargetRoles,
				"target_cohorts":     flag.TargetCohorts,
			}
			var expected int64
			existing, err := s.store.GetFlag(ctx, name)
			switch {
			case err == nil:
				expected = existing.Version
				flag.CreatedAt = existing.CreatedAt
				details["previous_enabled"] = existing.Enabled
				details["previous_rollout_percentage"] = existing.RolloutPercentage
			case !errutil.IsNotFound(err):
				return err
			}
			details["created"] = existing == nil

			if err := s.store.PutFlag(ctx, flag, expected); err != nil {
				return err
			}
			details["version"] = flag.Version

			severity := audit.SeverityInfo
			if existing != nil && existing.Enabled && !flag.Enabled {
				severity = audit.SeverityWarning
			}
			if err := s.record(ctx, audit.Entry{
				PrincipalID:  actor,
				EventType:    audit.EventFlagUpdated,
				ResourceType: auditResourceFlag,
				ResourceID:   name,
				Action:       "write",
				Details:      details,
				Severity:     severity,
			}); err != nil {
				return err
			}
			result = flag
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetFlag returns the flag called name.
func (s *Service) GetFlag(ctx context.Context, name string) (*FeatureFlag, error) {
	return s.store.GetFlag(ctx, name) //nolint:wrapcheck // store errors carry their own context
}

// ListFlags returns every flag.
func (s *Service) ListFlags(ctx context.Context) ([]*FeatureFlag, error) {
	return s.store.ListFlags(ctx) //nolint:wrapcheck // store errors carry their own context
}

// DeleteFlag removes the flag called name.
func (s *Service) DeleteFlag(ctx context.Context, actor, name string) error {
	return s.withRetry(ctx, "delete_flag", func(ctx context.Context) error {
		return s.store.InTransaction(ctx, func(ctx context.Context) error {
			flag, err := s.store.GetFlag(ctx, name)
			if err != nil {
				return err
			}
			if err := s.store.DeleteFlag(ctx, name, flag.Version); err != nil {
				return err
			}
			return s.record(ctx, audit.Entry{
				PrincipalID:  actor,
				EventType:    audit.EventFlagDeleted,
				ResourceType: auditResourceFlag,
				ResourceID:   name,
				Action:       "delete",
				Details:      map[string]any{"version": flag.Version, "enabled": flag.Enabled},
				Severity:     audit.SeverityWarning,
			})
		})
	})
}
