// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package rbac

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/holomush/gatekeeper/internal/audit"
	"github.com/holomush/gatekeeper/internal/cache"
	"github.com/holomush/gatekeeper/pkg/errutil"
)

var tracer = otel.Tracer("gatekeeper/rbac")

// Reason explains a permission decision.
type Reason string

// Decision reasons.
const (
	ReasonWildcardGlobal   Reason = "wildcard-global"
	ReasonWildcardResource Reason = "wildcard-resource"
	ReasonExact            Reason = "exact"
	ReasonNoMatch          Reason = "no-matching-permission"
	ReasonTimeout          Reason = "timeout"
	ReasonStoreUnavailable Reason = "store-unavailable"
)

// Decision is the outcome of a permission check.
type Decision struct {
	Allowed bool
	Reason  Reason
	// MatchedRole names the role whose permission allowed the action.
	MatchedRole string
	Cached      bool
	// AuditID is the id of the permission_checked entry recording this decision.
	AuditID   string
	DecidedAt time.Time
}

// failedClosed reports whether the decision was forced by a dependency failure.
func (d Decision) failedClosed() bool {
	return d.Reason == ReasonTimeout || d.Reason == ReasonStoreUnavailable
}

// Resolver answers "may this user perform this action on this resource".
// Every decision it returns has been audited.
type Resolver struct {
	store Store
	audit audit.Appender
	opts  options
}

// NewResolver creates a Resolver.
func NewResolver(store Store, auditor audit.Appender, opts ...Option) *Resolver {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Resolver{store: store, audit: auditor, opts: o}
}

// Evaluate decides resource:action over roles. Global wildcards win over
// resource wildcards, which win over exact matches. When several roles
// qualify in the winning tier the lexically smallest name is reported, so the
// result does not depend on the order of roles.
func Evaluate(roles []*Role, resource, action string) (bool, Reason, string) {
	tiers := []struct {
		kind   PermissionKind
		reason Reason
	}{
		{KindWildcardAll, ReasonWildcardGlobal},
		{KindWildcardResource, ReasonWildcardResource},
		{KindExact, ReasonExact},
	}
	for _, tier := range tiers {
		matched := ""
		for _, role := range roles {
			if matched != "" && role.Name >= matched {
				continue
			}
			for _, p := range role.Permissions {
				if p.Kind == tier.kind && p.Covers(resource, action) {
					matched = role.Name
					break
				}
			}
		}
		if matched != "" {
			return true, tier.reason, matched
		}
	}
	return false, ReasonNoMatch, ""
}

// Check decides whether userID may perform action on resource at now.
//
// Store failures and timeouts deny rather than error, and the denial is
// audited at critical severity. A cancelled ctx returns CANCELLED with nothing
// audited. If the audit entry cannot be written the decision is withheld and
// AUDIT_WRITE_FAILED is returned.
func (r *Resolver) Check(ctx context.Context, userID, resource, action string, now time.Time) (decision Decision, err error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "rbac.check",
		trace.WithAttributes(
			attribute.String("rbac.user_id", userID),
			attribute.String("rbac.resource", resource),
			attribute.String("rbac.action", action),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.Bool("rbac.allowed", decision.Allowed),
				attribute.String("rbac.reason", string(decision.Reason)),
				attribute.Bool("rbac.cached", decision.Cached),
			)
		}
		span.End()
	}()

	if userID == "" || resource == "" || action == "" {
		return Decision{}, oops.In("rbac").
			Code(errutil.CodeInvalidRequest).
			With("user_id", userID).
			With("resource", resource).
			With("action", action).
			Errorf("user id, resource and action are required")
	}
	if err := cancelled(ctx); err != nil {
		return Decision{}, err
	}

	decision, lookupErr := r.decide(ctx, userID, resource, action, now)
	if lookupErr != nil {
		if err := cancelled(ctx); err != nil {
			return Decision{}, err
		}
		decision = Decision{Allowed: false, Reason: ReasonStoreUnavailable}
		if errors.Is(lookupErr, context.DeadlineExceeded) {
			decision.Reason = ReasonTimeout
		}
		failClosedCounter.WithLabelValues(string(decision.Reason)).Inc()
		errutil.LogErrorContext(ctx, slog.Default(), "permission check failed closed", oops.In("rbac").
			With("user_id", userID).
			With("resource", resource).
			With("action", action).
			Wrap(lookupErr))
	}
	decision.DecidedAt = now

	entry, err := r.audit.Append(ctx, audit.Entry{
		PrincipalID:  userID,
		EventType:    audit.EventPermissionChecked,
		ResourceType: resource,
		Action:       action,
		Details: map[string]any{
			"allowed":      decision.Allowed,
			"reason":       string(decision.Reason),
			"matched_role": decision.MatchedRole,
			"cached":       decision.Cached,
		},
		Severity: decisionSeverity(decision),
	})
	if err != nil {
		return Decision{}, err //nolint:wrapcheck // audit errors carry AUDIT_WRITE_FAILED
	}
	decision.AuditID = entry.ID

	recordDecision(decision, time.Since(start))
	return decision, nil
}

// decide computes the decision from the cache or a store snapshot. Store
// reads are bounded by the resolver timeout.
func (r *Resolver) decide(ctx context.Context, userID, resource, action string, now time.Time) (Decision, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, r.opts.timeout)
	defer cancel()

	rev, err := r.store.Revision(lookupCtx)
	if err != nil {
		return Decision{}, deadlineAware(lookupCtx, err)
	}
	subject := "perm:" + resource + ":" + action
	if d, ok := r.lookup(lookupCtx, userID, subject, rev, now); ok {
		return d, nil
	}

	snap, err := r.store.Snapshot(lookupCtx, userID)
	if err != nil {
		return Decision{}, deadlineAware(lookupCtx, err)
	}
	allowed, reason, matched := Evaluate(snap.EffectiveRoles(now), resource, action)
	d := Decision{Allowed: allowed, Reason: reason, MatchedRole: matched}

	key := cache.Key{Principal: userID, Subject: subject, Stamp: rbacStamp(snap.Revision)}
	if err := r.opts.cache.Put(lookupCtx, key, cache.Entry{
		Allowed:     allowed,
		Reason:      string(reason),
		MatchedRole: matched,
		ComputedAt:  now,
		ValidUntil:  snap.ValidUntil(now),
	}); err != nil {
		slog.WarnContext(ctx, "decision cache put failed", "error", err)
	}
	return d, nil
}

func (r *Resolver) lookup(ctx context.Context, userID, subject string, rev int64, now time.Time) (Decision, bool) {
	e, ok, err := r.opts.cache.Get(ctx, cache.Key{Principal: userID, Subject: subject, Stamp: rbacStamp(rev)})
	if err != nil {
		slog.WarnContext(ctx, "decision cache get failed", "error", err)
		return Decision{}, false
	}
	if !ok || !e.Fresh(now) {
		return Decision{}, false
	}
	return Decision{Allowed: e.Allowed, Reason: Reason(e.Reason), MatchedRole: e.MatchedRole, Cached: true}, true
}

func rbacStamp(rev int64) string {
	return "rbac:" + strconv.FormatInt(rev, 10)
}

func decisionSeverity(d Decision) audit.Severity {
	switch {
	case d.failedClosed():
		return audit.SeverityCritical
	case d.Allowed:
		return audit.SeverityInfo
	default:
		return audit.SeverityWarning
	}
}

// cancelled returns CANCELLED when the caller abandoned ctx. An expired
// deadline is not a cancellation.
func cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil && errors.Is(err, context.Canceled) {
		return oops.In("rbac").Code(errutil.CodeCancelled).Wrap(err)
	}
	return nil
}

// deadlineAware marks err as a timeout when the lookup deadline passed, even
// if the store reported the failure some other way.
func deadlineAware(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(err, context.DeadlineExceeded)
	}
	return err
}
