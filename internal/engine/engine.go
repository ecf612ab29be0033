// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package engine is the gateway facade over the permission resolver and the
// feature flag evaluator, plus the self-authorizing admin surface.
package engine

import (
	"context"
	"time"

	"github.com/samber/oops"

	"github.com/holomush/gatekeeper/internal/flags"
	"github.com/holomush/gatekeeper/internal/rbac"
)

// SystemPrincipal is the reserved principal for bootstrap operations. It
// bypasses the admin guard only in a context marked by SystemContext; the
// name alone carries no authority.
const SystemPrincipal = "system"

type systemKey struct{}

// SystemContext marks ctx as an in-process system operation (bootstrap,
// seeding, operator CLI). Admin calls made as SystemPrincipal under it skip
// the guard. Nothing reachable from a network request should call it.
func SystemContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, systemKey{}, true)
}

func isSystem(ctx context.Context, actor string) bool {
	marked, _ := ctx.Value(systemKey{}).(bool) //nolint:errcheck // absent means unmarked
	return marked && actor == SystemPrincipal
}

// Hints carry targeting inputs the caller already knows. When nil, the
// engine looks up the principal's effective roles and cohorts itself.
type Hints struct {
	Roles   []string
	Cohorts []string
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source used as the decision instant.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithCohorts sets the cohort provider used when no hints are given.
func WithCohorts(p CohortProvider) Option {
	return func(e *Engine) {
		if p != nil {
			e.cohorts = p
		}
	}
}

// Engine answers permission and feature questions for principals.
type Engine struct {
	resolver  *rbac.Resolver
	evaluator *flags.Evaluator
	roles     *rbac.Service
	cohorts   CohortProvider
	now       func() time.Time
}

// New creates an Engine.
func New(resolver *rbac.Resolver, evaluator *flags.Evaluator, roles *rbac.Service, opts ...Option) *Engine {
	e := &Engine{
		resolver:  resolver,
		evaluator: evaluator,
		roles:     roles,
		cohorts:   StaticCohorts{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CheckPermission decides whether principalID may perform action on resource
// now.
func (e *Engine) CheckPermission(ctx context.Context, principalID, resource, action string) (rbac.Decision, error) {
	return e.resolver.Check(ctx, principalID, resource, action, e.now()) //nolint:wrapcheck // resolver errors carry codes
}

// EvaluateFlag evaluates flagName for principalID now. Without hints the
// principal's effective role names and cohorts are looked up within the
// evaluator's timeout. If either lookup fails or runs out of time the flag
// is disabled and the evaluation is audited at critical severity.
func (e *Engine) EvaluateFlag(ctx context.Context, principalID, flagName string, hints *Hints) (flags.Evaluation, error) {
	now := e.now()
	subj := flags.Subject{UserID: principalID}
	if hints != nil {
		subj.Roles = hints.Roles
		subj.Cohorts = hints.Cohorts
	} else if principalID != "" && flagName != "" {
		roles, cohorts, err := e.targeting(ctx, principalID, now)
		if err != nil {
			lookupFailures.Inc()
			return e.evaluator.FailClosed(ctx, subj, flagName, now, err) //nolint:wrapcheck // evaluator errors carry codes
		}
		subj.Roles = roles
		subj.Cohorts = cohorts
	}
	return e.evaluator.IsEnabled(ctx, subj, flagName, now) //nolint:wrapcheck // evaluator errors carry codes
}

// targeting gathers the principal's role names and cohorts. Both lookups
// share one deadline, and a lookup that ignores its context is abandoned
// when the deadline passes.
func (e *Engine) targeting(ctx context.Context, principalID string, now time.Time) ([]string, []string, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, e.evaluator.Timeout())
	defer cancel()

	roles, err := bounded(lookupCtx, func(ctx context.Context) ([]*rbac.Role, error) {
		return e.roles.ListEffectiveRoles(ctx, principalID, now)
	})
	if err != nil {
		return nil, nil, oops.In("engine").With("principal_id", principalID).With("lookup", "roles").Wrap(err)
	}
	cohorts, err := bounded(lookupCtx, func(ctx context.Context) ([]string, error) {
		return e.cohorts.Cohorts(ctx, principalID)
	})
	if err != nil {
		return nil, nil, oops.In("engine").With("principal_id", principalID).With("lookup", "cohorts").Wrap(err)
	}

	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = r.Name
	}
	return names, cohorts, nil
}

// bounded runs fn and returns ctx's error once ctx is done, even if fn has
// not returned.
func bounded[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v, err}
	}()
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
