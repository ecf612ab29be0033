// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package flags

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/holomush/gatekeeper/internal/audit"
	"github.com/holomush/gatekeeper/internal/cache"
	"github.com/holomush/gatekeeper/pkg/errutil"
)

var tracer = otel.Tracer("gatekeeper/flags")

// Evaluation is the outcome of evaluating a flag for a subject.
type Evaluation struct {
	Enabled bool
	Reason  Reason
	// FlagVersion is the version of the flag evaluated; zero when the flag
	// does not exist or could not be read.
	FlagVersion int64
	Bucket      int
	Cached      bool
	// AuditID is the id of the feature_flag_evaluated entry recording this
	// evaluation.
	AuditID     string
	EvaluatedAt time.Time
}

func (e Evaluation) failedClosed() bool {
	return e.Reason == ReasonTimeout || e.Reason == ReasonStoreUnavailable
}

// Evaluator answers "is this flag on for this user". Every evaluation it
// returns has been audited.
type Evaluator struct {
	store Store
	audit audit.Appender
	opts  options
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(store Store, auditor audit.Appender, opts ...Option) *Evaluator {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Evaluator{store: store, audit: auditor, opts: o}
}

// IsEnabled evaluates flagName for subj at now.
//
// An unknown flag is disabled with reason flag-not-found. Store failures and
// timeouts disable the flag and are audited at critical severity. A cancelled
// ctx returns CANCELLED with nothing audited, and an evaluation whose audit
// entry cannot be written is withheld with AUDIT_WRITE_FAILED.
func (e *Evaluator) IsEnabled(ctx context.Context, subj Subject, flagName string, now time.Time) (eval Evaluation, err error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "flags.evaluate",
		trace.WithAttributes(
			attribute.String("flags.user_id", subj.UserID),
			attribute.String("flags.flag", flagName),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.Bool("flags.enabled", eval.Enabled),
				attribute.String("flags.reason", string(eval.Reason)),
				attribute.Bool("flags.cached", eval.Cached),
			)
		}
		span.End()
	}()

	if subj.UserID == "" || flagName == "" {
		return Evaluation{}, oops.In("flags").
			Code(errutil.CodeInvalidRequest).
			With("user_id", subj.UserID).
			With("flag", flagName).
			Errorf("user id and flag name are required")
	}
	if err := cancelled(ctx); err != nil {
		return Evaluation{}, err
	}

	eval, lookupErr := e.decide(ctx, subj, flagName)
	if lookupErr != nil {
		return e.failClosed(ctx, subj, flagName, now, lookupErr, start)
	}
	return e.record(ctx, subj, flagName, now, eval, start)
}

// FailClosed records a disabled evaluation for a subject whose targeting
// inputs could not be gathered. cause decides the reason: a deadline gives
// timeout, anything else store-unavailable. The evaluation is audited at
// critical severity; a cancelled ctx returns CANCELLED instead.
func (e *Evaluator) FailClosed(ctx context.Context, subj Subject, flagName string, now time.Time, cause error) (Evaluation, error) {
	if subj.UserID == "" || flagName == "" {
		return Evaluation{}, oops.In("flags").
			Code(errutil.CodeInvalidRequest).
			With("user_id", subj.UserID).
			With("flag", flagName).
			Errorf("user id and flag name are required")
	}
	return e.failClosed(ctx, subj, flagName, now, cause, time.Now())
}

// Timeout is the bound applied to the store reads behind an evaluation.
func (e *Evaluator) Timeout() time.Duration {
	return e.opts.timeout
}

func (e *Evaluator) failClosed(ctx context.Context, subj Subject, flagName string, now time.Time, cause error, start time.Time) (Evaluation, error) {
	if err := cancelled(ctx); err != nil {
		return Evaluation{}, err
	}
	eval := Evaluation{Enabled: false, Reason: ReasonStoreUnavailable, Bucket: Bucket(subj.UserID, flagName)}
	if errors.Is(cause, context.DeadlineExceeded) {
		eval.Reason = ReasonTimeout
	}
	failClosedCounter.WithLabelValues(string(eval.Reason)).Inc()
	errutil.LogErrorContext(ctx, slog.Default(), "flag evaluation failed closed", oops.In("flags").
		With("user_id", subj.UserID).
		With("flag", flagName).
		Wrap(cause))
	return e.record(ctx, subj, flagName, now, eval, start)
}

// record audits eval and stamps it with the audit entry id.
func (e *Evaluator) record(ctx context.Context, subj Subject, flagName string, now time.Time, eval Evaluation, start time.Time) (Evaluation, error) {
	eval.EvaluatedAt = now

	entry, err := e.audit.Append(ctx, audit.Entry{
		PrincipalID:  subj.UserID,
		EventType:    audit.EventFlagEvaluated,
		ResourceType: auditResourceFlag,
		ResourceID:   flagName,
		Action:       "evaluate",
		Details: map[string]any{
			"enabled":      eval.Enabled,
			"reason":       string(eval.Reason),
			"flag_version": eval.FlagVersion,
			"bucket":       eval.Bucket,
			"cached":       eval.Cached,
		},
		Severity: evaluationSeverity(eval),
	})
	if err != nil {
		return Evaluation{}, err //nolint:wrapcheck // audit errors carry AUDIT_WRITE_FAILED
	}
	eval.AuditID = entry.ID

	recordEvaluation(eval, time.Since(start))
	return eval, nil
}

func (e *Evaluator) decide(ctx context.Context, subj Subject, flagName string) (Evaluation, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, e.opts.timeout)
	defer cancel()

	rev, err := e.store.Revision(lookupCtx)
	if err != nil {
		return Evaluation{}, deadlineAware(lookupCtx, err)
	}
	subject := cacheSubject(flagName, subj)
	if cached, ok := e.lookup(lookupCtx, subj.UserID, subject, rev); ok {
		return cached, nil
	}

	snap, err := e.store.Snapshot(lookupCtx, flagName)
	if err != nil {
		return Evaluation{}, deadlineAware(lookupCtx, err)
	}
	var eval Evaluation
	if snap.Flag == nil {
		eval = Evaluation{Reason: ReasonFlagNotFound, Bucket: Bucket(subj.UserID, flagName)}
	} else {
		enabled, reason, bucket := Evaluate(snap.Flag, subj)
		eval = Evaluation{Enabled: enabled, Reason: reason, Bucket: bucket, FlagVersion: snap.Flag.Version}
	}

	key := cache.Key{Principal: subj.UserID, Subject: subject, Stamp: flagsStamp(snap.Revision)}
	if err := e.opts.cache.Put(lookupCtx, key, cache.Entry{
		Allowed:     eval.Enabled,
		Reason:      string(eval.Reason),
		FlagVersion: eval.FlagVersion,
		Bucket:      eval.Bucket,
	}); err != nil {
		slog.WarnContext(ctx, "decision cache put failed", "error", err)
	}
	return eval, nil
}

func (e *Evaluator) lookup(ctx context.Context, userID, subject string, rev int64) (Evaluation, bool) {
	entry, ok, err := e.opts.cache.Get(ctx, cache.Key{Principal: userID, Subject: subject, Stamp: flagsStamp(rev)})
	if err != nil {
		slog.WarnContext(ctx, "decision cache get failed", "error", err)
		return Evaluation{}, false
	}
	if !ok {
		return Evaluation{}, false
	}
	return Evaluation{
		Enabled:     entry.Allowed,
		Reason:      Reason(entry.Reason),
		FlagVersion: entry.FlagVersion,
		Bucket:      entry.Bucket,
		Cached:      true,
	}, true
}

// cacheSubject keys an evaluation by flag and by the subject's targeting
// inputs, since the same user may be evaluated with different roles.
func cacheSubject(flagName string, subj Subject) string {
	d := xxhash.New()
	for _, set := range [][]string{subj.Roles, subj.Cohorts} {
		sorted := slices.Clone(set)
		slices.Sort(sorted)
		for _, s := range slices.Compact(sorted) {
			_, _ = d.WriteString(s)
			_, _ = d.Write([]byte{0})
		}
		_, _ = d.Write([]byte{1})
	}
	return "flag:" + flagName + ":" + strconv.FormatUint(d.Sum64(), 16)
}

func flagsStamp(rev int64) string {
	return "flags:" + strconv.FormatInt(rev, 10)
}

func evaluationSeverity(e Evaluation) audit.Severity {
	switch {
	case e.failedClosed():
		return audit.SeverityCritical
	case e.Reason == ReasonFlagNotFound:
		return audit.SeverityWarning
	default:
		return audit.SeverityInfo
	}
}

func cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil && errors.Is(err, context.Canceled) {
		return oops.In("flags").Code(errutil.CodeCancelled).Wrap(err)
	}
	return nil
}

func deadlineAware(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(err, context.DeadlineExceeded)
	}
	return err
}
