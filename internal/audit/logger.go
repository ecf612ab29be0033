// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package audit

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/gatekeeper/internal/store"
	"github.com/holomush/gatekeeper/internal/xdg"
	"github.com/holomush/gatekeeper/pkg/errutil"
)

// Mode controls how appends reach durable storage.
type Mode string

// Audit write modes.
const (
	// ModeSync writes each entry through to the Writer before returning. When
	// a WAL path is configured, entries the Writer rejects land in the WAL and
	// are retried by the background flusher.
	ModeSync Mode = "sync"
	// ModeWriteAhead fsyncs each entry to the WAL and acknowledges it; the
	// background flusher moves WAL entries to the Writer in batches.
	ModeWriteAhead Mode = "write_ahead"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeSync || m == ModeWriteAhead
}

// Defaults for Logger options.
const (
	DefaultBatchSize     = 100
	DefaultFlushInterval = time.Second
	DefaultWriteTimeout  = 5 * time.Second
)

// Option configures a Logger.
type Option func(*Logger)

// WithMode sets the write mode. Defaults to ModeSync.
func WithMode(mode Mode) Option {
	return func(l *Logger) { l.mode = mode }
}

// WithWALPath sets the write-ahead log location. ModeWriteAhead falls back to
// the XDG state directory when unset.
func WithWALPath(path string) Option {
	return func(l *Logger) { l.walPath = path }
}

// WithBatchSize sets how many WAL entries trigger an early flush.
func WithBatchSize(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.batchSize = n
		}
	}
}

// WithFlushInterval sets the background flush period.
func WithFlushInterval(d time.Duration) Option {
	return func(l *Logger) {
		if d > 0 {
			l.flushInterval = d
		}
	}
}

// WithWriteTimeout bounds a single Writer call.
func WithWriteTimeout(d time.Duration) Option {
	return func(l *Logger) {
		if d > 0 {
			l.writeTimeout = d
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// Logger is the single entry point for appending and reading audit entries.
// Append returns only after the entry is durable, either in the Writer or in
// the fsynced WAL.
type Logger struct {
	mode          Mode
	writer        Writer
	walPath       string
	batchSize     int
	flushInterval time.Duration
	writeTimeout  time.Duration
	now           func() time.Time

	walMu   sync.Mutex
	walFile *os.File
	pending []Entry

	flushMu sync.Mutex
	kick    chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// NewLogger creates a Logger over writer. A background flusher runs whenever a
// WAL is in use; call Close to drain it.
func NewLogger(writer Writer, opts ...Option) (*Logger, error) {
	l := &Logger{
		mode:          ModeSync,
		writer:        writer,
		batchSize:     DefaultBatchSize,
		flushInterval: DefaultFlushInterval,
		writeTimeout:  DefaultWriteTimeout,
		now:           time.Now,
		kick:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	if writer == nil {
		return nil, oops.In("audit").Code(errutil.CodeInvalidRequest).Errorf("audit writer is required")
	}
	if !l.mode.Valid() {
		return nil, oops.In("audit").Code(errutil.CodeInvalidRequest).With("mode", l.mode).Errorf("unknown audit mode")
	}
	if l.mode == ModeWriteAhead && l.walPath == "" {
		l.walPath = filepath.Join(xdg.StateDir(), "audit-wal.jsonl")
	}

	if l.walPath != "" {
		l.wg.Add(1)
		go l.flushLoop()
	}
	return l, nil
}

// Append durably records entry and returns it with ID, Timestamp and Severity
// filled in. Any failure is reported as AUDIT_WRITE_FAILED and nothing is
// considered written. If ctx is already cancelled the entry is not written;
// once writing starts it runs to completion regardless of ctx.
//
// Inside a store transaction the entry is written through the transaction in
// every mode and never reaches the WAL, so it commits or rolls back with the
// surrounding mutation.
func (l *Logger) Append(ctx context.Context, entry Entry) (Entry, error) {
	if err := ctx.Err(); err != nil && errors.Is(err, context.Canceled) {
		return Entry{}, oops.In("audit").Code(errutil.CodeCancelled).Wrap(err)
	}
	if l.closed.Load() {
		return Entry{}, l.writeFailed(entry, errors.New("audit logger closed"))
	}
	if entry.EventType == "" {
		return Entry{}, oops.In("audit").Code(errutil.CodeInvalidRequest).Errorf("event type is required")
	}
	if entry.Severity == "" {
		entry.Severity = SeverityInfo
	}
	if !entry.Severity.Valid() {
		return Entry{}, oops.In("audit").Code(errutil.CodeInvalidRequest).With("severity", entry.Severity).Errorf("unknown severity")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now()
	}
	entry.Timestamp = entry.Timestamp.UTC()
	entry.Details = maps.Clone(entry.Details)

	var err error
	switch {
	case store.HasTx(ctx):
		entry, err = l.appendSync(context.WithoutCancel(ctx), entry, false)
	case l.mode == ModeWriteAhead:
		entry, err = l.appendWriteAhead(entry)
	default:
		entry, err = l.appendSync(context.WithoutCancel(ctx), entry, l.walPath != "")
	}
	if err != nil {
		return Entry{}, err
	}

	appendsCounter.WithLabelValues(string(entry.EventType), string(entry.Severity)).Inc()
	return entry, nil
}

func (l *Logger) appendWriteAhead(entry Entry) (Entry, error) {
	l.walMu.Lock()
	entry.ID = ulid.Make().String()
	err := l.appendWAL(entry)
	if err == nil {
		l.pending = append(l.pending, entry)
	}
	n := len(l.pending)
	l.walMu.Unlock()

	if err != nil {
		failuresCounter.WithLabelValues("wal_failed").Inc()
		return Entry{}, l.writeFailed(entry, err)
	}

	walEntriesGauge.Set(float64(n))
	if n >= l.batchSize {
		l.signalFlush()
	}
	return entry, nil
}

func (l *Logger) appendSync(ctx context.Context, entry Entry, walFallback bool) (Entry, error) {
	entry.ID = ulid.Make().String()

	writeCtx, cancel := context.WithTimeout(ctx, l.writeTimeout)
	defer cancel()
	writeErr := l.writer.Write(writeCtx, []Entry{entry})
	if writeErr == nil {
		return entry, nil
	}
	failuresCounter.WithLabelValues("writer_failed").Inc()

	if !walFallback {
		return Entry{}, l.writeFailed(entry, writeErr)
	}

	// Fall back to the WAL; the flusher retries the Writer later.
	l.walMu.Lock()
	walErr := l.appendWAL(entry)
	if walErr == nil {
		l.pending = append(l.pending, entry)
	}
	n := len(l.pending)
	l.walMu.Unlock()

	if walErr != nil {
		failuresCounter.WithLabelValues("wal_failed").Inc()
		slog.ErrorContext(ctx, "audit write failed: both writer and WAL failed",
			"writer_error", writeErr,
			"wal_error", walErr,
			"event_type", entry.EventType,
			"principal_id", entry.PrincipalID,
		)
		return Entry{}, l.writeFailed(entry, errors.Join(writeErr, walErr))
	}

	walEntriesGauge.Set(float64(n))
	slog.WarnContext(ctx, "audit writer failed, entry held in WAL",
		"error", writeErr,
		"entry_id", entry.ID,
	)
	return entry, nil
}

func (l *Logger) writeFailed(entry Entry, err error) error {
	return oops.In("audit").
		Code(errutil.CodeAuditWriteFailed).
		With("event_type", entry.EventType).
		With("principal_id", entry.PrincipalID).
		Wrap(err)
}

func (l *Logger) signalFlush() {
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

// Flush moves every WAL-held entry to the Writer and trims the WAL. Entries
// appended while a flush is running are kept for the next one.
func (l *Logger) Flush(ctx context.Context) error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	l.walMu.Lock()
	batch := slices.Clone(l.pending)
	l.walMu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	for chunk := range slices.Chunk(batch, l.batchSize) {
		writeCtx, cancel := context.WithTimeout(ctx, l.writeTimeout)
		err := l.writer.Write(writeCtx, chunk)
		cancel()
		if err != nil {
			failuresCounter.WithLabelValues("flush_failed").Inc()
			return oops.In("audit").With("batch_size", len(chunk)).Wrap(err)
		}
	}
	flushDuration.Observe(time.Since(start).Seconds())

	l.walMu.Lock()
	defer l.walMu.Unlock()
	l.pending = slices.Clone(l.pending[len(batch):])
	walEntriesGauge.Set(float64(len(l.pending)))
	if err := l.rewriteWAL(l.pending); err != nil {
		// Flushed entries may be replayed again; Writer.Write is idempotent on ID.
		failuresCounter.WithLabelValues("wal_rewrite_failed").Inc()
		slog.Warn("failed to trim WAL after flush", "path", l.walPath, "error", err)
	}
	return nil
}

func (l *Logger) flushLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if err := l.Flush(context.Background()); err != nil {
			errutil.LogError(slog.Default(), "audit WAL flush failed", err)
		}
	}

	for {
		select {
		case <-ticker.C:
			flush()
		case <-l.kick:
			flush()
		case <-l.stop:
			flush()
			return
		}
	}
}

// ReplayWAL loads entries left in the WAL by a previous process and flushes
// them to the Writer. Call it once at startup, before serving decisions.
func (l *Logger) ReplayWAL(ctx context.Context) error {
	if l.walPath == "" {
		return nil
	}

	l.walMu.Lock()
	stored, err := readWAL(l.walPath)
	if err != nil {
		l.walMu.Unlock()
		return oops.In("audit").With("operation", "replay WAL").Wrap(err)
	}
	known := make(map[string]struct{}, len(l.pending))
	for _, e := range l.pending {
		known[e.ID] = struct{}{}
	}
	var recovered []Entry
	for _, e := range stored {
		if _, ok := known[e.ID]; !ok {
			recovered = append(recovered, e)
		}
	}
	l.pending = append(recovered, l.pending...)
	walEntriesGauge.Set(float64(len(l.pending)))
	l.walMu.Unlock()

	if len(recovered) > 0 {
		slog.InfoContext(ctx, "replaying audit WAL", "count", len(recovered), "path", l.walPath)
	}
	return l.Flush(ctx)
}

// Query returns one page of entries matching filter, oldest first. WAL-held
// entries are flushed first so a caller sees its own appends.
func (l *Logger) Query(ctx context.Context, filter Filter, page Page) (Result, error) {
	if l.walPath != "" {
		if err := l.Flush(ctx); err != nil {
			errutil.LogErrorContext(ctx, slog.Default(), "audit flush before query failed", err)
		}
	}
	res, err := l.writer.Query(ctx, filter, page.Normalize())
	if err != nil {
		return Result{}, oops.In("audit").With("operation", "query").Wrap(err)
	}
	return res, nil
}

// Stream yields every entry matching filter, oldest first, fetching pageSize
// entries at a time. Iteration stops at the first error.
func (l *Logger) Stream(ctx context.Context, filter Filter, pageSize int) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		page := Page{Limit: pageSize}
		for {
			res, err := l.Query(ctx, filter, page)
			if err != nil {
				yield(Entry{}, err)
				return
			}
			for _, e := range res.Entries {
				if !yield(e, nil) {
					return
				}
			}
			if res.NextCursor == "" {
				return
			}
			page.After = res.NextCursor
		}
	}
}

// Pending returns the number of entries held in the WAL awaiting flush.
func (l *Logger) Pending() int {
	l.walMu.Lock()
	defer l.walMu.Unlock()
	return len(l.pending)
}

// Close stops the flusher after a final flush, then closes the Writer and WAL.
// Entries that could not be flushed stay in the WAL for ReplayWAL.
func (l *Logger) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(l.stop)
	l.wg.Wait()

	var errs []error
	if err := l.writer.Close(); err != nil {
		errs = append(errs, err)
	}

	l.walMu.Lock()
	defer l.walMu.Unlock()
	if n := len(l.pending); n > 0 {
		slog.Warn("audit entries left in WAL for replay", "count", n, "path", l.walPath)
	}
	if l.walFile != nil {
		if err := l.walFile.Close(); err != nil {
			errs = append(errs, err)
		}
		l.walFile = nil
	}

	if len(errs) > 0 {
		return oops.In("audit").With("operation", "close").Wrap(errors.Join(errs...))
	}
	return nil
}
