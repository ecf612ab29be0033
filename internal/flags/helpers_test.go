// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package flags

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/samber/oops"
	"github.com/stretchr/testify/require"

	"github.com/holomush/gatekeeper/internal/audit"
	"github.com/holomush/gatekeeper/pkg/errutil"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func newAuditLog(t *testing.T) (*audit.Logger, *audit.MemoryWriter) {
	t.Helper()
	w := audit.NewMemoryWriter()
	l, err := audit.NewLogger(w, audit.WithClock(fixedClock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, w
}

func auditEntries(t *testing.T, w *audit.MemoryWriter, types ...audit.EventType) []audit.Entry {
	t.Helper()
	res, err := w.Query(context.Background(), audit.Filter{EventTypes: types}, audit.Page{Limit: audit.MaxPageSize})
	require.NoError(t, err)
	return res.Entries
}

type failingAppender struct{}

func (failingAppender) Append(context.Context, audit.Entry) (audit.Entry, error) {
	return audit.Entry{}, oops.In("audit").Code(errutil.CodeAuditWriteFailed).Errorf("audit backend down")
}

type slowStore struct {
	*MemoryStore
}

func (slowStore) Snapshot(ctx context.Context, _ string) (*Snapshot, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type brokenStore struct {
	*MemoryStore
}

func (brokenStore) Revision(context.Context) (int64, error) {
	return 0, errors.New("connection reset by peer")
}

// racingStore loses the first conflicts PutFlag calls to a concurrent writer.
type racingStore struct {
	*MemoryStore
	conflicts int
	calls     int
}

func (s *racingStore) PutFlag(ctx context.Context, f *FeatureFlag, expected int64) error {
	s.calls++
	if s.calls <= s.conflicts {
		return versionConflict(f.Name, expected, expected+1)
	}
	return s.MemoryStore.PutFlag(ctx, f, expected)
}
