// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package rbac

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/samber/oops"
	"github.com/stretchr/testify/require"

	"github.com/holomush/gatekeeper/internal/audit"
	"github.com/holomush/gatekeeper/pkg/errutil"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

// newAuditLog returns a synchronous audit logger and the writer behind it.
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

// failingAppender rejects every entry the way a broken audit backend would.
type failingAppender struct{}

func (failingAppender) Append(context.Context, audit.Entry) (audit.Entry, error) {
	return audit.Entry{}, oops.In("audit").Code(errutil.CodeAuditWriteFailed).Errorf("audit backend down")
}

// slowStore blocks snapshot reads until the caller's deadline passes.
type slowStore struct {
	*MemoryStore
}

func (s slowStore) Snapshot(ctx context.Context, _ string) (*Snapshot, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// brokenStore fails every revision read.
type brokenStore struct {
	*MemoryStore
}

func (brokenStore) Revision(context.Context) (int64, error) {
	return 0, errors.New("connection reset by peer")
}

// conflictingStore reports a version conflict on the first conflicts calls to
// PutAssignment.
type conflictingStore struct {
	*MemoryStore
	conflicts atomic.Int32
	calls     atomic.Int32
}

func (s *conflictingStore) PutAssignment(ctx context.Context, a *RoleAssignment, expected int64) error {
	s.calls.Add(1)
	if s.conflicts.Add(-1) >= 0 {
		return versionConflict("user_id", a.UserID, expected, expected+1)
	}
	return s.MemoryStore.PutAssignment(ctx, a, expected)
}

// seedRoles registers the catalog and creates editor, viewer and admin roles.
func seedRoles(t *testing.T, svc *Service) map[string]*Role {
	t.Helper()
	ctx := context.Background()
	for _, p := range []string{"documents:read", "documents:write", "documents:delete", "reports:read"} {
		perm := MustParsePermission(p)
		require.NoError(t, svc.RegisterPermission(ctx, "system", CatalogEntry{Resource: perm.Resource, Action: perm.Action}))
	}
	specs := []RoleSpec{
		{Name: "admin", Permissions: []string{"*:*"}, IsSystem: true},
		{Name: "editor", Permissions: []string{"documents:read", "documents:write"}},
		{Name: "viewer", Permissions: []string{"documents:read", "reports:read"}},
		{Name: "doc-owner", Permissions: []string{"documents:*"}},
	}
	roles := make(map[string]*Role, len(specs))
	for _, spec := range specs {
		r, err := svc.CreateRole(ctx, "system", spec)
		require.NoError(t, err)
		roles[r.Name] = r
	}
	return roles
}
