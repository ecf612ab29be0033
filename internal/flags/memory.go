// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package flags

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
)

type memState struct {
	revision int64
	flags    map[string]*FeatureFlag
}

type memTxKey struct{}

// MemoryStore is an in-process Store. Readers load an immutable generation
// without locking; writers stage a copy and publish it on success.
type MemoryStore struct {
	state   atomic.Pointer[memState]
	writeMu sync.Mutex
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	s.state.Store(&memState{flags: map[string]*FeatureFlag{}})
	return s
}

// InTransaction stages writes on a private generation and publishes it when
// fn succeeds.
func (s *MemoryStore) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(memTxKey{}).(*memState); ok {
		return fn(ctx)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := s.state.Load()
	staged := &memState{revision: cur.revision, flags: maps.Clone(cur.flags)}
	if err := fn(context.WithValue(ctx, memTxKey{}, staged)); err != nil {
		return err
	}
	s.state.Store(staged)
	return nil
}

func (s *MemoryStore) read(ctx context.Context) *memState {
	if staged, ok := ctx.Value(memTxKey{}).(*memState); ok {
		return staged
	}
	return s.state.Load()
}

// Revision returns the current store revision.
func (s *MemoryStore) Revision(ctx context.Context) (int64, error) {
	return s.read(ctx).revision, nil
}

// Snapshot returns the flag called name together with the revision it was
// read at.
func (s *MemoryStore) Snapshot(ctx context.Context, name string) (*Snapshot, error) {
	st := s.read(ctx)
	return &Snapshot{Revision: st.revision, Flag: st.flags[name].Clone()}, nil
}

// GetFlag returns the flag called name.
func (s *MemoryStore) GetFlag(ctx context.Context, name string) (*FeatureFlag, error) {
	f, ok := s.read(ctx).flags[name]
	if !ok {
		return nil, flagNotFound(name)
	}
	return f.Clone(), nil
}

// ListFlags returns every flag ordered by name.
func (s *MemoryStore) ListFlags(ctx context.Context) ([]*FeatureFlag, error) {
	st := s.read(ctx)
	out := make([]*FeatureFlag, 0, len(st.flags))
	for _, f := range st.flags {
		out = append(out, f.Clone())
	}
	slices.SortFunc(out, func(a, b *FeatureFlag) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

// PutFlag inserts or replaces a flag under optimistic locking.
func (s *MemoryStore) PutFlag(ctx context.Context, flag *FeatureFlag, expectedVersion int64) error {
	return s.InTransaction(ctx, func(ctx context.Context) error {
		st := s.read(ctx)
		var actual int64
		if cur, ok := st.flags[flag.Name]; ok {
			actual = cur.Version
		}
		if actual != expectedVersion {
			return versionConflict(flag.Name, expectedVersion, actual)
		}
		flag.Version = expectedVersion + 1
		st.flags[flag.Name] = flag.Clone()
		st.revision++
		return nil
	})
}

// DeleteFlag removes a flag under optimistic locking.
func (s *MemoryStore) DeleteFlag(ctx context.Context, name string, expectedVersion int64) error {
	return s.InTransaction(ctx, func(ctx context.Context) error {
		st := s.read(ctx)
		cur, ok := st.flags[name]
		if !ok {
			return flagNotFound(name)
		}
		if cur.Version != expectedVersion {
			return versionConflict(name, expectedVersion, cur.Version)
		}
		delete(st.flags, name)
		st.revision++
		return nil
	})
}

var _ Store = (*MemoryStore)(nil)
