// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package rbac

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
)

// memState is an immutable generation of MemoryStore data. Writers build a
// new generation and publish it with a pointer swap; readers never lock.
type memState struct {
	revision    int64
	roles       map[string]*Role
	roleByName  map[string]string
	assignments map[string]map[string]RoleAssignment
	catalog     map[string]CatalogEntry
}

func (s *memState) clone() *memState {
	c := &memState{
		revision:    s.revision,
		roles:       maps.Clone(s.roles),
		roleByName:  maps.Clone(s.roleByName),
		assignments: make(map[string]map[string]RoleAssignment, len(s.assignments)),
		catalog:     maps.Clone(s.catalog),
	}
	for user, byRole := range s.assignments {
		c.assignments[user] = maps.Clone(byRole)
	}
	return c
}

type memTxKey struct{}

// MemoryStore is an in-process Store. Roles are stored as private copies and
// returned as copies, so callers can never mutate shared state.
type MemoryStore struct {
	state   atomic.Pointer[memState]
	writeMu sync.Mutex
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	s.state.Store(&memState{
		roles:       map[string]*Role{},
		roleByName:  map[string]string{},
		assignments: map[string]map[string]RoleAssignment{},
		catalog:     map[string]CatalogEntry{},
	})
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

	staged := s.state.Load().clone()
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

func (s *MemoryStore) write(ctx context.Context, fn func(st *memState) error) error {
	return s.InTransaction(ctx, func(ctx context.Context) error {
		st := s.read(ctx)
		if err := fn(st); err != nil {
			return err
		}
		st.revision++
		return nil
	})
}

// Revision returns the current store revision.
func (s *MemoryStore) Revision(ctx context.Context) (int64, error) {
	return s.read(ctx).revision, nil
}

// Snapshot returns all of userID's grants, expired or not.
func (s *MemoryStore) Snapshot(ctx context.Context, userID string) (*Snapshot, error) {
	st := s.read(ctx)
	snap := &Snapshot{Revision: st.revision, UserID: userID}
	for roleID, a := range st.assignments[userID] {
		role, ok := st.roles[roleID]
		if !ok {
			continue
		}
		snap.Grants = append(snap.Grants, Grant{Assignment: a, Role: role.Clone()})
	}
	slices.SortFunc(snap.Grants, func(a, b Grant) int { return cmp.Compare(a.Role.Name, b.Role.Name) })
	return snap, nil
}

// CreateRole inserts role with version 1.
func (s *MemoryStore) CreateRole(ctx context.Context, role *Role) error {
	return s.write(ctx, func(st *memState) error {
		if _, taken := st.roleByName[role.Name]; taken {
			return duplicateRoleName(role.Name)
		}
		if _, taken := st.roles[role.ID]; taken {
			return versionConflict("role_id", role.ID, 0, st.roles[role.ID].Version)
		}
		role.Version = 1
		st.roles[role.ID] = role.Clone()
		st.roleByName[role.Name] = role.ID
		return nil
	})
}

// GetRole returns the role with id.
func (s *MemoryStore) GetRole(ctx context.Context, id string) (*Role, error) {
	role, ok := s.read(ctx).roles[id]
	if !ok {
		return nil, roleNotFound("role_id", id)
	}
	return role.Clone(), nil
}

// GetRoleByName returns the role called name.
func (s *MemoryStore) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	st := s.read(ctx)
	id, ok := st.roleByName[name]
	if !ok {
		return nil, roleNotFound("name", name)
	}
	return st.roles[id].Clone(), nil
}

// ListRoles returns every role ordered by name.
func (s *MemoryStore) ListRoles(ctx context.Context) ([]*Role, error) {
	st := s.read(ctx)
	roles := make([]*Role, 0, len(st.roles))
	for _, r := range st.roles {
		roles = append(roles, r.Clone())
	}
	slices.SortFunc(roles, func(a, b *Role) int { return cmp.Compare(a.Name, b.Name) })
	return roles, nil
}

// UpdateRole replaces a role if its version matches expectedVersion.
func (s *MemoryStore) UpdateRole(ctx context.Context, role *Role, expectedVersion int64) error {
	return s.write(ctx, func(st *memState) error {
		current, ok := st.roles[role.ID]
		if !ok {
			return roleNotFound("role_id", role.ID)
		}
		if current.Version != expectedVersion {
			return versionConflict("role_id", role.ID, expectedVersion, current.Version)
		}
		if role.Name != current.Name {
			if _, taken := st.roleByName[role.Name]; taken {
				return duplicateRoleName(role.Name)
			}
			delete(st.roleByName, current.Name)
			st.roleByName[role.Name] = role.ID
		}
		role.Version = expectedVersion + 1
		st.roles[role.ID] = role.Clone()
		return nil
	})
}

// DeleteRole removes a role and every assignment of it.
func (s *MemoryStore) DeleteRole(ctx context.Context, id string, expectedVersion int64) error {
	return s.write(ctx, func(st *memState) error {
		current, ok := st.roles[id]
		if !ok {
			return roleNotFound("role_id", id)
		}
		if current.Version != expectedVersion {
			return versionConflict("role_id", id, expectedVersion, current.Version)
		}
		delete(st.roles, id)
		delete(st.roleByName, current.Name)
		for user, byRole := range st.assignments {
			delete(byRole, id)
			if len(byRole) == 0 {
				delete(st.assignments, user)
			}
		}
		return nil
	})
}

// GetAssignment returns the assignment of roleID to userID.
func (s *MemoryStore) GetAssignment(ctx context.Context, userID, roleID string) (*RoleAssignment, error) {
	a, ok := s.read(ctx).assignments[userID][roleID]
	if !ok {
		return nil, assignmentNotFound(userID, roleID)
	}
	return &a, nil
}

// PutAssignment inserts or replaces an assignment under optimistic locking.
func (s *MemoryStore) PutAssignment(ctx context.Context, a *RoleAssignment, expectedVersion int64) error {
	return s.write(ctx, func(st *memState) error {
		if _, ok := st.roles[a.RoleID]; !ok {
			return roleNotFound("role_id", a.RoleID)
		}
		byRole := st.assignments[a.UserID]
		var actual int64
		if current, ok := byRole[a.RoleID]; ok {
			actual = current.Version
		}
		if actual != expectedVersion {
			return versionConflict("user_id", a.UserID, expectedVersion, actual)
		}
		if byRole == nil {
			byRole = map[string]RoleAssignment{}
			st.assignments[a.UserID] = byRole
		}
		a.Version = expectedVersion + 1
		byRole[a.RoleID] = *a
		return nil
	})
}

// DeleteAssignment removes an assignment, reporting whether one existed. A
// missing assignment leaves the revision untouched.
func (s *MemoryStore) DeleteAssignment(ctx context.Context, userID, roleID string) (bool, error) {
	if _, ok := s.read(ctx).assignments[userID][roleID]; !ok {
		return false, nil
	}
	var deleted bool
	err := s.write(ctx, func(st *memState) error {
		byRole := st.assignments[userID]
		if _, ok := byRole[roleID]; !ok {
			return nil
		}
		delete(byRole, roleID)
		if len(byRole) == 0 {
			delete(st.assignments, userID)
		}
		deleted = true
		return nil
	})
	return deleted, err
}

// ListAssignments returns every assignment held by userID, ordered by role id.
func (s *MemoryStore) ListAssignments(ctx context.Context, userID string) ([]RoleAssignment, error) {
	byRole := s.read(ctx).assignments[userID]
	out := make([]RoleAssignment, 0, len(byRole))
	for _, a := range byRole {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b RoleAssignment) int { return cmp.Compare(a.RoleID, b.RoleID) })
	return out, nil
}

func catalogKey(resource, action string) string {
	return resource + ":" + action
}

// PutCatalogEntry registers or re-describes a catalog entry.
func (s *MemoryStore) PutCatalogEntry(ctx context.Context, entry CatalogEntry) error {
	return s.write(ctx, func(st *memState) error {
		st.catalog[catalogKey(entry.Resource, entry.Action)] = entry
		return nil
	})
}

// GetCatalogEntry returns the catalog entry for resource:action.
func (s *MemoryStore) GetCatalogEntry(ctx context.Context, resource, action string) (*CatalogEntry, error) {
	entry, ok := s.read(ctx).catalog[catalogKey(resource, action)]
	if !ok {
		return nil, catalogNotFound(resource, action)
	}
	return &entry, nil
}

// ListCatalog returns catalog entries, restricted to resource when non-empty.
func (s *MemoryStore) ListCatalog(ctx context.Context, resource string) ([]CatalogEntry, error) {
	st := s.read(ctx)
	out := make([]CatalogEntry, 0, len(st.catalog))
	for _, e := range st.catalog {
		if resource == "" || e.Resource == resource {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b CatalogEntry) int {
		return cmp.Compare(catalogKey(a.Resource, a.Action), catalogKey(b.Resource, b.Action))
	})
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
