// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package rbac

import (
	"cmp"
	"context"
	"slices"
	"time"
)

// Role is a named set of permissions.
type Role struct {
	ID          string
	Name        string
	Description string
	Permissions []Permission
	IsSystem    bool
	// MinimumPermissions is the floor a system role may never be narrowed
	// below. It is fixed when the role is created.
	MinimumPermissions []Permission
	Version            int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Clone returns a deep copy of r.
func (r *Role) Clone() *Role {
	if r == nil {
		return nil
	}
	c := *r
	c.Permissions = slices.Clone(r.Permissions)
	c.MinimumPermissions = slices.Clone(r.MinimumPermissions)
	return &c
}

// RoleAssignment grants a role to a user, optionally until ExpiresAt.
type RoleAssignment struct {
	UserID     string
	RoleID     string
	AssignedAt time.Time
	AssignedBy string
	ExpiresAt  *time.Time
	Version    int64
}

// Effective reports whether the assignment grants its role at now.
func (a RoleAssignment) Effective(now time.Time) bool {
	return a.ExpiresAt == nil || a.ExpiresAt.After(now)
}

// CatalogEntry registers a concrete resource:action pair.
type CatalogEntry struct {
	Resource    string
	Action      string
	Description string
}

// Permission returns the entry as an exact Permission.
func (e CatalogEntry) Permission() Permission {
	return Permission{Resource: e.Resource, Action: e.Action, Kind: KindExact}
}

// Grant pairs an assignment with the role it grants.
type Grant struct {
	Assignment RoleAssignment
	Role       *Role
}

// Snapshot is an immutable, point-in-time view of one user's grants. Decisions
// are computed over a snapshot so concurrent writes cannot tear them.
type Snapshot struct {
	Revision int64
	UserID   string
	Grants   []Grant
}

// EffectiveRoles returns the roles granted at now, ordered by name.
func (s *Snapshot) EffectiveRoles(now time.Time) []*Role {
	roles := make([]*Role, 0, len(s.Grants))
	for _, g := range s.Grants {
		if g.Assignment.Effective(now) {
			roles = append(roles, g.Role)
		}
	}
	slices.SortFunc(roles, func(a, b *Role) int { return cmp.Compare(a.Name, b.Name) })
	return roles
}

// ValidUntil returns the earliest expiry among grants effective at now, or
// the zero time when none of them expire.
func (s *Snapshot) ValidUntil(now time.Time) time.Time {
	var until time.Time
	for _, g := range s.Grants {
		exp := g.Assignment.ExpiresAt
		if exp == nil || !exp.After(now) {
			continue
		}
		if until.IsZero() || exp.Before(until) {
			until = *exp
		}
	}
	return until
}

// Store persists roles, assignments and the permission catalog. Every
// mutation bumps the store revision, which stamps decision cache keys.
//
// Mutations are optimistic: methods taking expectedVersion fail with
// VERSION_CONFLICT when the stored version differs. An expectedVersion of 0
// means the record must not exist yet.
type Store interface {
	// InTransaction runs fn atomically. Mutations made through the ctx passed
	// to fn become visible together, or not at all if fn returns an error.
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error

	Revision(ctx context.Context) (int64, error)
	Snapshot(ctx context.Context, userID string) (*Snapshot, error)

	CreateRole(ctx context.Context, role *Role) error
	GetRole(ctx context.Context, id string) (*Role, error)
	GetRoleByName(ctx context.Context, name string) (*Role, error)
	ListRoles(ctx context.Context) ([]*Role, error)
	UpdateRole(ctx context.Context, role *Role, expectedVersion int64) error
	DeleteRole(ctx context.Context, id string, expectedVersion int64) error

	GetAssignment(ctx context.Context, userID, roleID string) (*RoleAssignment, error)
	PutAssignment(ctx context.Context, a *RoleAssignment, expectedVersion int64) error
	DeleteAssignment(ctx context.Context, userID, roleID string) (bool, error)
	ListAssignments(ctx context.Context, userID string) ([]RoleAssignment, error)

	PutCatalogEntry(ctx context.Context, entry CatalogEntry) error
	GetCatalogEntry(ctx context.Context, resource, action string) (*CatalogEntry, error)
	ListCatalog(ctx context.Context, resource string) ([]CatalogEntry, error)
}
