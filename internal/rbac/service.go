// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package rbac

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/holomush/gatekeeper/internal/audit"
	"github.com/holomush/gatekeeper/pkg/errutil"
)

// Audit resource types written by the service.
const (
	auditResourceRole       = "role"
	auditResourcePermission = "permission"
)

// Revoke outcomes recorded in role_revoked audit details.
const (
	RevokeOutcomeRevoked = "revoked"
	RevokeOutcomeAbsent  = "absent"
)

// RoleSpec describes a role to create.
type RoleSpec struct {
	Name        string
	Description string
	Permissions []string
	IsSystem    bool
}

// Service owns role, assignment and catalog mutations. Every mutation writes
// one audit entry inside the same store transaction; if the entry cannot be
// written the mutation is rolled back and AUDIT_WRITE_FAILED is returned.
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

// withRetry re-runs op on VERSION_CONFLICT with bounded exponential backoff.
// The conflict is returned once retries are exhausted.
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
		return oops.In("rbac").With("event_type", entry.EventType).Wrap(err)
	}
	return nil
}

// GrantRole assigns roleID to userID until expiresAt (nil for no expiry).
// Granting an existing assignment updates its expiry and grantor in place and
// keeps the original AssignedAt.
func (s *Service) GrantRole(ctx context.Context, userID, roleID, grantedBy string, expiresAt *time.Time) (*RoleAssignment, error) {
	if userID == "" || roleID == "" {
		return nil, oops.In("rbac").Code(errutil.CodeInvalidRequest).Errorf("user id and role id are required")
	}
	now := s.opts.now()
	if expiresAt != nil && !expiresAt.After(now) {
		return nil, oops.In("rbac").
			Code(errutil.CodeInvalidExpiry).
			With("expires_at", *expiresAt).
			Errorf("expiry must be in the future")
	}

	var result *RoleAssignment
	err := s.withRetry(ctx, "grant_role", func(ctx context.Context) error {
		return s.store.InTransaction(ctx, func(ctx context.Context) error {
			role, err := s.store.GetRole(ctx, roleID)
			if err != nil {
				return err
			}

			a := &RoleAssignment{
				UserID:     userID,
				RoleID:     roleID,
				AssignedAt: now,
				AssignedBy: grantedBy,
				ExpiresAt:  expiresAt,
			}
			var expected int64
			existing, err := s.store.GetAssignment(ctx, userID, roleID)
			switch {
			case err == nil:
				expected = existing.Version
				a.AssignedAt = existing.AssignedAt
			case !errutil.IsNotFound(err):
				return err
			}

			if err := s.store.PutAssignment(ctx, a, expected); err != nil {
				return err
			}

			details := map[string]any{
				"user_id":   userID,
				"role_name": role.Name,
				"regrant":   existing != nil,
			}
			if existing != nil {
				details["previous_assigned_by"] = existing.AssignedBy
			}
			if expiresAt != nil {
				details["expires_at"] = expiresAt.UTC().Format(time.RFC3339Nano)
			}
			if err := s.record(ctx, audit.Entry{
				PrincipalID:  grantedBy,
				EventType:    audit.EventRoleAssigned,
				ResourceType: auditResourceRole,
				ResourceID:   roleID,
				Action:       "assign",
				Details:      details,
				Severity:     audit.SeverityInfo,
			}); err != nil {
				return err
			}
			result = a
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RevokeRole removes roleID from userID. Revoking an absent assignment is not
// an error; the attempt is still audited with outcome "absent".
func (s *Service) RevokeRole(ctx context.Context, userID, roleID, revokedBy string) error {
	if userID == "" || roleID == "" {
		return oops.In("rbac").Code(errutil.CodeInvalidRequest).Errorf("user id and role id are required")
	}

	return s.store.InTransaction(ctx, func(ctx context.Context) error {
		deleted, err := s.store.DeleteAssignment(ctx, userID, roleID)
		if err != nil {
			return err
		}

		outcome, severity := RevokeOutcomeRevoked, audit.SeverityInfo
		if !deleted {
			outcome, severity = RevokeOutcomeAbsent, audit.SeverityWarning
		}
		return s.record(ctx, audit.Entry{
			PrincipalID:  revokedBy,
			EventType:    audit.EventRoleRevoked,
			ResourceType: auditResourceRole,
			ResourceID:   roleID,
			Action:       "revoke",
			Details:      map[string]any{"user_id": userID, "outcome": outcome},
			Severity:     severity,
		})
	})
}

// ListEffectiveRoles returns the roles userID holds at now. Expired
// assignments are excluded. Nothing is audited.
func (s *Service) ListEffectiveRoles(ctx context.Context, userID string, now time.Time) ([]*Role, error) {
	snap, err := s.store.Snapshot(ctx, userID)
	if err != nil {
		return nil, err //nolint:wrapcheck // store errors carry their own context
	}
	return snap.EffectiveRoles(now), nil
}

// CreateRole creates a role. Concrete permissions must be registered in the
// catalog; wildcard permissions are exempt. A system role's permissions
// become its minimum.
func (s *Service) CreateRole(ctx context.Context, actor string, spec RoleSpec) (*Role, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, oops.In("rbac").Code(errutil.CodeInvalidRequest).Errorf("role name is required")
	}
	perms, err := ParsePermissions(spec.Permissions)
	if err != nil {
		return nil, err
	}

	now := s.opts.now()
	role := &Role{
		ID:          ulid.Make().String(),
		Name:        name,
		Description: spec.Description,
		Permissions: perms,
		IsSystem:    spec.IsSystem,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if spec.IsSystem {
		role.MinimumPermissions = perms
	}

	err = s.store.InTransaction(ctx, func(ctx context.Context) error {
		if err := s.checkCatalog(ctx, perms); err != nil {
			return err
		}
		if err := s.store.CreateRole(ctx, role); err != nil {
			return err
		}
		return s.record(ctx, audit.Entry{
			PrincipalID:  actor,
			EventType:    audit.EventRoleCreated,
			ResourceType: auditResourceRole,
			ResourceID:   role.ID,
			Action:       "create",
			Details: map[string]any{
				"name":        role.Name,
				"permissions": PermissionStrings(perms),
				"is_system":   role.IsSystem,
			},
			Severity: audit.SeverityInfo,
		})
	})
	if err != nil {
		return nil, err
	}
	return role, nil
}

// UpdateRolePermissions replaces a role's permission set. A system role must
// keep every permission in its minimum.
func (s *Service) UpdateRolePermissions(ctx context.Context, actor, roleID string, permissions []string) (*Role, error) {
	perms, err := ParsePermissions(permissions)
	if err != nil {
		return nil, err
	}

	var result *Role
	err = s.withRetry(ctx, "update_role", func(ctx context.Context) error {
		return s.store.InTransaction(ctx, func(ctx context.Context) error {
			role, err := s.store.GetRole(ctx, roleID)
			if err != nil {
				return err
			}
			if role.IsSystem {
				if missing := uncovered(role.MinimumPermissions, perms); len(missing) > 0 {
					return oops.In("rbac").
						Code(errutil.CodeSystemRoleProtected).
						With("role", role.Name).
						With("missing", PermissionStrings(missing)).
						Errorf("system role cannot be narrowed below its minimum permissions")
				}
			}
			if err := s.checkCatalog(ctx, perms); err != nil {
				return err
			}

			added, removed := diffPermissions(role.Permissions, perms)
			expected := role.Version
			role.Permissions = perms
			role.UpdatedAt = s.opts.now()
			if err := s.store.UpdateRole(ctx, role, expected); err != nil {
				return err
			}
			if err := s.record(ctx, audit.Entry{
				PrincipalID:  actor,
				EventType:    audit.EventRoleUpdated,
				ResourceType: auditResourceRole,
				ResourceID:   role.ID,
				Action:       "update",
				Details: map[string]any{
					"name":    role.Name,
					"added":   PermissionStrings(added),
					"removed": PermissionStrings(removed),
					"version": role.Version,
				},
				Severity: audit.SeverityInfo,
			}); err != nil {
				return err
			}
			result = role
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteRole removes a non-system role along with its assignments.
func (s *Service) DeleteRole(ctx context.Context, actor, roleID string) error {
	return s.withRetry(ctx, "delete_role", func(ctx context.Context) error {
		return s.store.InTransaction(ctx, func(ctx context.Context) error {
			role, err := s.store.GetRole(ctx, roleID)
			if err != nil {
				return err
			}
			if role.IsSystem {
				return oops.In("rbac").
					Code(errutil.CodeSystemRoleProtected).
					With("role", role.Name).
					Errorf("system roles cannot be deleted")
			}
			if err := s.store.DeleteRole(ctx, roleID, role.Version); err != nil {
				return err
			}
			return s.record(ctx, audit.Entry{
				PrincipalID:  actor,
				EventType:    audit.EventRoleDeleted,
				ResourceType: auditResourceRole,
				ResourceID:   roleID,
				Action:       "delete",
				Details:      map[string]any{"name": role.Name},
				Severity:     audit.SeverityWarning,
			})
		})
	})
}

// RegisterPermission adds resource:action to the catalog, or updates its
// description.
func (s *Service) RegisterPermission(ctx context.Context, actor string, entry CatalogEntry) error {
	p, err := ParsePermission(entry.Resource + ":" + entry.Action)
	if err != nil {
		return err
	}
	if p.Kind != KindExact {
		return oops.In("rbac").
			Code(errutil.CodeInvalidPermission).
			With("permission", p.String()).
			Errorf("catalog entries must be concrete resource:action pairs")
	}

	return s.store.InTransaction(ctx, func(ctx context.Context) error {
		if err := s.store.PutCatalogEntry(ctx, entry); err != nil {
			return err
		}
		return s.record(ctx, audit.Entry{
			PrincipalID:  actor,
			EventType:    audit.EventPermissionRegistered,
			ResourceType: auditResourcePermission,
			ResourceID:   p.String(),
			Action:       "register",
			Details:      map[string]any{"description": entry.Description},
			Severity:     audit.SeverityInfo,
		})
	})
}

// ListCatalog lists registered permissions, optionally for one resource.
func (s *Service) ListCatalog(ctx context.Context, resource string) ([]CatalogEntry, error) {
	return s.store.ListCatalog(ctx, resource) //nolint:wrapcheck // store errors carry their own context
}

// GetRole returns a role by id.
func (s *Service) GetRole(ctx context.Context, id string) (*Role, error) {
	return s.store.GetRole(ctx, id) //nolint:wrapcheck // store errors carry their own context
}

// GetRoleByName returns a role by name.
func (s *Service) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	return s.store.GetRoleByName(ctx, name) //nolint:wrapcheck // store errors carry their own context
}

// ListRoles returns every role.
func (s *Service) ListRoles(ctx context.Context) ([]*Role, error) {
	return s.store.ListRoles(ctx) //nolint:wrapcheck // store errors carry their own context
}

// ListAssignments returns userID's assignments, expired ones included.
func (s *Service) ListAssignments(ctx context.Context, userID string) ([]RoleAssignment, error) {
	return s.store.ListAssignments(ctx, userID) //nolint:wrapcheck // store errors carry their own context
}

// checkCatalog fails with INVALID_PERMISSION for concrete permissions that
// are not registered.
func (s *Service) checkCatalog(ctx context.Context, perms []Permission) error {
	for _, p := range perms {
		if p.Kind != KindExact {
			continue
		}
		_, err := s.store.GetCatalogEntry(ctx, p.Resource, p.Action)
		if errutil.IsNotFound(err) {
			return oops.In("rbac").
				Code(errutil.CodeInvalidPermission).
				With("permission", p.String()).
				Errorf("permission %q is not in the catalog", p.String())
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// uncovered returns the members of required that no permission in granted
// includes.
func uncovered(required, granted []Permission) []Permission {
	var missing []Permission
	for _, req := range required {
		covered := false
		for _, g := range granted {
			if g.Includes(req) {
				covered = true
				break
			}
		}
		if !covered {
			missing = append(missing, req)
		}
	}
	return missing
}

func diffPermissions(before, after []Permission) (added, removed []Permission) {
	for _, p := range after {
		if !slices.Contains(before, p) {
			added = append(added, p)
		}
	}
	for _, p := range before {
		if !slices.Contains(after, p) {
			removed = append(removed, p)
		}
	}
	return added, removed
}
