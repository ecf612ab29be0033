// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package engine

import (
	"context"
	"iter"
	"slices"
	"time"

	"github.com/samber/oops"

	"github.com/holomush/gatekeeper/internal/audit"
	"github.com/holomush/gatekeeper/internal/flags"
	"github.com/holomush/gatekeeper/internal/rbac"
	"github.com/holomush/gatekeeper/pkg/errutil"
)

// Admin resources and actions checked by the admin guard.
const (
	ResourceRoles       = "roles"
	ResourcePermissions = "permissions"
	ResourceFlags       = "flags"
	ResourceAudit       = "audit"

	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionAssign = "assign"
	ActionRevoke = "revoke"
	ActionRead   = "read"
	ActionWrite  = "write"
)

// AdminRoleName is the system role created by Bootstrap. It holds every
// admin permission.
const AdminRoleName = "gatekeeper-admin"

// AdminCatalog lists the catalog entries for the admin surface.
func AdminCatalog() []rbac.CatalogEntry {
	return []rbac.CatalogEntry{
		{Resource: ResourceRoles, Action: ActionCreate, Description: "Create roles"},
		{Resource: ResourceRoles, Action: ActionUpdate, Description: "Change role permissions"},
		{Resource: ResourceRoles, Action: ActionDelete, Description: "Delete roles"},
		{Resource: ResourceRoles, Action: ActionAssign, Description: "Grant roles to users"},
		{Resource: ResourceRoles, Action: ActionRevoke, Description: "Revoke roles from users"},
		{Resource: ResourceRoles, Action: ActionRead, Description: "List roles and assignments"},
		{Resource: ResourcePermissions, Action: ActionCreate, Description: "Register permissions"},
		{Resource: ResourcePermissions, Action: ActionRead, Description: "List the permission catalog"},
		{Resource: ResourceFlags, Action: ActionWrite, Description: "Create and update feature flags"},
		{Resource: ResourceFlags, Action: ActionDelete, Description: "Delete feature flags"},
		{Resource: ResourceFlags, Action: ActionRead, Description: "Read feature flags"},
		{Resource: ResourceAudit, Action: ActionRead, Description: "Query the audit log"},
	}
}

// AuditReader is the read side of the audit log.
type AuditReader interface {
	Query(ctx context.Context, filter audit.Filter, page audit.Page) (audit.Result, error)
	Stream(ctx context.Context, filter audit.Filter, pageSize int) iter.Seq2[audit.Entry, error]
}

// Admin wraps every administrative operation behind a permission check made
// by the engine's own resolver.
type Admin struct {
	resolver *rbac.Resolver
	roles    *rbac.Service
	flags    *flags.Service
	audit    AuditReader
	now      func() time.Time
}

// NewAdmin creates an Admin.
func NewAdmin(resolver *rbac.Resolver, roles *rbac.Service, flagSvc *flags.Service, auditLog AuditReader) *Admin {
	return &Admin{resolver: resolver, roles: roles, flags: flagSvc, audit: auditLog, now: time.Now}
}

// authorize fails with PERMISSION_DENIED unless actor may perform action on
// resource. The check itself is audited like any other.
func (a *Admin) authorize(ctx context.Context, actor, resource, action string) error {
	if isSystem(ctx, actor) {
		return nil
	}
	d, err := a.resolver.Check(ctx, actor, resource, action, a.now())
	if err != nil {
		return err //nolint:wrapcheck // resolver errors carry codes
	}
	if !d.Allowed {
		return oops.In("engine").
			Code(errutil.CodePermissionDenied).
			With("actor", actor).
			With("resource", resource).
			With("action", action).
			With("reason", string(d.Reason)).
			With("audit_id", d.AuditID).
			Errorf("%s may not %s %s", actor, action, resource)
	}
	return nil
}

// Bootstrap registers missing admin catalog entries and creates the admin
// role when it does not exist yet. It runs as SystemPrincipal.
func (a *Admin) Bootstrap(ctx context.Context) (*rbac.Role, error) {
	registered, err := a.roles.ListCatalog(ctx, "")
	if err != nil {
		return nil, err //nolint:wrapcheck // store errors carry their own context
	}
	for _, entry := range AdminCatalog() {
		if slices.Contains(registered, entry) {
			continue
		}
		if err := a.roles.RegisterPermission(ctx, SystemPrincipal, entry); err != nil {
			return nil, err //nolint:wrapcheck // service errors carry codes
		}
	}

	role, err := a.roles.GetRoleByName(ctx, AdminRoleName)
	if err == nil {
		return role, nil
	}
	if !errutil.IsNotFound(err) {
		return nil, err //nolint:wrapcheck // store errors carry their own context
	}
	return a.roles.CreateRole(ctx, SystemPrincipal, rbac.RoleSpec{ //nolint:wrapcheck // service errors carry codes
		Name:        AdminRoleName,
		Description: "Administers roles, permissions, feature flags and the audit log",
		Permissions: []string{"audit:*", "flags:*", "permissions:*", "roles:*"},
		IsSystem:    true,
	})
}

// CreateRole requires roles:create.
func (a *Admin) CreateRole(ctx context.Context, actor string, spec rbac.RoleSpec) (*rbac.Role, error) {
	if err := a.authorize(ctx, actor, ResourceRoles, ActionCreate); err != nil {
		return nil, err
	}
	return a.roles.CreateRole(ctx, actor, spec) //nolint:wrapcheck // service errors carry codes
}

// UpdateRolePermissions requires roles:update.
func (a *Admin) UpdateRolePermissions(ctx context.Context, actor, roleID string, perms []string) (*rbac.Role, error) {
	if err := a.authorize(ctx, actor, ResourceRoles, ActionUpdate); err != nil {
		return nil, err
	}
	return a.roles.UpdateRolePermissions(ctx, actor, roleID, perms) //nolint:wrapcheck // service errors carry codes
}

// DeleteRole requires roles:delete.
func (a *Admin) DeleteRole(ctx context.Context, actor, roleID string) error {
	if err := a.authorize(ctx, actor, ResourceRoles, ActionDelete); err != nil {
		return err
	}
	return a.roles.DeleteRole(ctx, actor, roleID) //nolint:wrapcheck // service errors carry codes
}

// GrantRole requires roles:assign.
func (a *Admin) GrantRole(ctx context.Context, actor, userID, roleID string, expiresAt *time.Time) (*rbac.RoleAssignment, error) {
	if err := a.authorize(ctx, actor, ResourceRoles, ActionAssign); err != nil {
		return nil, err
	}
	return a.roles.GrantRole(ctx, userID, roleID, actor, expiresAt) //nolint:wrapcheck // service errors carry codes
}

// RevokeRole requires roles:revoke.
func (a *Admin) RevokeRole(ctx context.Context, actor, userID, roleID string) error {
	if err := a.authorize(ctx, actor, ResourceRoles, ActionRevoke); err != nil {
		return err
	}
	return a.roles.RevokeRole(ctx, userID, roleID, actor) //nolint:wrapcheck // service errors carry codes
}

// GetRole requires roles:read.
func (a *Admin) GetRole(ctx context.Context, actor, roleID string) (*rbac.Role, error) {
	if err := a.authorize(ctx, actor, ResourceRoles, ActionRead); err != nil {
		return nil, err
	}
	return a.roles.GetRole(ctx, roleID) //nolint:wrapcheck // service errors carry codes
}

// ListRoles requires roles:read.
func (a *Admin) ListRoles(ctx context.Context, actor string) ([]*rbac.Role, error) {
	if err := a.authorize(ctx, actor, ResourceRoles, ActionRead); err != nil {
		return nil, err
	}
	return a.roles.ListRoles(ctx) //nolint:wrapcheck // service errors carry codes
}

// ListEffectiveRoles requires roles:read unless actor asks about themselves.
func (a *Admin) ListEffectiveRoles(ctx context.Context, actor, userID string) ([]*rbac.Role, error) {
	if actor != userID {
		if err := a.authorize(ctx, actor, ResourceRoles, ActionRead); err != nil {
			return nil, err
		}
	}
	return a.roles.ListEffectiveRoles(ctx, userID, a.now()) //nolint:wrapcheck // service errors carry codes
}

// ListAssignments requires roles:read.
func (a *Admin) ListAssignments(ctx context.Context, actor, userID string) ([]rbac.RoleAssignment, error) {
	if err := a.authorize(ctx, actor, ResourceRoles, ActionRead); err != nil {
		return nil, err
	}
	return a.roles.ListAssignments(ctx, userID) //nolint:wrapcheck // service errors carry codes
}

// RegisterPermission requires permissions:create.
func (a *Admin) RegisterPermission(ctx context.Context, actor string, entry rbac.CatalogEntry) error {
	if err := a.authorize(ctx, actor, ResourcePermissions, ActionCreate); err != nil {
		return err
	}
	return a.roles.RegisterPermission(ctx, actor, entry) //nolint:wrapcheck // service errors carry codes
}

// ListCatalog requires permissions:read.
func (a *Admin) ListCatalog(ctx context.Context, actor, resource string) ([]rbac.CatalogEntry, error) {
	if err := a.authorize(ctx, actor, ResourcePermissions, ActionRead); err != nil {
		return nil, err
	}
	return a.roles.ListCatalog(ctx, resource) //nolint:wrapcheck // service errors carry codes
}

// PutFlag requires flags:write.
func (a *Admin) PutFlag(ctx context.Context, actor string, spec flags.FlagSpec) (*flags.FeatureFlag, error) {
	if err := a.authorize(ctx, actor, ResourceFlags, ActionWrite); err != nil {
		return nil, err
	}
	return a.flags.CreateOrUpdateFlag(ctx, actor, spec) //nolint:wrapcheck // service errors carry codes
}

// DeleteFlag requires flags:delete.
func (a *Admin) DeleteFlag(ctx context.Context, actor, name string) error {
	if err := a.authorize(ctx, actor, ResourceFlags, ActionDelete); err != nil {
		return err
	}
	return a.flags.DeleteFlag(ctx, actor, name) //nolint:wrapcheck // service errors carry codes
}

// GetFlag requires flags:read.
func (a *Admin) GetFlag(ctx context.Context, actor, name string) (*flags.FeatureFlag, error) {
	if err := a.authorize(ctx, actor, ResourceFlags, ActionRead); err != nil {
		return nil, err
	}
	return a.flags.GetFlag(ctx, name) //nolint:wrapcheck // service errors carry codes
}

// ListFlags requires flags:read.
func (a *Admin) ListFlags(ctx context.Context, actor string) ([]*flags.FeatureFlag, error) {
	if err := a.authorize(ctx, actor, ResourceFlags, ActionRead); err != nil {
		return nil, err
	}
	return a.flags.ListFlags(ctx) //nolint:wrapcheck // service errors carry codes
}

// QueryAudit requires audit:read.
func (a *Admin) QueryAudit(ctx context.Context, actor string, filter audit.Filter, page audit.Page) (audit.Result, error) {
	if err := a.authorize(ctx, actor, ResourceAudit, ActionRead); err != nil {
		return audit.Result{}, err
	}
	return a.audit.Query(ctx, filter, page) //nolint:wrapcheck // audit errors carry codes
}

// StreamAudit requires audit:read. The permission is checked once, before
// the first entry is yielded.
func (a *Admin) StreamAudit(ctx context.Context, actor string, filter audit.Filter, pageSize int) iter.Seq2[audit.Entry, error] {
	if err := a.authorize(ctx, actor, ResourceAudit, ActionRead); err != nil {
		return func(yield func(audit.Entry, error) bool) { yield(audit.Entry{}, err) }
	}
	return a.audit.Stream(ctx, filter, pageSize)
}
