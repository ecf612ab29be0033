// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package seed

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/samber/oops"

	"github.com/holomush/gatekeeper/internal/engine"
	"github.com/holomush/gatekeeper/internal/flags"
	"github.com/holomush/gatekeeper/internal/rbac"
	"github.com/holomush/gatekeeper/pkg/errutil"
)

// Result counts what Apply changed. Entries already in the desired state are
// left alone and not counted.
type Result struct {
	PermissionsRegistered int
	RolesCreated          int
	RolesUpdated          int
	GrantsApplied         int
	GrantsSkipped         int
	FlagsWritten          int
	Cohorts               engine.StaticCohorts
}

// Apply brings the stores in line with doc, acting as the system principal.
// It bootstraps the admin role first and may be run repeatedly; only
// differences produce writes and audit entries. Grants whose expiry has
// already passed at now are skipped.
func Apply(ctx context.Context, admin *engine.Admin, doc *Document, now time.Time) (Result, error) {
	ctx = engine.SystemContext(ctx)
	res := Result{Cohorts: engine.StaticCohorts{}}
	if _, err := admin.Bootstrap(ctx); err != nil {
		return res, oops.In("seed").With("step", "bootstrap").Wrap(err)
	}

	if err := applyPermissions(ctx, admin, doc.Permissions, &res); err != nil {
		return res, err
	}
	roleIDs, err := applyRoles(ctx, admin, doc.Roles, &res)
	if err != nil {
		return res, err
	}
	if err := applyGrants(ctx, admin, doc.Grants, roleIDs, now, &res); err != nil {
		return res, err
	}
	if err := applyFlags(ctx, admin, doc.Flags, &res); err != nil {
		return res, err
	}

	for cohort, members := range doc.Cohorts {
		res.Cohorts[cohort] = slices.Clone(members)
	}

	slog.InfoContext(ctx, "seed applied",
		"permissions_registered", res.PermissionsRegistered,
		"roles_created", res.RolesCreated,
		"roles_updated", res.RolesUpdated,
		"grants_applied", res.GrantsApplied,
		"grants_skipped", res.GrantsSkipped,
		"flags_written", res.FlagsWritten,
		"cohorts", len(res.Cohorts))
	return res, nil
}

func applyPermissions(ctx context.Context, admin *engine.Admin, perms []Permission, res *Result) error {
	existing, err := admin.ListCatalog(ctx, engine.SystemPrincipal, "")
	if err != nil {
		return oops.In("seed").With("step", "permissions").Wrap(err)
	}
	for _, p := range perms {
		entry := rbac.CatalogEntry{Resource: p.Resource, Action: p.Action, Description: p.Description}
		if slices.Contains(existing, entry) {
			continue
		}
		if err := admin.RegisterPermission(ctx, engine.SystemPrincipal, entry); err != nil {
			return oops.In("seed").
				With("resource", p.Resource).
				With("action", p.Action).
				Wrap(err)
		}
		res.PermissionsRegistered++
	}
	return nil
}

// applyRoles creates or updates every declared role and returns all role ids
// by name.
func applyRoles(ctx context.Context, admin *engine.Admin, roles []Role, res *Result) (map[string]string, error) {
	current, err := admin.ListRoles(ctx, engine.SystemPrincipal)
	if err != nil {
		return nil, oops.In("seed").With("step", "roles").Wrap(err)
	}
	byName := make(map[string]*rbac.Role, len(current))
	ids := make(map[string]string, len(current))
	for _, r := range current {
		byName[r.Name] = r
		ids[r.Name] = r.ID
	}

	for _, r := range roles {
		existing, ok := byName[r.Name]
		if !ok {
			created, err := admin.CreateRole(ctx, engine.SystemPrincipal, rbac.RoleSpec{
				Name:        r.Name,
				Description: r.Description,
				Permissions: r.Permissions,
				IsSystem:    r.System,
			})
			if err != nil {
				return nil, oops.In("seed").With("role", r.Name).Wrap(err)
			}
			ids[r.Name] = created.ID
			res.RolesCreated++
			continue
		}

		same, err := samePermissions(existing.Permissions, r.Permissions)
		if err != nil {
			return nil, oops.In("seed").With("role", r.Name).Wrap(err)
		}
		if same {
			continue
		}
		if _, err := admin.UpdateRolePermissions(ctx, engine.SystemPrincipal, existing.ID, r.Permissions); err != nil {
			return nil, oops.In("seed").With("role", r.Name).Wrap(err)
		}
		res.RolesUpdated++
	}
	return ids, nil
}

func samePermissions(have []rbac.Permission, want []string) (bool, error) {
	parsed, err := rbac.ParsePermissions(want)
	if err != nil {
		return false, err
	}
	a := rbac.PermissionStrings(have)
	b := rbac.PermissionStrings(parsed)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(slices.Compact(a), slices.Compact(b)), nil
}

func applyGrants(ctx context.Context, admin *engine.Admin, grants []Grant, roleIDs map[string]string, now time.Time, res *Result) error {
	for _, g := range grants {
		roleID, ok := roleIDs[g.Role]
		if !ok {
			return oops.In("seed").
				Code(errutil.CodeNotFound).
				With("user", g.User).
				With("role", g.Role).
				Errorf("grant references unknown role %q", g.Role)
		}
		if g.ExpiresAt != nil && !g.ExpiresAt.After(now) {
			slog.WarnContext(ctx, "skipping expired seed grant",
				"user", g.User, "role", g.Role, "expires_at", *g.ExpiresAt)
			res.GrantsSkipped++
			continue
		}

		current, err := admin.ListAssignments(ctx, engine.SystemPrincipal, g.User)
		if err != nil {
			return oops.In("seed").With("user", g.User).Wrap(err)
		}
		if hasGrant(current, roleID, g.ExpiresAt) {
			continue
		}
		if _, err := admin.GrantRole(ctx, engine.SystemPrincipal, g.User, roleID, g.ExpiresAt); err != nil {
			return oops.In("seed").With("user", g.User).With("role", g.Role).Wrap(err)
		}
		res.GrantsApplied++
	}
	return nil
}

func hasGrant(assignments []rbac.RoleAssignment, roleID string, expiresAt *time.Time) bool {
	for _, a := range assignments {
		if a.RoleID != roleID {
			continue
		}
		switch {
		case a.ExpiresAt == nil && expiresAt == nil:
			return true
		case a.ExpiresAt != nil && expiresAt != nil:
			return a.ExpiresAt.Equal(*expiresAt)
		default:
			return false
		}
	}
	return false
}

func applyFlags(ctx context.Context, admin *engine.Admin, declared []Flag, res *Result) error {
	for _, f := range declared {
		spec := flags.FlagSpec{
			Name:              f.Name,
			Description:       f.Description,
			Enabled:           f.Enabled,
			RolloutPercentage: f.RolloutPercentage,
			TargetUsers:       f.TargetUsers,
			TargetRoles:       f.TargetRoles,
			TargetCohorts:     f.TargetCohorts,
		}
		existing, err := admin.GetFlag(ctx, engine.SystemPrincipal, f.Name)
		switch {
		case err == nil && spec.Matches(existing):
			continue
		case err != nil && !errutil.IsNotFound(err):
			return oops.In("seed").With("flag", f.Name).Wrap(err)
		}
		if _, err := admin.PutFlag(ctx, engine.SystemPrincipal, spec); err != nil {
			return oops.In("seed").With("flag", f.Name).Wrap(err)
		}
		res.FlagsWritten++
	}
	return nil
}
