// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/gatekeeper/internal/audit"
	"github.com/holomush/gatekeeper/internal/flags"
	"github.com/holomush/gatekeeper/internal/rbac"
	"github.com/holomush/gatekeeper/pkg/errutil"
)

func TestAdmin_Bootstrap_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.admin.Bootstrap(ctx)
	require.NoError(t, err)
	assert.True(t, first.IsSystem)
	assert.Equal(t, []string{"audit:*", "flags:*", "permissions:*", "roles:*"}, rbac.PermissionStrings(first.Permissions))

	entries := f.writer.Len()
	second, err := f.admin.Bootstrap(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, entries, f.writer.Len(), "a repeated bootstrap writes nothing")

	catalog, err := f.roles.ListCatalog(ctx, ResourceRoles)
	require.NoError(t, err)
	assert.Len(t, catalog, 6)
}

func TestAdmin_GuardDeniesWithoutPermission(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.admin.Bootstrap(ctx)
	require.NoError(t, err)

	_, err = f.admin.CreateRole(ctx, "mallory", rbac.RoleSpec{Name: "sneaky", Permissions: []string{"*:*"}})
	errutil.AssertErrorCode(t, err, errutil.CodePermissionDenied)
	errutil.AssertErrorContext(t, err, "resource", ResourceRoles)

	_, err = f.roles.GetRoleByName(ctx, "sneaky")
	errutil.AssertErrorCode(t, err, errutil.CodeNotFound)

	res, err := f.log.Query(ctx, audit.Filter{PrincipalID: "mallory", EventTypes: []audit.EventType{audit.EventPermissionChecked}}, audit.Page{})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1, "the guard's own check is audited")
	assert.Equal(t, "create", res.Entries[0].Action)
}

func TestAdmin_GuardAllowsAdministrators(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	adminRole, err := f.admin.Bootstrap(ctx)
	require.NoError(t, err)
	_, err = f.admin.GrantRole(SystemContext(ctx), SystemPrincipal, "root", adminRole.ID, nil)
	require.NoError(t, err)

	require.NoError(t, f.admin.RegisterPermission(ctx, "root", rbac.CatalogEntry{Resource: "docs", Action: "write"}))
	editor, err := f.admin.CreateRole(ctx, "root", rbac.RoleSpec{Name: "editor", Permissions: []string{"docs:write"}})
	require.NoError(t, err)
	_, err = f.admin.GrantRole(ctx, "root", "alice", editor.ID, nil)
	require.NoError(t, err)

	roles, err := f.admin.ListEffectiveRoles(ctx, "alice", "alice")
	require.NoError(t, err, "users may list their own roles")
	require.Len(t, roles, 1)

	_, err = f.admin.ListEffectiveRoles(ctx, "alice", "root")
	errutil.AssertErrorCode(t, err, errutil.CodePermissionDenied)

	flag, err := f.admin.PutFlag(ctx, "root", flags.FlagSpec{Name: "new-ui", Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, "root", flag.UpdatedBy)

	list, err := f.admin.ListFlags(ctx, "root")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, f.admin.RevokeRole(ctx, "root", "alice", editor.ID))
	require.NoError(t, f.admin.DeleteFlag(ctx, "root", "new-ui"))

	res, err := f.admin.QueryAudit(ctx, "root", audit.Filter{EventTypes: []audit.EventType{audit.EventRoleRevoked}}, audit.Page{})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "root", res.Entries[0].PrincipalID)
}

func TestAdmin_StreamAuditChecksOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.admin.Bootstrap(ctx)
	require.NoError(t, err)

	var errs []error
	for _, err := range f.admin.StreamAudit(ctx, "mallory", audit.Filter{}, 10) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	errutil.AssertErrorCode(t, errs[0], errutil.CodePermissionDenied)

	count := 0
	for _, err := range f.admin.StreamAudit(SystemContext(ctx), SystemPrincipal, audit.Filter{EventTypes: []audit.EventType{audit.EventRoleCreated}}, 10) {
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 1, count)
}

func TestAdmin_SystemNameAloneIsChecked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.admin.Bootstrap(ctx)
	require.NoError(t, err)

	_, err = f.admin.CreateRole(ctx, SystemPrincipal, rbac.RoleSpec{Name: "pwn", Permissions: []string{"*:*"}})
	errutil.AssertErrorCode(t, err, errutil.CodePermissionDenied)

	res, err := f.log.Query(ctx, audit.Filter{
		PrincipalID: SystemPrincipal,
		EventTypes:  []audit.EventType{audit.EventPermissionChecked},
	}, audit.Page{})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, false, res.Entries[0].Details["allowed"])

	role, err := f.admin.CreateRole(SystemContext(ctx), SystemPrincipal, rbac.RoleSpec{Name: "ops", Permissions: []string{"roles:read"}})
	require.NoError(t, err)
	assert.Equal(t, "ops", role.Name)
}
