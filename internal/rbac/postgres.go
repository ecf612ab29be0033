// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package rbac

import (
	"context"
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"

	"github.com/holomush/gatekeeper/internal/store"
)

// revisionName is this store's counter in store_revisions.
const revisionName = "rbac"

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool store.Pool
	tx   *store.Transactor
}

// NewPostgresStore creates a PostgresStore over pool.
func NewPostgresStore(pool store.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, tx: store.NewTransactor(pool)}
}

// InTransaction runs fn in a database transaction.
func (s *PostgresStore) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.tx.InTransaction(ctx, fn)
}

func (s *PostgresStore) conn(ctx context.Context) store.DBTX {
	return store.Conn(ctx, s.pool)
}

// mutate runs fn and bumps the revision shard for key in the same
// transaction.
func (s *PostgresStore) mutate(ctx context.Context, key string, fn func(ctx context.Context, q store.DBTX) error) error {
	return s.InTransaction(ctx, func(ctx context.Context) error {
		q := s.conn(ctx)
		if err := fn(ctx, q); err != nil {
			return err
		}
		if err := store.BumpRevision(ctx, q, revisionName, key); err != nil {
			return oops.In("rbac").With("operation", "bump revision").Wrap(err)
		}
		return nil
	})
}

// Revision returns the current store revision.
func (s *PostgresStore) Revision(ctx context.Context) (int64, error) {
	rev, err := store.ReadRevision(ctx, s.conn(ctx), revisionName)
	if err != nil {
		return 0, oops.In("rbac").With("operation", "get revision").Wrap(err)
	}
	return rev, nil
}

const snapshotSQL = `SELECT a.user_id, a.role_id, a.assigned_at, a.assigned_by, a.expires_at, a.version,
		r.id, r.name, r.description, r.permissions, r.minimum_permissions, r.is_system,
		r.version, r.created_at, r.updated_at
	FROM role_assignments a
	JOIN roles r ON r.id = a.role_id
	WHERE a.user_id = $1
	ORDER BY r.name`

// Snapshot reads the revision and userID's grants in one repeatable-read
// transaction.
func (s *PostgresStore) Snapshot(ctx context.Context, userID string) (*Snapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, oops.In("rbac").With("operation", "begin snapshot").Wrap(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // read-only

	snap := &Snapshot{UserID: userID}
	if snap.Revision, err = store.ReadRevision(ctx, tx, revisionName); err != nil {
		return nil, oops.In("rbac").With("operation", "snapshot revision").Wrap(err)
	}

	rows, err := tx.Query(ctx, snapshotSQL, userID)
	if err != nil {
		return nil, oops.In("rbac").With("operation", "snapshot grants").With("user_id", userID).Wrap(err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			a           RoleAssignment
			r           Role
			perms, mins []string
		)
		if err := rows.Scan(&a.UserID, &a.RoleID, &a.AssignedAt, &a.AssignedBy, &a.ExpiresAt, &a.Version,
			&r.ID, &r.Name, &r.Description, &perms, &mins, &r.IsSystem,
			&r.Version, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, oops.In("rbac").With("operation", "scan grant").Wrap(err)
		}
		if err := setPermissions(&r, perms, mins); err != nil {
			return nil, err
		}
		snap.Grants = append(snap.Grants, Grant{Assignment: a, Role: &r})
	}
	if err := rows.Err(); err != nil {
		return nil, oops.In("rbac").With("operation", "iterate grants").Wrap(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, oops.In("rbac").With("operation", "end snapshot").Wrap(err)
	}
	return snap, nil
}

const roleColumns = `id, name, description, permissions, minimum_permissions, is_system, version, created_at, updated_at`

func scanRole(row pgx.Row) (*Role, error) {
	var (
		r           Role
		perms, mins []string
	)
	if err := row.Scan(&r.ID, &r.Name, &r.Description, &perms, &mins, &r.IsSystem,
		&r.Version, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err //nolint:wrapcheck // callers wrap with lookup context
	}
	if err := setPermissions(&r, perms, mins); err != nil {
		return nil, err
	}
	return &r, nil
}

func setPermissions(r *Role, perms, mins []string) error {
	var err error
	if r.Permissions, err = ParsePermissions(perms); err != nil {
		return oops.In("rbac").With("role_id", r.ID).With("operation", "decode permissions").Wrap(err)
	}
	if r.MinimumPermissions, err = ParsePermissions(mins); err != nil {
		return oops.In("rbac").With("role_id", r.ID).With("operation", "decode minimum permissions").Wrap(err)
	}
	return nil
}

// CreateRole inserts role with version 1.
func (s *PostgresStore) CreateRole(ctx context.Context, role *Role) error {
	return s.mutate(ctx, role.ID, func(ctx context.Context, q store.DBTX) error {
		_, err := q.Exec(ctx,
			`INSERT INTO roles (`+roleColumns+`) VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $8)`,
			role.ID, role.Name, role.Description,
			PermissionStrings(role.Permissions), PermissionStrings(role.MinimumPermissions),
			role.IsSystem, role.CreatedAt, role.UpdatedAt)
		if isUniqueViolation(err) {
			return duplicateRoleName(role.Name)
		}
		if err != nil {
			return oops.In("rbac").With("operation", "create role").With("name", role.Name).Wrap(err)
		}
		role.Version = 1
		return nil
	})
}

// GetRole returns the role with id.
func (s *PostgresStore) GetRole(ctx context.Context, id string) (*Role, error) {
	role, err := scanRole(s.conn(ctx).QueryRow(ctx,
		`SELECT `+roleColumns+` FROM roles WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, roleNotFound("role_id", id)
	}
	if err != nil {
		return nil, oops.In("rbac").With("operation", "get role").With("role_id", id).Wrap(err)
	}
	return role, nil
}

// GetRoleByName returns the role called name.
func (s *PostgresStore) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	role, err := scanRole(s.conn(ctx).QueryRow(ctx,
		`SELECT `+roleColumns+` FROM roles WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, roleNotFound("name", name)
	}
	if err != nil {
		return nil, oops.In("rbac").With("operation", "get role by name").With("name", name).Wrap(err)
	}
	return role, nil
}

// ListRoles returns every role ordered by name.
func (s *PostgresStore) ListRoles(ctx context.Context) ([]*Role, error) {
	rows, err := s.conn(ctx).Query(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY name`)
	if err != nil {
		return nil, oops.In("rbac").With("operation", "list roles").Wrap(err)
	}
	defer rows.Close()

	var roles []*Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, oops.In("rbac").With("operation", "scan role").Wrap(err)
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.In("rbac").With("operation", "iterate roles").Wrap(err)
	}
	return roles, nil
}

// UpdateRole replaces a role if its version matches expectedVersion.
func (s *PostgresStore) UpdateRole(ctx context.Context, role *Role, expectedVersion int64) error {
	return s.mutate(ctx, role.ID, func(ctx context.Context, q store.DBTX) error {
		tag, err := q.Exec(ctx,
			`UPDATE roles SET name = $2, description = $3, permissions = $4, minimum_permissions = $5,
				is_system = $6, updated_at = $7, version = version + 1
			 WHERE id = $1 AND version = $8`,
			role.ID, role.Name, role.Description,
			PermissionStrings(role.Permissions), PermissionStrings(role.MinimumPermissions),
			role.IsSystem, role.UpdatedAt, expectedVersion)
		if isUniqueViolation(err) {
			return duplicateRoleName(role.Name)
		}
		if err != nil {
			return oops.In("rbac").With("operation", "update role").With("role_id", role.ID).Wrap(err)
		}
		if tag.RowsAffected() == 0 {
			return s.roleWriteMiss(ctx, q, role.ID, expectedVersion)
		}
		role.Version = expectedVersion + 1
		return nil
	})
}

// DeleteRole removes a role; assignments go with it via ON DELETE CASCADE.
func (s *PostgresStore) DeleteRole(ctx context.Context, id string, expectedVersion int64) error {
	return s.mutate(ctx, id, func(ctx context.Context, q store.DBTX) error {
		tag, err := q.Exec(ctx, `DELETE FROM roles WHERE id = $1 AND version = $2`, id, expectedVersion)
		if err != nil {
			return oops.In("rbac").With("operation", "delete role").With("role_id", id).Wrap(err)
		}
		if tag.RowsAffected() == 0 {
			return s.roleWriteMiss(ctx, q, id, expectedVersion)
		}
		return nil
	})
}

// roleWriteMiss explains a conditional write that matched no row.
func (s *PostgresStore) roleWriteMiss(ctx context.Context, q store.DBTX, id string, expected int64) error {
	var actual int64
	err := q.QueryRow(ctx, `SELECT version FROM roles WHERE id = $1`, id).Scan(&actual)
	if errors.Is(err, pgx.ErrNoRows) {
		return roleNotFound("role_id", id)
	}
	if err != nil {
		return oops.In("rbac").With("operation", "check role version").With("role_id", id).Wrap(err)
	}
	return versionConflict("role_id", id, expected, actual)
}

const assignmentColumns = `user_id, role_id, assigned_at, assigned_by, expires_at, version`

func scanAssignment(row pgx.Row) (*RoleAssignment, error) {
	var a RoleAssignment
	if err := row.Scan(&a.UserID, &a.RoleID, &a.AssignedAt, &a.AssignedBy, &a.ExpiresAt, &a.Version); err != nil {
		return nil, err //nolint:wrapcheck // callers wrap with lookup context
	}
	return &a, nil
}

// GetAssignment returns the assignment of roleID to userID.
func (s *PostgresStore) GetAssignment(ctx context.Context, userID, roleID string) (*RoleAssignment, error) {
	a, err := scanAssignment(s.conn(ctx).QueryRow(ctx,
		`SELECT `+assignmentColumns+` FROM role_assignments WHERE user_id = $1 AND role_id = $2`,
		userID, roleID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, assignmentNotFound(userID, roleID)
	}
	if err != nil {
		return nil, oops.In("rbac").With("operation", "get assignment").
			With("user_id", userID).With("role_id", roleID).Wrap(err)
	}
	return a, nil
}

// PutAssignment inserts (expectedVersion 0) or replaces an assignment.
func (s *PostgresStore) PutAssignment(ctx context.Context, a *RoleAssignment, expectedVersion int64) error {
	return s.mutate(ctx, a.UserID, func(ctx context.Context, q store.DBTX) error {
		var (
			tag pgconn.CommandTag
			err error
		)
		if expectedVersion == 0 {
			tag, err = q.Exec(ctx,
				`INSERT INTO role_assignments (`+assignmentColumns+`) VALUES ($1, $2, $3, $4, $5, 1)
				 ON CONFLICT (user_id, role_id) DO NOTHING`,
				a.UserID, a.RoleID, a.AssignedAt, a.AssignedBy, a.ExpiresAt)
		} else {
			tag, err = q.Exec(ctx,
				`UPDATE role_assignments SET assigned_at = $3, assigned_by = $4, expires_at = $5, version = version + 1
				 WHERE user_id = $1 AND role_id = $2 AND version = $6`,
				a.UserID, a.RoleID, a.AssignedAt, a.AssignedBy, a.ExpiresAt, expectedVersion)
		}
		if isForeignKeyViolation(err) {
			return roleNotFound("role_id", a.RoleID)
		}
		if err != nil {
			return oops.In("rbac").With("operation", "put assignment").
				With("user_id", a.UserID).With("role_id", a.RoleID).Wrap(err)
		}
		if tag.RowsAffected() == 0 {
			var actual int64
			err := q.QueryRow(ctx,
				`SELECT version FROM role_assignments WHERE user_id = $1 AND role_id = $2`,
				a.UserID, a.RoleID).Scan(&actual)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return oops.In("rbac").With("operation", "check assignment version").Wrap(err)
			}
			return versionConflict("user_id", a.UserID, expectedVersion, actual)
		}
		a.Version = expectedVersion + 1
		return nil
	})
}

// DeleteAssignment removes an assignment, reporting whether one existed.
func (s *PostgresStore) DeleteAssignment(ctx context.Context, userID, roleID string) (bool, error) {
	var deleted bool
	err := s.InTransaction(ctx, func(ctx context.Context) error {
		q := s.conn(ctx)
		tag, err := q.Exec(ctx,
			`DELETE FROM role_assignments WHERE user_id = $1 AND role_id = $2`, userID, roleID)
		if err != nil {
			return oops.In("rbac").With("operation", "delete assignment").
				With("user_id", userID).With("role_id", roleID).Wrap(err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		deleted = true
		if err := store.BumpRevision(ctx, q, revisionName, userID); err != nil {
			return oops.In("rbac").With("operation", "bump revision").Wrap(err)
		}
		return nil
	})
	return deleted, err
}

// ListAssignments returns every assignment held by userID, ordered by role id.
func (s *PostgresStore) ListAssignments(ctx context.Context, userID string) ([]RoleAssignment, error) {
	rows, err := s.conn(ctx).Query(ctx,
		`SELECT `+assignmentColumns+` FROM role_assignments WHERE user_id = $1 ORDER BY role_id`, userID)
	if err != nil {
		return nil, oops.In("rbac").With("operation", "list assignments").With("user_id", userID).Wrap(err)
	}
	defer rows.Close()

	var out []RoleAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, oops.In("rbac").With("operation", "scan assignment").Wrap(err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.In("rbac").With("operation", "iterate assignments").Wrap(err)
	}
	return out, nil
}

// PutCatalogEntry registers or re-describes a catalog entry.
func (s *PostgresStore) PutCatalogEntry(ctx context.Context, entry CatalogEntry) error {
	return s.mutate(ctx, entry.Resource, func(ctx context.Context, q store.DBTX) error {
		_, err := q.Exec(ctx,
			`INSERT INTO permission_catalog (resource, action, description) VALUES ($1, $2, $3)
			 ON CONFLICT (resource, action) DO UPDATE SET description = EXCLUDED.description`,
			entry.Resource, entry.Action, entry.Description)
		if err != nil {
			return oops.In("rbac").With("operation", "put catalog entry").
				With("resource", entry.Resource).With("action", entry.Action).Wrap(err)
		}
		return nil
	})
}

// GetCatalogEntry returns the catalog entry for resource:action.
func (s *PostgresStore) GetCatalogEntry(ctx context.Context, resource, action string) (*CatalogEntry, error) {
	var e CatalogEntry
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT resource, action, description FROM permission_catalog WHERE resource = $1 AND action = $2`,
		resource, action).Scan(&e.Resource, &e.Action, &e.Description)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, catalogNotFound(resource, action)
	}
	if err != nil {
		return nil, oops.In("rbac").With("operation", "get catalog entry").Wrap(err)
	}
	return &e, nil
}

// ListCatalog returns catalog entries, restricted to resource when non-empty.
func (s *PostgresStore) ListCatalog(ctx context.Context, resource string) ([]CatalogEntry, error) {
	rows, err := s.conn(ctx).Query(ctx,
		`SELECT resource, action, description FROM permission_catalog
		 WHERE $1 = '' OR resource = $1 ORDER BY resource, action`, resource)
	if err != nil {
		return nil, oops.In("rbac").With("operation", "list catalog").Wrap(err)
	}
	defer rows.Close()

	var out []CatalogEntry
	for rows.Next() {
		var e CatalogEntry
		if err := rows.Scan(&e.Resource, &e.Action, &e.Description); err != nil {
			return nil, oops.In("rbac").With("operation", "scan catalog entry").Wrap(err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.In("rbac").With("operation", "iterate catalog").Wrap(err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation
}

var _ Store = (*PostgresStore)(nil)
