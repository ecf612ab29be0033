// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package flags

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"

	"github.com/holomush/gatekeeper/internal/store"
)

const revisionName = "flags"

const flagColumns = `name, description, enabled, rollout_percentage, target_users, target_roles,
	target_cohorts, version, updated_by, created_at, updated_at`

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

func bumpRevision(ctx context.Context, q store.DBTX, name string) error {
	if err := store.BumpRevision(ctx, q, revisionName, name); err != nil {
		return oops.In("flags").With("operation", "bump revision").With("flag", name).Wrap(err)
	}
	return nil
}

// Revision returns the current store revision.
func (s *PostgresStore) Revision(ctx context.Context) (int64, error) {
	rev, err := store.ReadRevision(ctx, s.conn(ctx), revisionName)
	if err != nil {
		return 0, oops.In("flags").With("operation", "get revision").Wrap(err)
	}
	return rev, nil
}

// Snapshot reads the revision and the flag in one repeatable-read transaction.
func (s *PostgresStore) Snapshot(ctx context.Context, name string) (*Snapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, oops.In("flags").With("operation", "begin snapshot").Wrap(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // read-only

	snap := &Snapshot{}
	if snap.Revision, err = store.ReadRevision(ctx, tx, revisionName); err != nil {
		return nil, oops.In("flags").With("operation", "snapshot revision").Wrap(err)
	}
	flag, err := scanFlag(tx.QueryRow(ctx, `SELECT `+flagColumns+` FROM feature_flags WHERE name = $1`, name))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return nil, oops.In("flags").With("operation", "snapshot flag").With("flag", name).Wrap(err)
	default:
		snap.Flag = flag
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, oops.In("flags").With("operation", "end snapshot").Wrap(err)
	}
	return snap, nil
}

func scanFlag(row pgx.Row) (*FeatureFlag, error) {
	var f FeatureFlag
	if err := row.Scan(&f.Name, &f.Description, &f.Enabled, &f.RolloutPercentage,
		&f.TargetUsers, &f.TargetRoles, &f.TargetCohorts,
		&f.Version, &f.UpdatedBy, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err //nolint:wrapcheck // callers wrap with lookup context
	}
	return &f, nil
}

// GetFlag returns the flag called name.
func (s *PostgresStore) GetFlag(ctx context.Context, name string) (*FeatureFlag, error) {
	f, err := scanFlag(s.conn(ctx).QueryRow(ctx, `SELECT `+flagColumns+` FROM feature_flags WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, flagNotFound(name)
	}
	if err != nil {
		return nil, oops.In("flags").With("operation", "get flag").With("flag", name).Wrap(err)
	}
	return f, nil
}

// ListFlags returns every flag ordered by name.
func (s *PostgresStore) ListFlags(ctx context.Context) ([]*FeatureFlag, error) {
	rows, err := s.conn(ctx).Query(ctx, `SELECT `+flagColumns+` FROM feature_flags ORDER BY name`)
	if err != nil {
		return nil, oops.In("flags").With("operation", "list flags").Wrap(err)
	}
	defer rows.Close()

	var out []*FeatureFlag
	for rows.Next() {
		f, err := scanFlag(rows)
		if err != nil {
			return nil, oops.In("flags").With("operation", "scan flag").Wrap(err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.In("flags").With("operation", "iterate flags").Wrap(err)
	}
	return out, nil
}

// PutFlag inserts (expectedVersion 0) or replaces a flag.
func (s *PostgresStore) PutFlag(ctx context.Context, flag *FeatureFlag, expectedVersion int64) error {
	return s.InTransaction(ctx, func(ctx context.Context) error {
		q := s.conn(ctx)
		var (
			tag pgconn.CommandTag
			err error
		)
		if expectedVersion == 0 {
			tag, err = q.Exec(ctx,
				`INSERT INTO feature_flags (`+flagColumns+`)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $9, $10)
				 ON CONFLICT (name) DO NOTHING`,
				flag.Name, flag.Description, flag.Enabled, flag.RolloutPercentage,
				flag.TargetUsers, flag.TargetRoles, flag.TargetCohorts,
				flag.UpdatedBy, flag.CreatedAt, flag.UpdatedAt)
		} else {
			tag, err = q.Exec(ctx,
				`UPDATE feature_flags SET description = $2, enabled = $3, rollout_percentage = $4,
					target_users = $5, target_roles = $6, target_cohorts = $7,
					updated_by = $8, updated_at = $9, version = version + 1
				 WHERE name = $1 AND version = $10`,
				flag.Name, flag.Description, flag.Enabled, flag.RolloutPercentage,
				flag.TargetUsers, flag.TargetRoles, flag.TargetCohorts,
				flag.UpdatedBy, flag.UpdatedAt, expectedVersion)
		}
		if err != nil {
			return oops.In("flags").With("operation", "put flag").With("flag", flag.Name).Wrap(err)
		}
		if tag.RowsAffected() == 0 {
			return s.writeMiss(ctx, q, flag.Name, expectedVersion, false)
		}
		if err := bumpRevision(ctx, q, flag.Name); err != nil {
			return err
		}
		flag.Version = expectedVersion + 1
		return nil
	})
}

// DeleteFlag removes a flag under optimistic locking.
func (s *PostgresStore) DeleteFlag(ctx context.Context, name string, expectedVersion int64) error {
	return s.InTransaction(ctx, func(ctx context.Context) error {
		q := s.conn(ctx)
		tag, err := q.Exec(ctx, `DELETE FROM feature_flags WHERE name = $1 AND version = $2`, name, expectedVersion)
		if err != nil {
			return oops.In("flags").With("operation", "delete flag").With("flag", name).Wrap(err)
		}
		if tag.RowsAffected() == 0 {
			return s.writeMiss(ctx, q, name, expectedVersion, true)
		}
		return bumpRevision(ctx, q, name)
	})
}

// writeMiss explains a conditional write that matched no row. A missing row
// is NOT_FOUND only when the write required one to exist.
func (s *PostgresStore) writeMiss(ctx context.Context, q store.DBTX, name string, expected int64, mustExist bool) error {
	var actual int64
	err := q.QueryRow(ctx, `SELECT version FROM feature_flags WHERE name = $1`, name).Scan(&actual)
	switch {
	case errors.Is(err, pgx.ErrNoRows) && mustExist:
		return flagNotFound(name)
	case errors.Is(err, pgx.ErrNoRows):
		return versionConflict(name, expected, 0)
	case err != nil:
		return oops.In("flags").With("operation", "check flag version").With("flag", name).Wrap(err)
	default:
		return versionConflict(name, expected, actual)
	}
}

var _ Store = (*PostgresStore)(nil)
