// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/samber/oops"

	"github.com/holomush/gatekeeper/internal/store"
)

// PostgresWriter implements Writer for PostgreSQL. Rows are insert-only; the
// schema rejects UPDATE and DELETE on audit_log.
type PostgresWriter struct {
	pool store.Pool
}

// NewPostgresWriter creates a PostgresWriter over pool.
func NewPostgresWriter(pool store.Pool) *PostgresWriter {
	return &PostgresWriter{pool: pool}
}

const insertEntrySQL = `INSERT INTO audit_log (
		id, principal_id, event_type, resource_type, resource_id, action,
		details, severity, occurred_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (id) DO NOTHING`

// Write inserts entries in a single transaction. Inside a store transaction
// the rows join it through a savepoint, so they commit or roll back with the
// caller's mutation. Rows whose ID already exists are skipped, which makes
// WAL replay idempotent.
func (w *PostgresWriter) Write(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := store.Begin(ctx, w.pool)
	if err != nil {
		return oops.In("audit").With("operation", "begin transaction").Wrap(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	for _, e := range entries {
		details, err := json.Marshal(e.Details)
		if err != nil {
			return oops.In("audit").With("entry_id", e.ID).Wrap(err)
		}
		if _, err := tx.Exec(ctx, insertEntrySQL,
			e.ID,
			e.PrincipalID,
			string(e.EventType),
			e.ResourceType,
			e.ResourceID,
			e.Action,
			details,
			string(e.Severity),
			e.Timestamp,
		); err != nil {
			return oops.In("audit").
				With("entry_id", e.ID).
				With("event_type", e.EventType).
				Wrap(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return oops.In("audit").With("operation", "commit").With("batch_size", len(entries)).Wrap(err)
	}
	return nil
}

// Query returns one page of matching entries ordered by ID.
func (w *PostgresWriter) Query(ctx context.Context, filter Filter, page Page) (Result, error) {
	page = page.Normalize()
	sql, args := buildQuery(filter, page)

	rows, err := w.pool.Query(ctx, sql, args...)
	if err != nil {
		return Result{}, oops.In("audit").With("operation", "query audit log").Wrap(err)
	}
	defer rows.Close()

	var res Result
	for rows.Next() {
		var (
			e        Entry
			evt, sev string
			details  []byte
		)
		if err := rows.Scan(&e.ID, &e.PrincipalID, &evt, &e.ResourceType, &e.ResourceID,
			&e.Action, &details, &sev, &e.Timestamp); err != nil {
			return Result{}, oops.In("audit").With("operation", "scan audit row").Wrap(err)
		}
		e.EventType = EventType(evt)
		e.Severity = Severity(sev)
		if len(details) > 0 && string(details) != "null" {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return Result{}, oops.In("audit").With("entry_id", e.ID).Wrap(err)
			}
		}
		res.Entries = append(res.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return Result{}, oops.In("audit").With("operation", "iterate audit rows").Wrap(err)
	}

	// One extra row was requested to detect a following page.
	if len(res.Entries) > page.Limit {
		res.Entries = res.Entries[:page.Limit]
		res.NextCursor = res.Entries[page.Limit-1].ID
	}
	return res, nil
}

// Close is a no-op; the pool is owned by the caller.
func (w *PostgresWriter) Close() error {
	return nil
}

func buildQuery(filter Filter, page Page) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if filter.PrincipalID != "" {
		add("principal_id = $%d", filter.PrincipalID)
	}
	if len(filter.EventTypes) > 0 {
		types := make([]string, len(filter.EventTypes))
		for i, t := range filter.EventTypes {
			types[i] = string(t)
		}
		add("event_type = ANY($%d)", types)
	}
	if len(filter.Severities) > 0 {
		sevs := make([]string, len(filter.Severities))
		for i, s := range filter.Severities {
			sevs[i] = string(s)
		}
		add("severity = ANY($%d)", sevs)
	}
	if filter.ResourceType != "" {
		add("resource_type = $%d", filter.ResourceType)
	}
	if !filter.From.IsZero() {
		add("occurred_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("occurred_at < $%d", filter.To)
	}
	if page.After != "" {
		add("id > $%d", page.After)
	}

	var b strings.Builder
	b.WriteString(`SELECT id, principal_id, event_type, resource_type, resource_id, action, details, severity, occurred_at FROM audit_log`)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	args = append(args, page.Limit+1)
	fmt.Fprintf(&b, " ORDER BY id LIMIT $%d", len(args))
	return b.String(), args
}
