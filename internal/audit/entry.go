// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package audit provides the immutable audit trail for access decisions,
// feature flag evaluations and administrative mutations.
package audit

import (
	"context"
	"slices"
	"time"
)

// EventType classifies an audit entry.
type EventType string

// Audit event types.
const (
	EventPermissionChecked    EventType = "permission_checked"
	EventFlagEvaluated        EventType = "feature_flag_evaluated"
	EventFlagUpdated          EventType = "feature_flag_updated"
	EventFlagDeleted          EventType = "feature_flag_deleted"
	EventRoleAssigned         EventType = "role_assigned"
	EventRoleRevoked          EventType = "role_revoked"
	EventRoleCreated          EventType = "role_created"
	EventRoleUpdated          EventType = "role_updated"
	EventRoleDeleted          EventType = "role_deleted"
	EventPermissionRegistered EventType = "permission_registered"
)

// Severity ranks how much attention an entry deserves.
type Severity string

// Severities in increasing order.
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	default:
		return false
	}
}

// Entry is a single immutable audit record. ID is a ULID assigned on append,
// so lexical ID order is append order.
type Entry struct {
	ID           string         `json:"id"`
	PrincipalID  string         `json:"principal_id"`
	EventType    EventType      `json:"event_type"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Action       string         `json:"action,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	Severity     Severity       `json:"severity"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Filter narrows a query. Zero-valued fields match everything. From is
// inclusive, To is exclusive.
type Filter struct {
	PrincipalID  string
	EventTypes   []EventType
	Severities   []Severity
	ResourceType string
	From         time.Time
	To           time.Time
}

// Matches reports whether e satisfies the filter.
func (f Filter) Matches(e Entry) bool {
	if f.PrincipalID != "" && e.PrincipalID != f.PrincipalID {
		return false
	}
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.EventType) {
		return false
	}
	if len(f.Severities) > 0 && !slices.Contains(f.Severities, e.Severity) {
		return false
	}
	if f.ResourceType != "" && e.ResourceType != f.ResourceType {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.Timestamp.Before(f.To) {
		return false
	}
	return true
}

// Page selects a window of results using keyset pagination on entry ID.
type Page struct {
	// Limit caps the number of entries returned. Zero means DefaultPageSize.
	Limit int
	// After is the cursor from a previous Result; entries with IDs strictly
	// greater are returned.
	After string
}

// Page size bounds.
const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// Normalize clamps the page limit into [1, MaxPageSize].
func (p Page) Normalize() Page {
	switch {
	case p.Limit <= 0:
		p.Limit = DefaultPageSize
	case p.Limit > MaxPageSize:
		p.Limit = MaxPageSize
	}
	return p
}

// Result is one page of query results. NextCursor is empty on the last page.
type Result struct {
	Entries    []Entry
	NextCursor string
}

// Writer is the storage backend for audit entries. Write must be idempotent on
// Entry.ID so that WAL replay never duplicates rows. Writers never update or
// delete entries.
type Writer interface {
	Write(ctx context.Context, entries []Entry) error
	Query(ctx context.Context, filter Filter, page Page) (Result, error)
	Close() error
}

// Appender is the write side of the audit log used by decision makers and
// mutating services. *Logger implements it.
type Appender interface {
	Append(ctx context.Context, entry Entry) (Entry, error)
}

var _ Appender = (*Logger)(nil)
