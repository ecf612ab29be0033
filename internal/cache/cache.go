// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package cache memoizes access and feature decisions. Keys carry the
// revision of the store the decision was computed from, so a mutation makes
// every older key unreachable without an explicit purge.
package cache

import (
	"context"
	"fmt"
	"time"
)

// Key identifies a cached decision.
type Key struct {
	// Principal is the user the decision was made for.
	Principal string
	// Subject names what was decided, e.g. "perm:documents:write" or "flag:new-ui".
	Subject string
	// Stamp is the store revision (and any other inputs) the decision depends on.
	Stamp string
}

// String renders an unambiguous key. Lengths prefix the free-form parts so
// separators inside principal ids cannot collide.
func (k Key) String() string {
	return fmt.Sprintf("%s|%d:%s|%d:%s", k.Stamp, len(k.Subject), k.Subject, len(k.Principal), k.Principal)
}

// Entry is a cached decision.
type Entry struct {
	Allowed     bool   `json:"allowed"`
	Reason      string `json:"reason"`
	MatchedRole string `json:"matched_role,omitempty"`
	FlagVersion int64  `json:"flag_version,omitempty"`
	Bucket      int    `json:"bucket"`
	// ComputedAt is the evaluation time the decision was made for.
	ComputedAt time.Time `json:"computed_at"`
	// ValidUntil bounds an entry whose inputs lapse on their own, such as a
	// time-bound role grant. Zero means no bound.
	ValidUntil time.Time `json:"valid_until,omitzero"`
}

// Fresh reports whether the entry may be served for an evaluation at now:
// no earlier than it was computed for, and before its inputs lapse.
func (e Entry) Fresh(now time.Time) bool {
	if now.Before(e.ComputedAt) {
		return false
	}
	return e.ValidUntil.IsZero() || now.Before(e.ValidUntil)
}

// Cache stores decisions by version-stamped key. A miss is (Entry{}, false, nil);
// errors are reserved for backend failures and callers treat them as misses.
type Cache interface {
	Get(ctx context.Context, key Key) (Entry, bool, error)
	Put(ctx context.Context, key Key, entry Entry) error
}

// Noop never stores anything.
type Noop struct{}

// Get always misses.
func (Noop) Get(context.Context, Key) (Entry, bool, error) { return Entry{}, false, nil }

// Put discards the entry.
func (Noop) Put(context.Context, Key, Entry) error { return nil }
