// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package audit

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
)

// MemoryWriter keeps entries in process memory, ordered by ID. It backs the
// in-memory storage mode and tests.
type MemoryWriter struct {
	mu      sync.RWMutex
	entries []Entry
	ids     map[string]struct{}
}

// NewMemoryWriter creates an empty MemoryWriter.
func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{ids: make(map[string]struct{})}
}

// Write stores entries, ignoring IDs already present.
func (w *MemoryWriter) Write(_ context.Context, entries []Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, e := range entries {
		if _, ok := w.ids[e.ID]; ok {
			continue
		}
		w.ids[e.ID] = struct{}{}
		e.Details = maps.Clone(e.Details)
		idx, _ := slices.BinarySearchFunc(w.entries, e.ID, func(x Entry, id string) int {
			return strings.Compare(x.ID, id)
		})
		w.entries = slices.Insert(w.entries, idx, e)
	}
	return nil
}

// Query returns matching entries in ID order.
func (w *MemoryWriter) Query(_ context.Context, filter Filter, page Page) (Result, error) {
	page = page.Normalize()

	w.mu.RLock()
	defer w.mu.RUnlock()

	var res Result
	for _, e := range w.entries {
		if page.After != "" && e.ID <= page.After {
			continue
		}
		if !filter.Matches(e) {
			continue
		}
		if len(res.Entries) == page.Limit {
			res.NextCursor = res.Entries[len(res.Entries)-1].ID
			break
		}
		e.Details = maps.Clone(e.Details)
		res.Entries = append(res.Entries, e)
	}
	return res, nil
}

// Len returns the number of stored entries.
func (w *MemoryWriter) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.entries)
}

// Close is a no-op.
func (w *MemoryWriter) Close() error {
	return nil
}
