// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package cache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// Defaults for the in-process cache.
const (
	DefaultLRUSize = 10000
	DefaultTTL     = time.Minute
)

// LRU is an in-process, size-bounded cache with per-entry TTL.
type LRU struct {
	cache *lru.LRU[string, Entry]
}

// NewLRU creates an LRU holding at most size entries for ttl each.
func NewLRU(size int, ttl time.Duration) *LRU {
	if size <= 0 {
		size = DefaultLRUSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &LRU{cache: lru.NewLRU[string, Entry](size, nil, ttl)}
}

// Get returns the entry stored under key.
func (c *LRU) Get(_ context.Context, key Key) (Entry, bool, error) {
	entry, ok := c.cache.Get(key.String())
	recordLookup("lru", ok, nil)
	return entry, ok, nil
}

// Put stores entry under key.
func (c *LRU) Put(_ context.Context, key Key, entry Entry) error {
	c.cache.Add(key.String(), entry)
	return nil
}

// Len returns the number of live entries.
func (c *LRU) Len() int {
	return c.cache.Len()
}
