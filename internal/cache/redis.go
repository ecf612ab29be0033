// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
)

const redisKeyPrefix = "gatekeeper:decision:"

// Redis shares decisions between engine replicas through a Redis server.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

// DialRedis connects to addr and verifies the connection with a PING.
func DialRedis(ctx context.Context, addr string, ttl time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close() //nolint:errcheck // ping error takes precedence
		return nil, oops.In("cache").With("addr", addr).Wrap(err)
	}
	return NewRedis(client, ttl), nil
}

// Get returns the entry stored under key.
func (c *Redis) Get(ctx context.Context, key Key) (Entry, bool, error) {
	raw, err := c.client.Get(ctx, redisKeyPrefix+key.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		recordLookup("redis", false, nil)
		return Entry{}, false, nil
	}
	if err != nil {
		recordLookup("redis", false, err)
		return Entry{}, false, oops.In("cache").With("operation", "get").Wrap(err)
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		recordLookup("redis", false, err)
		return Entry{}, false, oops.In("cache").With("operation", "decode").Wrap(err)
	}
	recordLookup("redis", true, nil)
	return entry, true, nil
}

// Put stores entry under key with the configured TTL, shortened to the
// entry's ValidUntil when that comes first.
func (c *Redis) Put(ctx context.Context, key Key, entry Entry) error {
	ttl := c.ttl
	if !entry.ValidUntil.IsZero() {
		remaining := time.Until(entry.ValidUntil)
		if remaining <= 0 {
			return nil
		}
		ttl = min(ttl, remaining)
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return oops.In("cache").With("operation", "encode").Wrap(err)
	}
	if err := c.client.Set(ctx, redisKeyPrefix+key.String(), raw, ttl).Err(); err != nil {
		return oops.In("cache").With("operation", "set").Wrap(err)
	}
	return nil
}

// Close closes the underlying client.
func (c *Redis) Close() error {
	return c.client.Close()
}
