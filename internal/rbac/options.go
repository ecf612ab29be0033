// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package rbac

import (
	"time"

	"github.com/holomush/gatekeeper/internal/cache"
)

// Defaults for Service and Resolver options.
const (
	DefaultMaxRetries      = 3
	DefaultRetryBaseDelay  = 10 * time.Millisecond
	DefaultDecisionTimeout = 250 * time.Millisecond
)

type options struct {
	now        func() time.Time
	maxRetries uint64
	baseDelay  time.Duration
	timeout    time.Duration
	cache      cache.Cache
}

func defaultOptions() options {
	return options{
		now:        time.Now,
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultRetryBaseDelay,
		timeout:    DefaultDecisionTimeout,
		cache:      cache.Noop{},
	}
}

// Option configures a Service or Resolver.
type Option func(*options)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithRetry bounds VERSION_CONFLICT retries for Service mutations.
func WithRetry(maxRetries uint64, baseDelay time.Duration) Option {
	return func(o *options) {
		o.maxRetries = maxRetries
		if baseDelay > 0 {
			o.baseDelay = baseDelay
		}
	}
}

// WithTimeout bounds the store reads behind a Resolver decision.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithCache sets the Resolver's decision cache.
func WithCache(c cache.Cache) Option {
	return func(o *options) {
		if c != nil {
			o.cache = c
		}
	}
}
