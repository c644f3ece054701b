// Package ratelimit provides the rate limiting used for per-goal delivery
// frequency and for candidate submission on the HTTP API.
//
// MemoryLimiter is an in-process token bucket. A shared implementation can be
// substituted for multi-instance deployments; the Limiter interface is the
// contract.
package ratelimit

import (
	"context"
	"time"
)

// Limiter decides whether an event identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the event should proceed.
	// The key is opaque; callers construct it (e.g. "goal:<id>").
	// Returning an error signals a limiter malfunction; callers treat errors
	// as fail-open.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// Delayer is implemented by limiters that can tell how long until key is
// allowed again.
type Delayer interface {
	Delay(key string) time.Duration
}

// NoopLimiter permits every event. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
