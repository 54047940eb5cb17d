// Package kv defines the keyed, TTL-bound state shared by the revocation
// registry and the rate limiters, with in-process and Redis backends.
package kv

import (
	"context"
	"time"
)

// NoExpiry is reported by TTL for keys stored without a lifetime.
const NoExpiry time.Duration = -1

// Store is the minimal key/value surface the auth core needs. Implementations
// must make Incr atomic per key.
type Store interface {
	// Get returns the value and true, or false when the key is absent or expired.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set writes value with a lifetime; ttl <= 0 stores without expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// TTL returns the remaining lifetime, NoExpiry for keys without one,
	// and false when the key is absent.
	TTL(ctx context.Context, key string) (time.Duration, bool, error)
	Delete(ctx context.Context, key string) error
	// Incr increments a counter. The first increment of a missing or expired
	// key starts a new window of the given length. It returns the new count
	// and the time left in the current window.
	Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

// Sweeper is implemented by stores that hold expired entries in memory until
// they are explicitly discarded. Stores with native expiry do not need it.
type Sweeper interface {
	// SweepPrefix removes entries under prefix that expired at or before now
	// and reports how many were removed.
	SweepPrefix(prefix string, now time.Time) int
}
