// Package cache provides the reputation cache backing all pipeline stages:
// IP block state, rate-limit counters, and blacklist lookups. The contract
// is what matters, not the backing store: atomic increment-and-check with
// TTL, usable as an in-process map for a single instance or Redis for
// multi-instance deployments.
package cache

import (
	"context"
	"time"
)

// ReputationCache is a key/value store with TTL expiry and atomic counters.
// Increment applies the TTL only when the key is created, so a counter key
// expires a full window after its first event.
type ReputationCache interface {
	// Get returns the stored value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores a value with the given TTL. ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Increment atomically adds one to a counter, creating it with the TTL
	// if absent, and returns the new count.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Count returns the current counter value, zero if absent.
	Count(ctx context.Context, key string) (int64, error)
	// TTL returns the remaining lifetime of a key and whether it exists.
	TTL(ctx context.Context, key string) (time.Duration, bool, error)
	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
