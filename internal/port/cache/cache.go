// Package cache is the port for byte-level key-value caching. Adapters
// back it with ristretto in process, JetStream KV across processes, or
// both levels stacked.
package cache

import (
	"context"
	"time"
)

// Cache stores opaque byte values under string keys. Implementations
// must tolerate concurrent use.
type Cache interface {
	// Get returns the cached value and whether the key was present.
	// A miss is not an error.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key for at most ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}
