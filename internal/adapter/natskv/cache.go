// Package natskv adapts a NATS JetStream key-value bucket to the cache
// port. It is the shared L2 behind the in-process ristretto L1, so every
// replica sees the same task documents.
package natskv

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Cache reads and writes one JetStream KV bucket. Buckets come from the
// nats adapter's KeyValue method, which also owns their TTL.
type Cache struct {
	kv jetstream.KeyValue
}

// New returns a Cache over the given bucket.
func New(kv jetstream.KeyValue) *Cache {
	return &Cache{kv: kv}
}

// Get returns the stored value. An absent key is a plain miss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := c.kv.Get(ctx, key)
	switch {
	case err == nil:
		return entry.Value(), true, nil
	case errors.Is(err, jetstream.ErrKeyNotFound):
		return nil, false, nil
	default:
		return nil, false, err
	}
}

// Set stores value under key. The per-call TTL is ignored; expiry is a
// property of the bucket.
func (c *Cache) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	_, err := c.kv.Put(ctx, key, value)
	return err
}

// Delete removes key, treating an already-absent key as done.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.kv.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return err
	}
	return nil
}
