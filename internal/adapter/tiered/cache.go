// Package tiered stacks an in-process cache in front of a shared one.
package tiered

import (
	"context"
	"time"

	"github.com/Driftwald/ReelStudio/internal/port/cache"
)

// Cache reads task documents through two levels: the local level first,
// then the remote one, copying remote hits back into the local level so
// hot tasks stay in process. Writes and deletes go to both levels so an
// orchestrator invalidation clears every copy.
type Cache struct {
	local       cache.Cache
	remote      cache.Cache
	backfillTTL time.Duration
}

// New stacks l1 over l2. l1Expire bounds how long remote hits copied
// into l1 may live there.
func New(l1, l2 cache.Cache, l1Expire time.Duration) *Cache {
	return &Cache{local: l1, remote: l2, backfillTTL: l1Expire}
}

// Get returns the first hit, local level first.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if val, ok, err := c.local.Get(ctx, key); err != nil || ok {
		return val, ok, err
	}

	val, ok, err := c.remote.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}

	// Keep a local copy so the next read skips the network. A failed
	// backfill never fails the read.
	_ = c.local.Set(ctx, key, val, c.backfillTTL)
	return val, true, nil
}

// Set writes through to both levels with the caller's TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.local.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	return c.remote.Set(ctx, key, value, ttl)
}

// Delete removes key from both levels.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.local.Delete(ctx, key); err != nil {
		return err
	}
	return c.remote.Delete(ctx, key)
}
