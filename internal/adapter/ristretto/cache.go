// Package ristretto is the in-process L1 of the cache hierarchy.
package ristretto

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Cache adapts a ristretto cache to the cache port. Writes land
// asynchronously: a Set is not guaranteed to be visible to an immediately
// following Get.
type Cache struct {
	rc *ristretto.Cache[string, []byte]
}

// New builds a cache bounded to maxCostBytes of stored values. Sizing
// assumes documents around 1 KiB; ristretto wants roughly ten admission
// counters per expected entry.
func New(maxCostBytes int64) (*Cache, error) {
	counters := maxCostBytes / 1024 * 10
	if counters < 1000 {
		counters = 1000
	}
	inner, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: counters,
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{rc: inner}, nil
}

func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	val, ok := c.rc.Get(key)
	return val, ok, nil
}

// Set stores value under key, charged at its byte length.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.rc.SetWithTTL(key, value, int64(len(value)), ttl)
	return nil
}

func (c *Cache) Delete(_ context.Context, key string) error {
	c.rc.Del(key)
	return nil
}

// Wait blocks until pending writes have been applied. Tests use it to
// make Set deterministic.
func (c *Cache) Wait() {
	c.rc.Wait()
}

// Close releases the cache's internal goroutines.
func (c *Cache) Close() {
	c.rc.Close()
}
