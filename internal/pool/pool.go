// Package pool bounds concurrency for expensive external work.
package pool

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Pool caps how many callers run at once. The generation scheduler pushes
// per-style calls through one Pool; composition runs share another so the
// ffmpeg process count stays bounded.
//
// A nil *Pool runs everything immediately, which keeps optional limits
// free of nil checks at call sites.
type Pool struct {
	slots *semaphore.Weighted
}

// New returns a Pool admitting at most limit concurrent calls. Limits
// below one are raised to one.
func New(limit int) *Pool {
	return &Pool{slots: semaphore.NewWeighted(int64(max(limit, 1)))}
}

// Run waits for a slot, runs fn, and frees the slot. Waiting ends early
// with ctx.Err() when the context is cancelled.
func (p *Pool) Run(ctx context.Context, fn func() error) error {
	if p == nil {
		return fn()
	}
	if err := p.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.slots.Release(1)
	return fn()
}
