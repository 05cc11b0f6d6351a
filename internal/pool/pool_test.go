package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func TestRunCapsConcurrency(t *testing.T) {
	const limit = 2
	p := New(limit)

	var running, peak atomic.Int32
	var g errgroup.Group
	for range 5 {
		g.Go(func() error {
			return p.Run(context.Background(), func() error {
				cur := running.Add(1)
				defer running.Add(-1)
				for {
					old := peak.Load()
					if cur <= old || peak.CompareAndSwap(old, cur) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if got := peak.Load(); got > limit {
		t.Fatalf("peak concurrency = %d, want <= %d", got, limit)
	}
}

func TestRunHonorsCancellation(t *testing.T) {
	p := New(1)

	hold := make(chan struct{})
	busy := make(chan struct{})
	go func() {
		_ = p.Run(context.Background(), func() error {
			close(busy)
			<-hold
			return nil
		})
	}()
	<-busy
	defer close(hold)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Run(ctx, func() error {
		t.Error("fn ran despite cancelled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() = %v, want context.Canceled", err)
	}
}

func TestRunReturnsFnError(t *testing.T) {
	p := New(1)

	want := errors.New("encode failed")
	if err := p.Run(context.Background(), func() error { return want }); !errors.Is(err, want) {
		t.Fatalf("Run() = %v, want %v", err, want)
	}
	// The slot must be free again after a failure.
	if err := p.Run(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("Run() after failure = %v", err)
	}
}

func TestZeroLimitClampsToOne(t *testing.T) {
	p := New(0)
	if err := p.Run(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("Run() with clamped limit = %v", err)
	}
}

func TestNilPoolRunsInline(t *testing.T) {
	var p *Pool
	ran := false
	if err := p.Run(context.Background(), func() error { ran = true; return nil }); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if !ran {
		t.Fatal("fn did not run on nil pool")
	}
}
