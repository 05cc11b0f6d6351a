package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Closer is what New hands back so main can flush buffered logs on
// shutdown.
type Closer interface {
	Close()
}

// nopCloser stands in when logging is synchronous.
type nopCloser struct{}

func (nopCloser) Close() {}

// asyncItem pairs a record with the handler that enqueued it, so
// attributes added via WithAttrs or WithGroup survive the queue.
type asyncItem struct {
	inner slog.Handler
	rec   slog.Record
}

// queue is the state shared by an AsyncHandler and all its clones.
type queue struct {
	ch        chan asyncItem
	wg        sync.WaitGroup
	dropped   atomic.Int64
	closeOnce sync.Once
}

func (q *queue) drain() {
	defer q.wg.Done()
	for item := range q.ch {
		_ = item.inner.Handle(context.Background(), item.rec)
	}
}

// AsyncHandler decouples log emission from log formatting. Handle never
// blocks; when the buffer is full the record is counted and thrown away.
type AsyncHandler struct {
	inner slog.Handler
	q     *queue
}

// NewAsyncHandler buffers up to chanSize records and formats them on
// workers goroutines.
func NewAsyncHandler(inner slog.Handler, chanSize, workers int) *AsyncHandler {
	q := &queue{ch: make(chan asyncItem, chanSize)}
	for range workers {
		q.wg.Add(1)
		go q.drain()
	}
	return &AsyncHandler{inner: inner, q: q}
}

func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle enqueues the record without blocking, dropping it if the
// buffer is full.
func (h *AsyncHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler wants the record by value
	select {
	case h.q.ch <- asyncItem{inner: h.inner, rec: rec}:
	default:
		h.q.dropped.Add(1)
	}
	return nil
}

// WithAttrs returns a clone feeding the same queue and workers.
func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithAttrs(attrs), q: h.q}
}

// WithGroup returns a clone feeding the same queue and workers.
func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithGroup(name), q: h.q}
}

// DroppedCount reports how many records were thrown away on a full
// buffer.
func (h *AsyncHandler) DroppedCount() int64 {
	return h.q.dropped.Load()
}

// Close flushes queued records and stops the workers. It is idempotent.
// No Handle call may follow Close.
func (h *AsyncHandler) Close() {
	h.q.closeOnce.Do(func() {
		close(h.q.ch)
		h.q.wg.Wait()
	})
}
