// Package messagequeue is the port for the task pipeline's pub/sub layer.
package messagequeue

import "context"

// Handler consumes one message. The ctx carries request-scoped values
// recovered from the message headers, such as the correlation ID.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue publishes and subscribes to pipeline subjects. The NATS adapter
// is the production implementation.
type Queue interface {
	// Publish sends data to subject. A correlation ID present on ctx is
	// attached as a message header.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe runs handler for every message arriving on subject until
	// the returned cancel function is called.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain stops accepting messages, processes what is pending, then
	// closes the connection.
	Drain() error

	// Close drops the connection without waiting for pending messages.
	Close() error

	// IsConnected reports whether the queue is currently reachable.
	IsConnected() bool
}

// Subjects of the task pipeline.
const (
	// SubjectTaskQueued admits a new task to the pipeline; consumed by the
	// orchestrator's subscriber.
	SubjectTaskQueued = "tasks.queued"

	// SubjectTaskStatus announces status transitions to external consumers.
	SubjectTaskStatus = "tasks.status"

	// SubjectTaskProgress announces progress updates to external consumers.
	SubjectTaskProgress = "tasks.progress"
)
