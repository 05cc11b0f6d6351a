// Package eventstore defines the port interface for the append-only event store.
package eventstore

import (
	"context"
	"time"

	"github.com/Driftwald/ReelStudio/internal/domain/event"
)

// Filter narrows a history page load. Zero values mean "no constraint".
type Filter struct {
	Types  []event.Type
	After  *time.Time
	Before *time.Time
}

// Page is one cursor-paginated slice of a task's event history.
type Page struct {
	Events  []event.TaskEvent `json:"events"`
	Cursor  string            `json:"cursor,omitempty"`
	HasMore bool              `json:"has_more"`
	Total   int               `json:"total"`
}

// Store is the port interface for appending and loading task lifecycle events.
type Store interface {
	// Append persists a new event. The store assigns ID, Version (next in
	// the task's sequence), and CreatedAt, and writes them back into ev.
	Append(ctx context.Context, ev *event.TaskEvent) error

	// LoadByTask returns all events for the given task, ordered by version.
	LoadByTask(ctx context.Context, taskID string) ([]event.TaskEvent, error)

	// LoadPage returns one filtered, cursor-paginated page of a task's
	// events. The cursor is the version of the last event on the previous
	// page; pass an empty cursor for the first page.
	LoadPage(ctx context.Context, taskID string, filter Filter, cursor string, limit int) (*Page, error)
}
