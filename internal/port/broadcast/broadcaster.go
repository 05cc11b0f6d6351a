// Package broadcast is the outbound port for pushing live task events to
// whoever is watching.
package broadcast

import "context"

// Broadcaster fans typed events out to connected clients. The ws.Hub is
// the production implementation.
type Broadcaster interface {
	// BroadcastEvent reaches every client without a task filter.
	BroadcastEvent(ctx context.Context, eventType string, payload any)

	// BroadcastTaskEvent reaches clients watching taskID as well as the
	// unfiltered ones.
	BroadcastTaskEvent(ctx context.Context, taskID, eventType string, payload any)
}
