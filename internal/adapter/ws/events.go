package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Event type constants for WebSocket messages. They mirror the task event
// store types so clients see a single vocabulary.
const (
	EventTaskStatus   = "task.status"
	EventTaskProgress = "task.progress"
	EventTaskImage    = "task.image"
)

// TaskStatusEvent goes out on every status transition, carrying enough
// state for a client to render the task without a follow-up fetch.
type TaskStatusEvent struct {
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
}

// TaskProgressEvent is broadcast when a task's progress advances.
type TaskProgressEvent struct {
	TaskID   string `json:"task_id"`
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
}

// TaskImageEvent is broadcast when one style slot resolves during generation,
// successfully or not.
type TaskImageEvent struct {
	TaskID     string `json:"task_id"`
	Index      int    `json:"index"`
	StyleLabel string `json:"style_label"`
	FileID     string `json:"file_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// BroadcastEvent marshals a typed event and broadcasts it to all unscoped
// connections.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	h.broadcastEvent(ctx, "", eventType, payload)
}

// BroadcastTaskEvent marshals a typed event and sends it to connections
// watching taskID plus all unscoped connections.
func (h *Hub) BroadcastTaskEvent(ctx context.Context, taskID, eventType string, payload any) {
	h.broadcastEvent(ctx, taskID, eventType, payload)
}

func (h *Hub) broadcastEvent(ctx context.Context, taskID, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		// Dropping the event beats tearing down every connection.
		slog.Error("encode websocket event", "type", eventType, "error", err)
		return
	}

	h.send(ctx, taskID, Message{Type: eventType, Payload: data})
}
