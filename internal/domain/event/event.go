// Package event defines the TaskEvent domain entity for the lifecycle log.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies the kind of task event.
type Type string

const (
	TypeTaskCreated   Type = "task.created"
	TypeStatusChanged Type = "task.status"
	TypeProgress      Type = "task.progress"
	TypeImageResult   Type = "task.image"
	TypeSelection     Type = "task.selection"
)

// TaskEvent represents a single immutable entry in a task's lifecycle log.
// Events are append-only and ordered per task by Version.
type TaskEvent struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Version   int             `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
}

// New builds an unsaved event with payload marshaled to JSON. The store
// assigns ID, Version and CreatedAt on append. A nil payload is allowed.
func New(taskID string, typ Type, payload any) (*TaskEvent, error) {
	ev := &TaskEvent{TaskID: taskID, Type: typ}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		ev.Payload = data
	}
	return ev, nil
}
