package messagequeue

// TaskQueuedPayload is the schema for tasks.queued messages.
type TaskQueuedPayload struct {
	TaskID string `json:"task_id"`
}

// TaskStatusPayload is the schema for tasks.status messages.
type TaskStatusPayload struct {
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
}

// TaskProgressPayload is the schema for tasks.progress messages.
type TaskProgressPayload struct {
	TaskID   string `json:"task_id"`
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
}
