package messagequeue

import (
	"encoding/json"
	"fmt"
)

// wireSchemas maps each subject to a constructor for its payload type.
// Subjects not listed here only need to carry valid JSON, so new message
// kinds can ship before every consumer learns their shape.
var wireSchemas = map[string]func() any{
	SubjectTaskQueued:   func() any { return &TaskQueuedPayload{} },
	SubjectTaskStatus:   func() any { return &TaskStatusPayload{} },
	SubjectTaskProgress: func() any { return &TaskProgressPayload{} },
}

// Validate rejects data that is not JSON, or that does not decode into
// the schema registered for subject.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("malformed JSON on %s", subject)
	}
	schema, ok := wireSchemas[subject]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(data, schema()); err != nil {
		return fmt.Errorf("payload for %s does not match its schema: %w", subject, err)
	}
	return nil
}
