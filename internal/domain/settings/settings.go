// Package settings defines the domain types for runtime-tunable settings.
package settings

import (
	"encoding/json"
	"time"
)

// Setting represents one key-value setting row. Values are stored as raw
// JSON so booleans, numbers, and structured values all fit the same column.
type Setting struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// UpdateRequest carries a batch of settings writes. Keys absent from the
// map are left untouched.
type UpdateRequest struct {
	Settings map[string]json.RawMessage `json:"settings"`
}

// Keys the pipeline itself consults. Anything else is free-form client state.
const (
	// KeyGenerationPaused stops the orchestrator from starting new
	// generation phases while true. In-flight work keeps running.
	KeyGenerationPaused = "generation.paused"

	// KeySweepPaused disables the orphan file sweeper while true.
	KeySweepPaused = "sweep.paused"

	// KeyGenerationAPIKey overrides the environment-provided key for the
	// generation upstream.
	KeyGenerationAPIKey = "generation.api_key"
)

// IsTrue reports whether a raw setting value is the JSON boolean true.
// Missing and malformed values read as false.
func IsTrue(v json.RawMessage) bool {
	var b bool
	return json.Unmarshal(v, &b) == nil && b
}
