// Package task defines the Task domain entity and its lifecycle state machine.
package task

import "time"

// Status represents the current state of a task.
type Status string

const (
	StatusQueued            Status = "queued"
	StatusGenerating        Status = "generating"
	StatusAwaitingSelection Status = "awaiting_selection"
	StatusComposing         Status = "composing"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusCancelled         Status = "cancelled"
)

// transitions is the closed lifecycle graph. Tasks move monotonically forward;
// terminal statuses map to nothing. Queued tasks may enter composing directly
// when they reuse a prior task's images (regenerate flow).
var transitions = map[Status][]Status{
	StatusQueued:            {StatusGenerating, StatusComposing, StatusFailed, StatusCancelled},
	StatusGenerating:        {StatusAwaitingSelection, StatusFailed, StatusCancelled},
	StatusAwaitingSelection: {StatusComposing, StatusFailed, StatusCancelled},
	StatusComposing:         {StatusCompleted, StatusFailed},
}

// Valid reports whether s is a known lifecycle status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusGenerating, StatusAwaitingSelection,
		StatusComposing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the lifecycle graph allows moving from s to next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true if the status is final.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanCancel reports whether a task in this status accepts external cancellation.
// Composition is never interrupted once started.
func (s Status) CanCancel() bool {
	return s.CanTransitionTo(StatusCancelled)
}

// ErrorKind classifies task failures and degraded outcomes.
type ErrorKind string

const (
	KindGenerationExhausted ErrorKind = "generation_exhausted"
	KindPartialGeneration   ErrorKind = "partial_generation"
	KindTimeout             ErrorKind = "timeout"
	KindEncodeError         ErrorKind = "encode_error"
	KindNotFound            ErrorKind = "not_found"
	KindProtected           ErrorKind = "protected"
	KindStoreUnavailable    ErrorKind = "store_unavailable"
)

// Failure records why a task failed, or why a successful task is degraded
// (partial generation is surfaced as a warning, not an error).
type Failure struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Config is the immutable snapshot of pipeline parameters captured at creation.
type Config struct {
	StyleCount      int      `json:"style_count"`
	Styles          []string `json:"styles"`
	Width           int      `json:"width"`
	Height          int      `json:"height"`
	FPS             int      `json:"fps"`
	Transition      string   `json:"transition"`
	PerImageSeconds float64  `json:"per_image_seconds"`
	LoopAudio       bool     `json:"loop_audio"`
	AutoCompose     bool     `json:"auto_compose"`
	Concurrency     int      `json:"concurrency,omitempty"`
}

// ImageResult is one entry of a task's images list, stamped with the index the
// style was requested at. Failed attempts carry an error marker and no file id.
type ImageResult struct {
	Index      int    `json:"index"`
	StyleLabel string `json:"style_label"`
	FileID     string `json:"file_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Succeeded reports whether the attempt produced an image.
func (r ImageResult) Succeeded() bool {
	return r.FileID != ""
}

// Task represents one end-to-end request moving through the
// generation/selection/composition pipeline.
type Task struct {
	ID              string        `json:"id"`
	Status          Status        `json:"status"`
	Progress        int           `json:"progress"`
	Message         string        `json:"message,omitempty"`
	Config          Config        `json:"config"`
	OriginalImageID string        `json:"original_image_id,omitempty"`
	AudioFileID     string        `json:"audio_file_id,omitempty"`
	Images          []ImageResult `json:"images"`
	Selection       *Selection    `json:"selection,omitempty"`
	VideoID         string        `json:"video_id,omitempty"`
	SourceTaskID    string        `json:"source_task_id,omitempty"`
	Error           *Failure      `json:"error,omitempty"`
	Warning         *Failure      `json:"warning,omitempty"`
	Version         int           `json:"version"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
}

// SuccessfulImages returns the generated entries that produced a file, in
// request order.
func (t *Task) SuccessfulImages() []ImageResult {
	out := make([]ImageResult, 0, len(t.Images))
	for _, img := range t.Images {
		if img.Succeeded() {
			out = append(out, img)
		}
	}
	return out
}

// FileIDs returns every file id the task references: the original upload, all
// generated images, the attached audio, and the composed video. These fields
// are the only legitimate references into the file store.
func (t *Task) FileIDs() []string {
	ids := make([]string, 0, len(t.Images)+3)
	if t.OriginalImageID != "" {
		ids = append(ids, t.OriginalImageID)
	}
	for _, img := range t.Images {
		if img.FileID != "" {
			ids = append(ids, img.FileID)
		}
	}
	if t.AudioFileID != "" {
		ids = append(ids, t.AudioFileID)
	}
	if t.VideoID != "" {
		ids = append(ids, t.VideoID)
	}
	return ids
}

// CreateRequest holds the fields needed to create a new task. The upload
// itself travels out of band (multipart).
type CreateRequest struct {
	StyleCount      int      `json:"style_count"`
	Styles          []string `json:"styles,omitempty"`
	Transition      string   `json:"transition,omitempty"`
	PerImageSeconds float64  `json:"per_image_seconds,omitempty"`
	LoopAudio       bool     `json:"loop_audio,omitempty"`
	AutoCompose     bool     `json:"auto_compose,omitempty"`
	Concurrency     int      `json:"concurrency,omitempty"`
}

// Selection orders a subset of a task's generated images for composition.
type Selection struct {
	ImageIDs        []string `json:"image_ids"`
	Transition      string   `json:"transition,omitempty"`
	PerImageSeconds float64  `json:"per_image_seconds,omitempty"`
	AudioFileID     string   `json:"audio_file_id,omitempty"`
	LoopAudio       *bool    `json:"loop_audio,omitempty"`
}

// RegenerateRequest creates a new task that reuses the source task's generated
// images. An empty ImageIDs list means "all successful images in order".
type RegenerateRequest struct {
	ImageIDs        []string `json:"image_ids,omitempty"`
	Transition      string   `json:"transition,omitempty"`
	PerImageSeconds float64  `json:"per_image_seconds,omitempty"`
	AudioFileID     string   `json:"audio_file_id,omitempty"`
	LoopAudio       *bool    `json:"loop_audio,omitempty"`
}

// DeleteResult itemizes the outcome of a task deletion. KeptFiles lists the
// files left in place because other tasks still reference them; keeping a
// file is an expected outcome, not an error.
type DeleteResult struct {
	TaskID       string   `json:"task_id"`
	DeletedFiles []string `json:"deleted_files"`
	KeptFiles    []string `json:"kept_files"`
}
