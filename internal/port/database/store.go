// Package database defines the database store port (interface).
package database

import (
	"context"
	"encoding/json"

	"github.com/Driftwald/ReelStudio/internal/domain/file"
	"github.com/Driftwald/ReelStudio/internal/domain/settings"
	"github.com/Driftwald/ReelStudio/internal/domain/task"
)

// TaskFilter narrows ListTasks results. A zero filter lists everything.
type TaskFilter struct {
	Status task.Status
	Limit  int
}

// Store is the port interface for durable task and file records.
type Store interface {
	// Tasks
	CreateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]task.Task, error)
	DeleteTask(ctx context.Context, id string) error

	// UpdateTask writes the task's mutable fields under optimistic
	// concurrency: the row is updated only when both the stored version and
	// the expected prior status match. A failed predicate returns
	// domain.ErrConflict and the caller re-reads. On success t.Version is
	// incremented.
	UpdateTask(ctx context.Context, t *task.Task, from task.Status) error

	// UpdateTaskProgress raises progress (never lowers it) and refreshes the
	// message while the task is non-terminal. It does not touch the version.
	UpdateTaskProgress(ctx context.Context, id string, progress int, message string) error

	// AppendImageResult records one per-style outcome at its request index.
	// Rows are append-only during the task's active lifetime.
	AppendImageResult(ctx context.Context, taskID string, res task.ImageResult) error

	// Files
	CreateFile(ctx context.Context, f *file.File) error
	GetFile(ctx context.Context, id string) (*file.File, error)
	ListFiles(ctx context.Context) ([]file.File, error)
	DeleteFile(ctx context.Context, id string) error

	// IsFileReferenced reports whether any task other than excludeTaskID
	// references the file, via original image, generated images, attached
	// audio, or composed video.
	IsFileReferenced(ctx context.Context, fileID, excludeTaskID string) (bool, error)

	// ReferencedFileIDs returns the union of all file references across all
	// task records.
	ReferencedFileIDs(ctx context.Context) (map[string]bool, error)

	// Settings
	ListSettings(ctx context.Context) ([]settings.Setting, error)
	GetSetting(ctx context.Context, key string) (*settings.Setting, error)
	UpsertSetting(ctx context.Context, key string, value json.RawMessage) error
}
