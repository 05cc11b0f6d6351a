// Package domain holds the sentinel errors the rest of the codebase
// classifies failures with. Adapters translate storage-specific errors
// into these; the HTTP layer maps them onto status codes.
package domain

import "errors"

// ErrNotFound marks lookups for entities that are absent. Stores return
// it for missing rows and blobs alike.
var ErrNotFound = errors.New("no such entity")

// ErrConflict marks optimistic-concurrency failures: the row changed
// between read and write.
var ErrConflict = errors.New("stale update, row changed since read")

// ErrValidation indicates a request that fails domain validation. Callers wrap
// it with the specific reason: fmt.Errorf("styles required: %w", ErrValidation).
var ErrValidation = errors.New("validation")

// ErrInvalidTransition indicates a task status change outside the allowed
// lifecycle graph.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrProtected indicates a file is still referenced by a task and must not be
// deleted.
var ErrProtected = errors.New("file is referenced and protected")

// ErrStoreUnavailable indicates the byte store failed to read or write content.
var ErrStoreUnavailable = errors.New("file store unavailable")
