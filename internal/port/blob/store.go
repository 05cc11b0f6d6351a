// Package blob defines the port for immutable byte storage.
package blob

import (
	"context"
	"io"

	"github.com/Driftwald/ReelStudio/internal/domain/file"
)

// Store is the port interface for blob storage. Blobs are write-once: a Put
// either makes the full content visible under the id or leaves no trace.
type Store interface {
	// Put stores the content for the given file id and kind, returning the
	// written size and a content digest.
	Put(ctx context.Context, id string, kind file.Kind, contentType string, r io.Reader) (size int64, digest string, err error)

	// Open returns a reader over the stored content.
	// Returns domain.ErrNotFound if the blob does not exist.
	Open(ctx context.Context, id string, kind file.Kind, contentType string) (io.ReadCloser, error)

	// Remove deletes the stored content. Removing a missing blob is not an
	// error.
	Remove(ctx context.Context, id string, kind file.Kind, contentType string) error
}
