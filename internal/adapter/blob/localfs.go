// Package blob provides a local filesystem implementation of the blob store
// port. Blobs are laid out as <root>/<kind dir>/<id><ext> and written through
// a temp file plus rename, so a crash mid-write never leaves a partial blob
// visible under its final name.
package blob

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/Driftwald/ReelStudio/internal/domain"
	"github.com/Driftwald/ReelStudio/internal/domain/file"
)

// kindDirs maps a file kind to its directory under the store root.
var kindDirs = map[file.Kind]string{
	file.KindUpload:         "uploads",
	file.KindGeneratedImage: "generated",
	file.KindVideo:          "videos",
}

// extensions maps content types to on-disk extensions. Unknown types fall
// back to .bin so the path stays derivable from the file record alone.
var extensions = map[string]string{
	"image/png":   ".png",
	"image/jpeg":  ".jpg",
	"image/webp":  ".webp",
	"audio/mpeg":  ".mp3",
	"audio/mp4":   ".m4a",
	"audio/aac":   ".aac",
	"audio/ogg":   ".ogg",
	"audio/wav":   ".wav",
	"audio/x-wav": ".wav",
	"video/mp4":   ".mp4",
}

// Extension returns the on-disk extension for a content type.
func Extension(contentType string) string {
	if ext, ok := extensions[contentType]; ok {
		return ext
	}
	return ".bin"
}

// LocalStore stores blobs on the local filesystem.
type LocalStore struct {
	root string
}

// NewLocalStore creates the store root and one directory per file kind.
func NewLocalStore(root string) (*LocalStore, error) {
	for _, dir := range kindDirs {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create blob dir %s: %w", dir, err)
		}
	}
	return &LocalStore{root: root}, nil
}

func (s *LocalStore) path(id string, kind file.Kind, contentType string) string {
	dir, ok := kindDirs[kind]
	if !ok {
		dir = "uploads"
	}
	return filepath.Join(s.root, dir, id+Extension(contentType))
}

// Put streams r into a temp file, then renames it into place. It returns the
// byte count and a blake2b-256 digest of the content. On any error the temp
// file is removed and nothing appears under the final path.
func (s *LocalStore) Put(ctx context.Context, id string, kind file.Kind, contentType string, r io.Reader) (int64, string, error) {
	if err := ctx.Err(); err != nil {
		return 0, "", err
	}

	tmp, err := os.CreateTemp(s.root, ".put-*")
	if err != nil {
		return 0, "", fmt.Errorf("create temp blob: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	hasher, err := blake2b.New256(nil)
	if err != nil {
		return 0, "", fmt.Errorf("init digest: %w", err)
	}
	size, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if err != nil {
		return 0, "", fmt.Errorf("write blob %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, "", fmt.Errorf("close blob %s: %w", id, err)
	}

	final := s.path(id, kind, contentType)
	if err := os.Rename(tmp.Name(), final); err != nil {
		return 0, "", fmt.Errorf("publish blob %s: %w", id, err)
	}
	return size, "blake2b:" + hex.EncodeToString(hasher.Sum(nil)), nil
}

// Open returns a reader over the stored content.
func (s *LocalStore) Open(ctx context.Context, id string, kind file.Kind, contentType string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(id, kind, contentType))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("open blob %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("open blob %s: %w", id, err)
	}
	return f, nil
}

// Remove deletes the stored content. A missing blob is not an error, so
// removal retries and sweeps stay idempotent.
func (s *LocalStore) Remove(ctx context.Context, id string, kind file.Kind, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.path(id, kind, contentType)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove blob %s: %w", id, err)
	}
	return nil
}

// CleanTemp removes leftover temp files older than maxAge. A crash between
// CreateTemp and Rename strands a .put-* file; this reclaims them at startup.
func (s *LocalStore) CleanTemp(maxAge time.Duration) (int, error) {
	matches, err := filepath.Glob(filepath.Join(s.root, ".put-*"))
	if err != nil {
		return 0, fmt.Errorf("scan temp blobs: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, name := range matches {
		info, err := os.Stat(name)
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(name); err == nil {
			removed++
		}
	}
	return removed, nil
}
