package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Driftwald/ReelStudio/internal/adapter/imaging"
	"github.com/Driftwald/ReelStudio/internal/adapter/otel"
	"github.com/Driftwald/ReelStudio/internal/config"
	"github.com/Driftwald/ReelStudio/internal/domain"
	"github.com/Driftwald/ReelStudio/internal/domain/file"
	"github.com/Driftwald/ReelStudio/internal/domain/settings"
	"github.com/Driftwald/ReelStudio/internal/port/blob"
	"github.com/Driftwald/ReelStudio/internal/port/database"
)

// FileStoreService owns the file lifecycle: validated ingestion, retrieval,
// reference-protected deletion, and the orphan sweep. Files are immutable
// after Put and have no single owner; the set of tasks referencing a file
// decides whether it may be removed.
type FileStoreService struct {
	store   database.Store
	blobs   blob.Store
	cfg     config.Storage
	metrics *otel.Metrics
}

// NewFileStoreService creates a new FileStoreService.
func NewFileStoreService(store database.Store, blobs blob.Store, cfg config.Storage) *FileStoreService {
	return &FileStoreService{store: store, blobs: blobs, cfg: cfg}
}

// SetMetrics attaches OTEL instruments. Nil metrics are skipped.
func (s *FileStoreService) SetMetrics(m *otel.Metrics) {
	s.metrics = m
}

// maxBytes returns the size cap for incoming content, or zero for no cap.
// Videos are produced by the composition pipeline itself and are not capped.
func (s *FileStoreService) maxBytes(kind file.Kind, contentType string) int64 {
	switch {
	case kind == file.KindVideo:
		return 0
	case strings.HasPrefix(contentType, "audio/"):
		return s.cfg.MaxAudioSizeMB << 20
	default:
		return s.cfg.MaxImageSizeMB << 20
	}
}

// Put streams content into the blob store and records its metadata. Either
// both the blob and the record exist afterwards, or neither does.
func (s *FileStoreService) Put(ctx context.Context, kind file.Kind, contentType string, r io.Reader) (*file.File, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown file kind %q: %w", kind, domain.ErrValidation)
	}

	id := uuid.NewString()
	limit := s.maxBytes(kind, contentType)
	if limit > 0 {
		// One extra byte so an at-limit read is distinguishable from overflow.
		r = io.LimitReader(r, limit+1)
	}

	size, digest, err := s.blobs.Put(ctx, id, kind, contentType, r)
	if err != nil {
		return nil, fmt.Errorf("store blob: %w", err)
	}
	if limit > 0 && size > limit {
		_ = s.blobs.Remove(ctx, id, kind, contentType)
		return nil, fmt.Errorf("file exceeds %d MiB limit: %w", limit>>20, domain.ErrValidation)
	}

	f := &file.File{
		ID:          id,
		Kind:        kind,
		ContentType: contentType,
		Size:        size,
		Digest:      digest,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateFile(ctx, f); err != nil {
		_ = s.blobs.Remove(ctx, id, kind, contentType)
		return nil, err
	}

	slog.Debug("file stored", "file_id", id, "kind", kind, "size", size)
	return f, nil
}

// PutImage validates that data decodes as a supported image within the
// configured dimension bounds, then stores it.
func (s *FileStoreService) PutImage(ctx context.Context, kind file.Kind, contentType string, data []byte) (*file.File, error) {
	if max := s.cfg.MaxImageSizeMB << 20; int64(len(data)) > max {
		return nil, fmt.Errorf("image exceeds %d MiB limit: %w", s.cfg.MaxImageSizeMB, domain.ErrValidation)
	}
	if _, err := imaging.Probe(bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return s.Put(ctx, kind, contentType, bytes.NewReader(data))
}

// PutAudio stores an audio attachment. Audio content is opaque to the
// pipeline; only the declared type and size are checked here, and ffmpeg
// rejects undecodable tracks at composition time.
func (s *FileStoreService) PutAudio(ctx context.Context, contentType string, data []byte) (*file.File, error) {
	if !strings.HasPrefix(contentType, "audio/") {
		return nil, fmt.Errorf("not an audio content type %q: %w", contentType, domain.ErrValidation)
	}
	if max := s.cfg.MaxAudioSizeMB << 20; int64(len(data)) > max {
		return nil, fmt.Errorf("audio exceeds %d MiB limit: %w", s.cfg.MaxAudioSizeMB, domain.ErrValidation)
	}
	return s.Put(ctx, file.KindUpload, contentType, bytes.NewReader(data))
}

// Get returns a file's metadata and an open reader over its content. The
// caller closes the reader.
func (s *FileStoreService) Get(ctx context.Context, id string) (*file.File, io.ReadCloser, error) {
	f, err := s.store.GetFile(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.blobs.Open(ctx, f.ID, f.Kind, f.ContentType)
	if err != nil {
		return nil, nil, err
	}
	return f, rc, nil
}

// DeleteIfUnreferenced removes the file unless a task other than
// excludeTaskID still references it. Returns true when the file was deleted
// and false when it was protected. The blob goes first: if the record delete
// then fails, the next sweep finds the record still unreferenced and retries.
func (s *FileStoreService) DeleteIfUnreferenced(ctx context.Context, fileID, excludeTaskID string) (bool, error) {
	f, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		return false, err
	}

	referenced, err := s.store.IsFileReferenced(ctx, fileID, excludeTaskID)
	if err != nil {
		return false, err
	}
	if referenced {
		slog.Info("file protected by other references", "file_id", fileID, "excluding_task", excludeTaskID)
		return false, nil
	}

	if err := s.blobs.Remove(ctx, f.ID, f.Kind, f.ContentType); err != nil {
		return false, fmt.Errorf("remove blob %s: %w", fileID, err)
	}
	if err := s.store.DeleteFile(ctx, fileID); err != nil {
		return false, err
	}
	return true, nil
}

// SweepOrphans deletes every file no task references, skipping files younger
// than minAge. The grace window covers files already written whose task
// record has not committed yet. Per-file failures are logged and skipped so
// one bad entry cannot stall the sweep.
func (s *FileStoreService) SweepOrphans(ctx context.Context, minAge time.Duration) (int, error) {
	if s.sweepPaused(ctx) {
		slog.Info("orphan sweep paused")
		return 0, nil
	}

	ctx, span := otel.StartSweepSpan(ctx)
	defer span.End()

	refs, err := s.store.ReferencedFileIDs(ctx)
	if err != nil {
		return 0, err
	}
	files, err := s.store.ListFiles(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-minAge)
	removed := 0
	for i := range files {
		f := &files[i]
		if refs[f.ID] || f.CreatedAt.After(cutoff) {
			continue
		}
		if err := s.blobs.Remove(ctx, f.ID, f.Kind, f.ContentType); err != nil {
			slog.Error("sweep: remove blob", "file_id", f.ID, "error", err)
			continue
		}
		if err := s.store.DeleteFile(ctx, f.ID); err != nil {
			slog.Error("sweep: delete file record", "file_id", f.ID, "error", err)
			continue
		}
		removed++
	}

	span.SetAttributes(attribute.Int("sweep.removed", removed))
	if s.metrics != nil && removed > 0 {
		s.metrics.FilesSwept.Add(ctx, int64(removed))
	}
	if removed > 0 {
		slog.Info("orphan sweep removed files", "count", removed)
	}
	return removed, nil
}

// StorageStats aggregates file counts and sizes for admin surfaces.
func (s *FileStoreService) StorageStats(ctx context.Context) (*file.StorageStats, error) {
	files, err := s.store.ListFiles(ctx)
	if err != nil {
		return nil, err
	}
	refs, err := s.store.ReferencedFileIDs(ctx)
	if err != nil {
		return nil, err
	}

	stats := &file.StorageStats{ByKind: make(map[file.Kind]int)}
	for i := range files {
		f := &files[i]
		stats.TotalFiles++
		stats.TotalBytes += f.Size
		stats.ByKind[f.Kind]++
		if !refs[f.ID] {
			stats.Orphans++
		}
	}
	return stats, nil
}

// sweepPaused reads the operator switch that holds the sweep. A missing or
// unreadable setting means "not paused".
func (s *FileStoreService) sweepPaused(ctx context.Context) bool {
	setting, err := s.store.GetSetting(ctx, settings.KeySweepPaused)
	if err != nil {
		return false
	}
	return settings.IsTrue(setting.Value)
}

// StartSweeper starts a background goroutine that periodically sweeps orphan
// files. It stops when ctx is cancelled.
func (s *FileStoreService) StartSweeper(ctx context.Context) {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		slog.Info("orphan sweeper disabled")
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.SweepOrphans(ctx, s.cfg.SweepMinAge); err != nil {
					slog.Error("orphan sweep failed", "error", err)
				}
			}
		}
	}()
}
