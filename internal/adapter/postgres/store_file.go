package postgres

import (
	"context"
	"fmt"

	"github.com/Driftwald/ReelStudio/internal/domain/file"
)

// --- Files ---

func (s *Store) CreateFile(ctx context.Context, f *file.File) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO files (id, kind, content_type, size, digest, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		f.ID, string(f.Kind), f.ContentType, f.Size, f.Digest, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("create file %s: %w", f.ID, err)
	}
	return nil
}

func (s *Store) GetFile(ctx context.Context, id string) (*file.File, error) {
	var f file.File
	err := s.pool.QueryRow(ctx,
		`SELECT id, kind, content_type, size, digest, created_at
		 FROM files WHERE id::text = $1`, id,
	).Scan(&f.ID, &f.Kind, &f.ContentType, &f.Size, &f.Digest, &f.CreatedAt)
	if err != nil {
		return nil, wrapNotFound(err, "get file %s", id)
	}
	return &f, nil
}

func (s *Store) ListFiles(ctx context.Context) ([]file.File, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, content_type, size, digest, created_at
		 FROM files ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var files []file.File
	for rows.Next() {
		var f file.File
		if err := rows.Scan(&f.ID, &f.Kind, &f.ContentType, &f.Size, &f.Digest, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, f)
	}
	return emptyIfNil(files), rows.Err()
}

func (s *Store) DeleteFile(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM files WHERE id::text = $1`, id)
	return execOne(tag, err, "delete file %s", id)
}

// IsFileReferenced reports whether any task other than excludeTaskID still
// points at the file, either through one of its direct columns or through a
// generated image row. Pass an empty excludeTaskID to count every task.
func (s *Store) IsFileReferenced(ctx context.Context, fileID, excludeTaskID string) (bool, error) {
	var referenced bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM tasks
		     WHERE id::text <> $2
		       AND $1 IN (original_image_id::text, audio_file_id::text, video_id::text)
		 ) OR EXISTS (
		     SELECT 1 FROM task_images
		     WHERE file_id::text = $1 AND task_id::text <> $2
		 )`, fileID, excludeTaskID,
	).Scan(&referenced)
	if err != nil {
		return false, fmt.Errorf("check file references %s: %w", fileID, err)
	}
	return referenced, nil
}

// ReferencedFileIDs returns the set of file ids any task row still points at.
// The sweeper diffs this against the files table to find orphans.
func (s *Store) ReferencedFileIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT original_image_id::text FROM tasks WHERE original_image_id IS NOT NULL
		 UNION
		 SELECT audio_file_id::text FROM tasks WHERE audio_file_id IS NOT NULL
		 UNION
		 SELECT video_id::text FROM tasks WHERE video_id IS NOT NULL
		 UNION
		 SELECT file_id::text FROM task_images WHERE file_id IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("list referenced file ids: %w", err)
	}
	defer rows.Close()

	refs := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan referenced file id: %w", err)
		}
		refs[id] = true
	}
	return refs, rows.Err()
}
