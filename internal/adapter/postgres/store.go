package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Driftwald/ReelStudio/internal/domain"
	"github.com/Driftwald/ReelStudio/internal/domain/task"
	"github.com/Driftwald/ReelStudio/internal/port/database"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// taskColumns is the shared SELECT list, in scanTask order. Nullable uuid
// columns are coalesced to empty strings so they scan into plain string
// fields, and id comparisons go through ::text so a malformed or empty id
// reads as "no rows" instead of a cast error.
const taskColumns = `id, status, progress, message, config,
	COALESCE(original_image_id::text, ''), COALESCE(audio_file_id::text, ''),
	COALESCE(video_id::text, ''), COALESCE(source_task_id::text, ''),
	selection, COALESCE(error_kind, ''), COALESCE(error_message, ''),
	COALESCE(warning_kind, ''), COALESCE(warning_message, ''),
	version, created_at, updated_at, completed_at`

// --- Tasks ---

func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	configJSON, err := json.Marshal(t.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	selectionJSON, err := marshalSelection(t.Selection)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO tasks (id, status, progress, message, config,
		                    original_image_id, audio_file_id, video_id, source_task_id,
		                    selection, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		t.ID, string(t.Status), t.Progress, t.Message, configJSON,
		nilIfEmpty(t.OriginalImageID), nilIfEmpty(t.AudioFileID),
		nilIfEmpty(t.VideoID), nilIfEmpty(t.SourceTaskID),
		selectionJSON, t.Version, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id::text = $1`, id)

	t, err := scanTask(row)
	if err != nil {
		return nil, wrapNotFound(err, "get task %s", id)
	}

	images, err := s.listTaskImages(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Images = images
	return &t, nil
}

func (s *Store) ListTasks(ctx context.Context, filter database.TaskFilter) ([]task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(filter.Status))
	}
	// Tasks a client is likely waiting on sort first, newest first within
	// each group.
	query += ` ORDER BY (status IN ('completed', 'awaiting_selection')) DESC, created_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []task.Task
	var ids []string
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
		ids = append(ids, t.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return []task.Task{}, nil
	}

	// One batched query for the image rows instead of one per task.
	byTask, err := s.listImagesByTask(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		tasks[i].Images = emptyIfNil(byTask[tasks[i].ID])
	}
	return tasks, nil
}

// UpdateTask persists t under optimistic concurrency control: the row is
// written only while the stored version still matches t.Version and the
// stored status still equals from. Zero rows affected means another writer
// moved the task first; the caller must re-read and re-decide.
func (s *Store) UpdateTask(ctx context.Context, t *task.Task, from task.Status) error {
	selectionJSON, err := marshalSelection(t.Selection)
	if err != nil {
		return err
	}
	var errKind, errMsg string
	if t.Error != nil {
		errKind = string(t.Error.Kind)
		errMsg = t.Error.Message
	}
	var warnKind, warnMsg string
	if t.Warning != nil {
		warnKind = string(t.Warning.Kind)
		warnMsg = t.Warning.Message
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $2, progress = GREATEST(progress, $3), message = $4,
		        audio_file_id = $5, video_id = $6, selection = $7,
		        error_kind = $8, error_message = $9, warning_kind = $10, warning_message = $11,
		        completed_at = $12, version = version + 1, updated_at = now()
		 WHERE id::text = $1 AND version = $13 AND status = $14`,
		t.ID, string(t.Status), t.Progress, t.Message,
		nilIfEmpty(t.AudioFileID), nilIfEmpty(t.VideoID), selectionJSON,
		nilIfEmpty(errKind), nilIfEmpty(errMsg),
		nilIfEmpty(warnKind), nilIfEmpty(warnMsg),
		nilIfZero(t.CompletedAt), t.Version, string(from))
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update task %s: %w", t.ID, domain.ErrConflict)
	}
	t.Version++
	return nil
}

// UpdateTaskProgress advances progress and message without bumping the
// version. GREATEST keeps progress monotonic when a stale worker reports
// late, and the status predicate makes reports against terminal tasks no-ops.
func (s *Store) UpdateTaskProgress(ctx context.Context, id string, progress int, message string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE tasks SET progress = GREATEST(progress, $2), message = $3, updated_at = now()
		 WHERE id::text = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		id, progress, message)
	if err != nil {
		return fmt.Errorf("update task progress %s: %w", id, err)
	}
	return nil
}

// AppendImageResult records one per-style outcome. The (task_id, idx) key
// makes redelivery idempotent: the first write wins, duplicates are dropped.
func (s *Store) AppendImageResult(ctx context.Context, taskID string, res task.ImageResult) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO task_images (task_id, idx, style_label, file_id, error)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (task_id, idx) DO NOTHING`,
		taskID, res.Index, res.StyleLabel, nilIfEmpty(res.FileID), nilIfEmpty(res.Error))
	if err != nil {
		return fmt.Errorf("append image result %s[%d]: %w", taskID, res.Index, err)
	}
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id::text = $1`, id)
	return execOne(tag, err, "delete task %s", id)
}

func (s *Store) listTaskImages(ctx context.Context, taskID string) ([]task.ImageResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT idx, style_label, COALESCE(file_id::text, ''), COALESCE(error, '')
		 FROM task_images WHERE task_id::text = $1 ORDER BY idx ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task images %s: %w", taskID, err)
	}
	defer rows.Close()

	var images []task.ImageResult
	for rows.Next() {
		var img task.ImageResult
		if err := rows.Scan(&img.Index, &img.StyleLabel, &img.FileID, &img.Error); err != nil {
			return nil, fmt.Errorf("scan task image: %w", err)
		}
		images = append(images, img)
	}
	return emptyIfNil(images), rows.Err()
}

func (s *Store) listImagesByTask(ctx context.Context, taskIDs []string) (map[string][]task.ImageResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT task_id::text, idx, style_label, COALESCE(file_id::text, ''), COALESCE(error, '')
		 FROM task_images WHERE task_id = ANY($1::uuid[]) ORDER BY task_id, idx ASC`, taskIDs)
	if err != nil {
		return nil, fmt.Errorf("list task images: %w", err)
	}
	defer rows.Close()

	byTask := make(map[string][]task.ImageResult)
	for rows.Next() {
		var taskID string
		var img task.ImageResult
		if err := rows.Scan(&taskID, &img.Index, &img.StyleLabel, &img.FileID, &img.Error); err != nil {
			return nil, fmt.Errorf("scan task image: %w", err)
		}
		byTask[taskID] = append(byTask[taskID], img)
	}
	return byTask, rows.Err()
}

// --- Scanners ---

func scanTask(row rowScanner) (task.Task, error) {
	var t task.Task
	var configJSON, selectionJSON []byte
	var errKind, errMsg, warnKind, warnMsg string
	err := row.Scan(
		&t.ID, &t.Status, &t.Progress, &t.Message, &configJSON,
		&t.OriginalImageID, &t.AudioFileID, &t.VideoID, &t.SourceTaskID,
		&selectionJSON, &errKind, &errMsg, &warnKind, &warnMsg,
		&t.Version, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt,
	)
	if err != nil {
		return t, err
	}
	if configJSON != nil {
		if err := json.Unmarshal(configJSON, &t.Config); err != nil {
			return t, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	if selectionJSON != nil {
		var sel task.Selection
		if err := json.Unmarshal(selectionJSON, &sel); err != nil {
			return t, fmt.Errorf("unmarshal selection: %w", err)
		}
		t.Selection = &sel
	}
	if errKind != "" {
		t.Error = &task.Failure{Kind: task.ErrorKind(errKind), Message: errMsg}
	}
	if warnKind != "" {
		t.Warning = &task.Failure{Kind: task.ErrorKind(warnKind), Message: warnMsg}
	}
	return t, nil
}

func marshalSelection(sel *task.Selection) ([]byte, error) {
	if sel == nil {
		return nil, nil
	}
	data, err := json.Marshal(sel)
	if err != nil {
		return nil, fmt.Errorf("marshal selection: %w", err)
	}
	return data, nil
}
