package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/Driftwald/ReelStudio/internal/adapter/otel"
	"github.com/Driftwald/ReelStudio/internal/adapter/ws"
	"github.com/Driftwald/ReelStudio/internal/config"
	"github.com/Driftwald/ReelStudio/internal/domain"
	"github.com/Driftwald/ReelStudio/internal/domain/event"
	"github.com/Driftwald/ReelStudio/internal/domain/file"
	"github.com/Driftwald/ReelStudio/internal/domain/task"
	"github.com/Driftwald/ReelStudio/internal/port/broadcast"
	"github.com/Driftwald/ReelStudio/internal/port/cache"
	"github.com/Driftwald/ReelStudio/internal/port/database"
	"github.com/Driftwald/ReelStudio/internal/port/eventstore"
	"github.com/Driftwald/ReelStudio/internal/port/messagequeue"
)

const taskCachePrefix = "task:"

// Upload is one in-memory multipart part handed to task creation.
type Upload struct {
	Data        []byte
	ContentType string
}

// TaskService is the API-facing surface of the pipeline: creation, reads,
// selection and cancel pass-through, regeneration, and the deletion
// protocol. Status transitions themselves belong to the orchestrator.
type TaskService struct {
	store   database.Store
	files   *FileStoreService
	queue   messagequeue.Queue
	genCfg  config.Generation
	compCfg config.Composition

	cache    cache.Cache
	cacheTTL time.Duration
	events   eventstore.Store
	hub      broadcast.Broadcaster
	orch     *Orchestrator
	metrics  *otel.Metrics
}

// NewTaskService creates a new TaskService.
func NewTaskService(store database.Store, files *FileStoreService, queue messagequeue.Queue, cfg *config.Config) *TaskService {
	return &TaskService{
		store:    store,
		files:    files,
		queue:    queue,
		genCfg:   cfg.Generation,
		compCfg:  cfg.Composition,
		cacheTTL: cfg.Cache.L2TTL,
	}
}

// SetCache attaches the task document cache.
func (s *TaskService) SetCache(c cache.Cache) { s.cache = c }

// SetEvents attaches the lifecycle event store.
func (s *TaskService) SetEvents(es eventstore.Store) { s.events = es }

// SetHub attaches the WebSocket broadcaster.
func (s *TaskService) SetHub(hub broadcast.Broadcaster) { s.hub = hub }

// SetOrchestrator wires the orchestrator that selection and cancel delegate to.
func (s *TaskService) SetOrchestrator(o *Orchestrator) { s.orch = o }

// SetMetrics attaches OTEL instruments. Nil metrics are skipped.
func (s *TaskService) SetMetrics(m *otel.Metrics) { s.metrics = m }

// Create validates the request, stores the source image and optional audio,
// persists the task in queued state, and publishes the admission message.
func (s *TaskService) Create(ctx context.Context, req task.CreateRequest, image Upload, audio *Upload) (*task.Task, error) {
	if err := task.ValidateCreateRequest(req, s.genCfg.MaxStyles); err != nil {
		return nil, err
	}
	if len(image.Data) == 0 {
		return nil, fmt.Errorf("image upload is required: %w", domain.ErrValidation)
	}

	img, err := s.files.PutImage(ctx, file.KindUpload, image.ContentType, image.Data)
	if err != nil {
		return nil, fmt.Errorf("store source image: %w", err)
	}

	var audioID string
	if audio != nil && len(audio.Data) > 0 {
		af, err := s.files.PutAudio(ctx, audio.ContentType, audio.Data)
		if err != nil {
			return nil, fmt.Errorf("store audio: %w", err)
		}
		audioID = af.ID
	}

	now := time.Now().UTC()
	t := &task.Task{
		ID:              uuid.NewString(),
		Status:          task.StatusQueued,
		Message:         "queued",
		Config:          s.buildConfig(req),
		OriginalImageID: img.ID,
		AudioFileID:     audioID,
		Images:          []task.ImageResult{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}

	s.appendEvent(ctx, t.ID, event.TypeTaskCreated, map[string]any{
		"style_count":  t.Config.StyleCount,
		"auto_compose": t.Config.AutoCompose,
	})
	if s.metrics != nil {
		s.metrics.TasksCreated.Add(ctx, 1)
	}
	s.publishQueued(ctx, t.ID)
	s.broadcastStatus(ctx, t)

	slog.Info("task created", "task_id", t.ID, "styles", t.Config.StyleCount, "auto_compose", t.Config.AutoCompose)
	return t, nil
}

// List returns tasks for the history view, finished ones first.
func (s *TaskService) List(ctx context.Context, filter database.TaskFilter) ([]task.Task, error) {
	return s.store.ListTasks(ctx, filter)
}

// Get returns one task, read through the document cache. The cache is never
// a source of truth; misses and unmarshal failures fall through to the store.
func (s *TaskService) Get(ctx context.Context, id string) (*task.Task, error) {
	if s.cache != nil {
		if data, ok, err := s.cache.Get(ctx, taskCachePrefix+id); err == nil && ok {
			var t task.Task
			if err := json.Unmarshal(data, &t); err == nil {
				return &t, nil
			}
		}
	}

	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheTask(ctx, t)
	return t, nil
}

// Events returns one page of a task's lifecycle events.
func (s *TaskService) Events(ctx context.Context, taskID string, filter eventstore.Filter, cursor string, limit int) (*eventstore.Page, error) {
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	if s.events == nil {
		return &eventstore.Page{Events: []event.TaskEvent{}}, nil
	}
	return s.events.LoadPage(ctx, taskID, filter, cursor, limit)
}

// Select submits the ordered image selection that moves an awaiting task into
// composition.
func (s *TaskService) Select(ctx context.Context, id string, sel task.Selection) (*task.Task, error) {
	if s.orch == nil {
		return nil, errors.New("orchestrator not configured")
	}
	return s.orch.StartComposition(ctx, id, sel)
}

// Cancel stops a task that has not started composing.
func (s *TaskService) Cancel(ctx context.Context, id string) (*task.Task, error) {
	if s.orch == nil {
		return nil, errors.New("orchestrator not configured")
	}
	return s.orch.Cancel(ctx, id)
}

// Regenerate creates a new task that reuses the source task's generated
// images and skips the generation phase. The new task shares file references
// with its source, so deleting either task leaves the shared files protected.
func (s *TaskService) Regenerate(ctx context.Context, sourceID string, req task.RegenerateRequest) (*task.Task, error) {
	src, err := s.store.GetTask(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	successful := src.SuccessfulImages()
	if len(successful) == 0 {
		return nil, fmt.Errorf("task %s has no generated images to reuse: %w", sourceID, domain.ErrValidation)
	}

	imageIDs := req.ImageIDs
	if len(imageIDs) == 0 {
		imageIDs = make([]string, 0, len(successful))
		for _, img := range successful {
			imageIDs = append(imageIDs, img.FileID)
		}
	}

	sel := task.Selection{
		ImageIDs:        imageIDs,
		Transition:      req.Transition,
		PerImageSeconds: req.PerImageSeconds,
		AudioFileID:     req.AudioFileID,
		LoopAudio:       req.LoopAudio,
	}
	if err := task.ValidateSelection(src, sel); err != nil {
		return nil, err
	}

	cfg := src.Config
	if req.Transition != "" {
		cfg.Transition = req.Transition
	}
	if req.PerImageSeconds > 0 {
		cfg.PerImageSeconds = req.PerImageSeconds
	}
	if req.LoopAudio != nil {
		cfg.LoopAudio = *req.LoopAudio
	}

	audioID := src.AudioFileID
	if req.AudioFileID != "" {
		audioID = req.AudioFileID
	}

	now := time.Now().UTC()
	t := &task.Task{
		ID:              uuid.NewString(),
		Status:          task.StatusQueued,
		Message:         "queued for composition",
		Config:          cfg,
		OriginalImageID: src.OriginalImageID,
		AudioFileID:     audioID,
		Selection:       &sel,
		SourceTaskID:    src.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}

	// The reused images become this task's own references, reindexed in
	// selection order.
	t.Images = make([]task.ImageResult, 0, len(imageIDs))
	for i, id := range imageIDs {
		res := task.ImageResult{Index: i, StyleLabel: styleLabelFor(src, id), FileID: id}
		if err := s.store.AppendImageResult(ctx, t.ID, res); err != nil {
			return nil, err
		}
		t.Images = append(t.Images, res)
	}

	s.appendEvent(ctx, t.ID, event.TypeTaskCreated, map[string]any{
		"source_task_id": src.ID,
		"images":         len(imageIDs),
	})
	if s.metrics != nil {
		s.metrics.TasksCreated.Add(ctx, 1)
	}
	s.publishQueued(ctx, t.ID)
	s.broadcastStatus(ctx, t)

	slog.Info("regenerate task created", "task_id", t.ID, "source_task_id", src.ID, "images", len(imageIDs))
	return t, nil
}

// Delete removes a terminal task and then attempts to remove its files.
// The task record goes first: its rows hold foreign keys on the files, so
// cleanup can only succeed once they are gone. Files still referenced by
// other tasks are kept; per-file cleanup failures are logged and left for
// the sweep.
func (s *TaskService) Delete(ctx context.Context, id string) (*task.DeleteResult, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.Status.IsTerminal() {
		return nil, fmt.Errorf("task %s is %s; cancel it before deleting: %w", id, t.Status, domain.ErrConflict)
	}

	fileIDs := t.FileIDs()
	if err := s.store.DeleteTask(ctx, id); err != nil {
		return nil, err
	}
	if s.cache != nil {
		_ = s.cache.Delete(ctx, taskCachePrefix+id)
	}

	result := &task.DeleteResult{TaskID: id, DeletedFiles: []string{}, KeptFiles: []string{}}
	for _, fid := range fileIDs {
		deleted, err := s.files.DeleteIfUnreferenced(ctx, fid, id)
		switch {
		case err != nil:
			slog.Error("task file cleanup failed", "task_id", id, "file_id", fid, "error", err)
			result.KeptFiles = append(result.KeptFiles, fid)
		case deleted:
			result.DeletedFiles = append(result.DeletedFiles, fid)
		default:
			result.KeptFiles = append(result.KeptFiles, fid)
		}
	}

	slog.Info("task deleted", "task_id", id,
		"deleted_files", len(result.DeletedFiles), "kept_files", len(result.KeptFiles))
	return result, nil
}

// buildConfig captures the immutable pipeline snapshot for a new task,
// filling unnamed style slots from the configured catalog.
func (s *TaskService) buildConfig(req task.CreateRequest) task.Config {
	cfg := task.Config{
		StyleCount:      req.StyleCount,
		Styles:          fillStyles(req.Styles, req.StyleCount, s.genCfg.Styles),
		Width:           s.compCfg.Width,
		Height:          s.compCfg.Height,
		FPS:             s.compCfg.FPS,
		Transition:      req.Transition,
		PerImageSeconds: req.PerImageSeconds,
		LoopAudio:       req.LoopAudio,
		AutoCompose:     req.AutoCompose,
		Concurrency:     req.Concurrency,
	}
	if cfg.Transition == "" {
		cfg.Transition = s.compCfg.DefaultTransition
	}
	if cfg.PerImageSeconds <= 0 {
		cfg.PerImageSeconds = s.compCfg.PerImageSeconds
	}
	return cfg
}

// fillStyles tops the requested labels up to count with catalog entries not
// already chosen, picked in random order. If the catalog runs out the
// remaining slots get numbered labels.
func fillStyles(requested []string, count int, catalog []string) []string {
	styles := make([]string, 0, count)
	used := make(map[string]bool, count)
	for _, label := range requested {
		styles = append(styles, label)
		used[label] = true
	}

	remaining := make([]string, 0, len(catalog))
	for _, label := range catalog {
		if !used[label] {
			remaining = append(remaining, label)
		}
	}
	rand.Shuffle(len(remaining), func(i, j int) {
		remaining[i], remaining[j] = remaining[j], remaining[i]
	})
	for _, label := range remaining {
		if len(styles) == count {
			break
		}
		styles = append(styles, label)
	}
	for i := len(styles); i < count; i++ {
		styles = append(styles, fmt.Sprintf("style-%d", i+1))
	}
	return styles
}

// styleLabelFor looks up the style label a source task recorded for fileID.
func styleLabelFor(src *task.Task, fileID string) string {
	for _, img := range src.Images {
		if img.FileID == fileID {
			return img.StyleLabel
		}
	}
	return ""
}

// publishQueued announces an admitted task on the queue. Publish failures
// are non-fatal: the task is persisted and startup recovery re-admits it.
func (s *TaskService) publishQueued(ctx context.Context, taskID string) {
	if s.queue == nil {
		return
	}
	data, err := json.Marshal(messagequeue.TaskQueuedPayload{TaskID: taskID})
	if err != nil {
		return
	}
	if err := s.queue.Publish(ctx, messagequeue.SubjectTaskQueued, data); err != nil {
		slog.Error("publish task admission", "task_id", taskID, "error", err)
	}
}

// broadcastStatus pushes the task's current status to WebSocket clients.
func (s *TaskService) broadcastStatus(ctx context.Context, t *task.Task) {
	if s.hub == nil {
		return
	}
	s.hub.BroadcastTaskEvent(ctx, t.ID, ws.EventTaskStatus, ws.TaskStatusEvent{
		TaskID:   t.ID,
		Status:   string(t.Status),
		Progress: t.Progress,
	})
}

// cacheTask writes a task document into the cache, best effort.
func (s *TaskService) cacheTask(ctx context.Context, t *task.Task) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(t)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, taskCachePrefix+t.ID, data, s.cacheTTL); err != nil {
		slog.Debug("cache task", "task_id", t.ID, "error", err)
	}
}

// appendEvent records a lifecycle event, best effort.
func (s *TaskService) appendEvent(ctx context.Context, taskID string, typ event.Type, payload any) {
	if s.events == nil {
		return
	}
	ev, err := event.New(taskID, typ, payload)
	if err != nil {
		return
	}
	if err := s.events.Append(ctx, ev); err != nil {
		slog.Warn("append task event", "task_id", taskID, "type", typ, "error", err)
	}
}
