package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/Driftwald/ReelStudio/internal/adapter/imaging"
	"github.com/Driftwald/ReelStudio/internal/adapter/otel"
	"github.com/Driftwald/ReelStudio/internal/adapter/ws"
	"github.com/Driftwald/ReelStudio/internal/domain"
	"github.com/Driftwald/ReelStudio/internal/domain/event"
	"github.com/Driftwald/ReelStudio/internal/domain/settings"
	"github.com/Driftwald/ReelStudio/internal/domain/task"
	"github.com/Driftwald/ReelStudio/internal/port/broadcast"
	"github.com/Driftwald/ReelStudio/internal/port/cache"
	"github.com/Driftwald/ReelStudio/internal/port/database"
	"github.com/Driftwald/ReelStudio/internal/port/eventstore"
	"github.com/Driftwald/ReelStudio/internal/port/messagequeue"
)

// Progress bands per phase. Generation advances from 10 to 70 as styles
// resolve; composition advances from 70 to 100 with the encoder's fraction.
// Tasks that skip generation (regenerate flow) enter composing at 70.
const (
	progressGenerating = 10
	progressComposing  = 70
	progressDone       = 100
)

// generationProgress maps style completions into the generation band.
func generationProgress(completed, total int) int {
	if total <= 0 {
		return progressComposing
	}
	return progressGenerating + int(math.Round(float64(completed)/float64(total)*60))
}

// compositionProgress maps an encoder fraction into the composition band.
func compositionProgress(fraction float64) int {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	return progressComposing + int(math.Round(fraction*30))
}

// Orchestrator drives tasks through the lifecycle state machine. It is the
// sole writer of task status: the scheduler and composition service report
// outcomes back and the orchestrator folds them into compare-and-set record
// updates, so two concurrent completion signals can never both advance a
// task. Pipelines are admitted through the queue subscriber and resumed from
// their persisted status after a restart.
type Orchestrator struct {
	store database.Store
	files *FileStoreService
	sched *Scheduler
	comp  *CompositionService
	queue messagequeue.Queue

	cache   cache.Cache
	events  eventstore.Store
	hub     broadcast.Broadcaster
	metrics *otel.Metrics

	lifetime    context.Context
	unsubscribe func()

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewOrchestrator creates a new Orchestrator.
func NewOrchestrator(store database.Store, files *FileStoreService, sched *Scheduler, comp *CompositionService, queue messagequeue.Queue) *Orchestrator {
	return &Orchestrator{
		store:  store,
		files:  files,
		sched:  sched,
		comp:   comp,
		queue:  queue,
		active: make(map[string]context.CancelFunc),
	}
}

// SetCache attaches the task document cache, invalidated on every write.
func (o *Orchestrator) SetCache(c cache.Cache) { o.cache = c }

// SetEvents attaches the lifecycle event store.
func (o *Orchestrator) SetEvents(es eventstore.Store) { o.events = es }

// SetHub attaches the WebSocket broadcaster.
func (o *Orchestrator) SetHub(hub broadcast.Broadcaster) { o.hub = hub }

// SetMetrics attaches OTEL instruments. Nil metrics are skipped.
func (o *Orchestrator) SetMetrics(m *otel.Metrics) { o.metrics = m }

// Start subscribes to the admission subject and resumes interrupted tasks.
// ctx bounds every pipeline this orchestrator runs; cancelling it stops the
// subscriber and all in-flight phases.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.lifetime = ctx

	if o.queue != nil {
		cancel, err := o.queue.Subscribe(ctx, messagequeue.SubjectTaskQueued, o.handleQueued)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", messagequeue.SubjectTaskQueued, err)
		}
		o.unsubscribe = cancel
	}

	return o.recover(ctx)
}

// Stop cancels the queue subscription. Running pipelines stop through the
// Start context; their tasks resume from persisted state on the next boot.
func (o *Orchestrator) Stop() {
	if o.unsubscribe != nil {
		o.unsubscribe()
	}
}

// handleQueued admits a task published on tasks.queued.
func (o *Orchestrator) handleQueued(_ context.Context, _ string, data []byte) error {
	var payload messagequeue.TaskQueuedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode queued payload: %w", err)
	}
	if payload.TaskID == "" {
		return errors.New("queued payload missing task_id")
	}
	o.launch(payload.TaskID)
	return nil
}

// recover re-admits tasks a restart interrupted. Queued tasks start fresh,
// generating tasks re-dispatch only their unresolved styles (results are
// index-stamped and appended idempotently), and composing tasks re-render
// from their persisted selection. Awaiting tasks keep waiting.
func (o *Orchestrator) recover(ctx context.Context) error {
	for _, status := range []task.Status{task.StatusQueued, task.StatusGenerating, task.StatusComposing} {
		tasks, err := o.store.ListTasks(ctx, database.TaskFilter{Status: status})
		if err != nil {
			return fmt.Errorf("list %s tasks: %w", status, err)
		}
		for i := range tasks {
			slog.Info("resuming interrupted task", "task_id", tasks[i].ID, "status", status)
			o.launch(tasks[i].ID)
		}
	}
	return nil
}

// launch starts the pipeline goroutine for a task unless one is already
// running. The registered cancel serves task cancellation; queue redelivery
// and recovery overlap dedupe here.
func (o *Orchestrator) launch(taskID string) {
	o.mu.Lock()
	if _, running := o.active[taskID]; running {
		o.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(o.runContext())
	o.active[taskID] = cancel
	o.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			o.mu.Lock()
			delete(o.active, taskID)
			o.mu.Unlock()
		}()
		o.run(runCtx, taskID)
	}()
}

func (o *Orchestrator) runContext() context.Context {
	if o.lifetime != nil {
		return o.lifetime
	}
	return context.Background()
}

// run drives one task from its persisted status forward. It is re-entrant
// across restarts; any status needing no pipeline work is left alone.
func (o *Orchestrator) run(ctx context.Context, taskID string) {
	t, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		slog.Error("load task for pipeline", "task_id", taskID, "error", err)
		return
	}

	ctx, span := otel.StartPipelineSpan(ctx, t.ID)
	defer span.End()

	switch t.Status {
	case task.StatusQueued:
		if t.Selection != nil {
			// Regenerate admission: images are reused, generation is skipped.
			err := o.transition(ctx, t, task.StatusComposing, func(t *task.Task) {
				t.Progress = progressComposing
				t.Message = "composing"
			})
			if err != nil {
				o.logTransitionFailure(t.ID, err)
				return
			}
			o.compose(ctx, t)
			return
		}
		if o.generationPaused(ctx) {
			slog.Info("generation paused, task stays queued", "task_id", t.ID)
			return
		}
		err := o.transition(ctx, t, task.StatusGenerating, func(t *task.Task) {
			t.Progress = progressGenerating
			t.Message = "generating styles"
		})
		if err != nil {
			o.logTransitionFailure(t.ID, err)
			return
		}
		o.generate(ctx, t)
	case task.StatusGenerating:
		o.generate(ctx, t)
	case task.StatusComposing:
		o.compose(ctx, t)
	default:
		slog.Debug("task needs no pipeline work", "task_id", t.ID, "status", t.Status)
	}
}

// generate runs the generation phase and folds its fan-in summary into the
// record: awaiting_selection when at least one style succeeded, failed
// otherwise. Auto-compose tasks continue straight into composition with
// every successful image selected.
func (o *Orchestrator) generate(ctx context.Context, t *task.Task) {
	source, sourceType, err := o.loadSource(ctx, t)
	if err != nil {
		kind := task.KindStoreUnavailable
		if errors.Is(err, domain.ErrNotFound) {
			kind = task.KindNotFound
		}
		o.fail(ctx, t, kind, fmt.Sprintf("load source image: %v", err))
		return
	}

	total := len(t.Config.Styles)
	report := func(res task.ImageResult, completed, _ int) {
		if err := o.store.AppendImageResult(ctx, t.ID, res); err != nil {
			slog.Error("append image result", "task_id", t.ID, "index", res.Index, "error", err)
		}
		o.appendEvent(ctx, t.ID, event.TypeImageResult, res)
		o.reportProgress(ctx, t.ID, generationProgress(completed, total),
			fmt.Sprintf("generated %d/%d styles", completed, total))
		if o.hub != nil {
			o.hub.BroadcastTaskEvent(ctx, t.ID, ws.EventTaskImage, ws.TaskImageEvent{
				TaskID:     t.ID,
				Index:      res.Index,
				StyleLabel: res.StyleLabel,
				FileID:     res.FileID,
				Error:      res.Error,
			})
		}
	}

	rep := o.sched.Run(ctx, t.ID, source, sourceType, t.Config.Styles, t.Config.Concurrency, t.Images, report)
	if ctx.Err() != nil {
		slog.Info("generation interrupted", "task_id", t.ID, "reason", ctx.Err())
		return
	}

	if rep.Succeeded == 0 {
		kind, msg := task.KindGenerationExhausted, fmt.Sprintf("all %d styles failed", total)
		if rep.TimedOut {
			kind, msg = task.KindTimeout, "generation phase timed out before any style succeeded"
		}
		o.fail(ctx, t, kind, msg)
		return
	}

	err = o.transition(ctx, t, task.StatusAwaitingSelection, func(t *task.Task) {
		t.Images = rep.Results
		t.Progress = progressComposing
		t.Message = "awaiting selection"
		if failed := total - rep.Succeeded; failed > 0 {
			t.Warning = &task.Failure{
				Kind:    task.KindPartialGeneration,
				Message: fmt.Sprintf("%d of %d styles failed", failed, total),
			}
		}
	})
	if err != nil {
		o.logTransitionFailure(t.ID, err)
		return
	}

	if t.Config.AutoCompose {
		if err := o.beginComposition(ctx, t, autoSelection(t)); err != nil {
			o.logTransitionFailure(t.ID, err)
			return
		}
		o.compose(ctx, t)
	}
}

// compose renders the task's selection and completes the task. Composition
// is never cancelled once started; an interrupted run resumes after restart.
func (o *Orchestrator) compose(ctx context.Context, t *task.Task) {
	lastSent := 0
	progress := func(fraction float64) {
		p := compositionProgress(fraction)
		if p <= lastSent {
			return
		}
		lastSent = p
		o.reportProgress(ctx, t.ID, p, "composing")
	}

	f, err := o.comp.Compose(ctx, t, progress)
	if err != nil {
		if ctx.Err() != nil {
			slog.Info("composition interrupted", "task_id", t.ID, "reason", ctx.Err())
			return
		}
		kind, msg := classifyCompositionError(err)
		o.fail(ctx, t, kind, msg)
		return
	}

	now := time.Now().UTC()
	err = o.transition(ctx, t, task.StatusCompleted, func(t *task.Task) {
		t.VideoID = f.ID
		t.Progress = progressDone
		t.Message = "completed"
		t.CompletedAt = &now
	})
	if err != nil {
		o.logTransitionFailure(t.ID, err)
		return
	}

	if o.metrics != nil {
		o.metrics.TasksCompleted.Add(ctx, 1)
	}
	slog.Info("task completed", "task_id", t.ID, "video_id", f.ID)
}

// StartComposition applies an external selection to an awaiting task and
// launches the composition phase in the background. The returned task
// reflects the committed composing state.
func (o *Orchestrator) StartComposition(ctx context.Context, taskID string, sel task.Selection) (*task.Task, error) {
	t, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := o.beginComposition(ctx, t, sel); err != nil {
		return nil, err
	}
	o.launch(t.ID)
	return t, nil
}

// beginComposition validates sel and moves t from awaiting_selection to
// composing under CAS. t is updated in place on success.
func (o *Orchestrator) beginComposition(ctx context.Context, t *task.Task, sel task.Selection) error {
	if t.Status != task.StatusAwaitingSelection {
		return fmt.Errorf("task %s is %s, not awaiting selection: %w", t.ID, t.Status, domain.ErrInvalidTransition)
	}
	if err := task.ValidateSelection(t, sel); err != nil {
		return err
	}

	err := o.transition(ctx, t, task.StatusComposing, func(t *task.Task) {
		t.Selection = &sel
		t.Progress = progressComposing
		t.Message = "composing"
	})
	if err != nil {
		return err
	}

	o.appendEvent(ctx, t.ID, event.TypeSelection, sel)
	return nil
}

// Cancel stops a task that has not started composing and signals any running
// phase to abandon its work. Files the task already produced are left in
// place; they stay reachable through the cancelled record or fall to the
// sweep once the record is deleted.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !t.Status.CanCancel() {
		return nil, fmt.Errorf("cannot cancel task %s in status %s: %w", t.ID, t.Status, domain.ErrInvalidTransition)
	}

	now := time.Now().UTC()
	err = o.transition(ctx, t, task.StatusCancelled, func(t *task.Task) {
		t.Message = "cancelled"
		t.CompletedAt = &now
	})
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	if cancel, ok := o.active[t.ID]; ok {
		cancel()
	}
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.TasksCancelled.Add(ctx, 1)
	}
	slog.Info("task cancelled", "task_id", t.ID)
	return t, nil
}

// transition moves t to next under compare-and-set. mutate adjusts the
// record after the status is set and before the write. On success t carries
// the committed state and bumped version; on domain.ErrConflict t is
// reloaded so the caller can see who won the race.
func (o *Orchestrator) transition(ctx context.Context, t *task.Task, next task.Status, mutate func(*task.Task)) error {
	if !t.Status.CanTransitionTo(next) {
		return fmt.Errorf("task %s cannot move %s to %s: %w", t.ID, t.Status, next, domain.ErrInvalidTransition)
	}

	from := t.Status
	updated := *t
	updated.Status = next
	if mutate != nil {
		mutate(&updated)
	}

	if err := o.store.UpdateTask(ctx, &updated, from); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			if fresh, loadErr := o.store.GetTask(ctx, t.ID); loadErr == nil {
				*t = *fresh
			}
		}
		return err
	}

	*t = updated
	o.afterTransition(ctx, t, from)
	return nil
}

// afterTransition fans a committed status change out to the cache, the
// event log, the queue, and WebSocket clients.
func (o *Orchestrator) afterTransition(ctx context.Context, t *task.Task, from task.Status) {
	if o.cache != nil {
		_ = o.cache.Delete(ctx, taskCachePrefix+t.ID)
	}

	var errKind, errMsg string
	if t.Error != nil {
		errKind, errMsg = string(t.Error.Kind), t.Error.Message
	}

	o.appendEvent(ctx, t.ID, event.TypeStatusChanged, map[string]any{
		"from":     from,
		"to":       t.Status,
		"progress": t.Progress,
	})
	o.publishJSON(ctx, messagequeue.SubjectTaskStatus, messagequeue.TaskStatusPayload{
		TaskID:    t.ID,
		Status:    string(t.Status),
		Progress:  t.Progress,
		ErrorKind: errKind,
		Error:     errMsg,
	})
	if o.hub != nil {
		o.hub.BroadcastTaskEvent(ctx, t.ID, ws.EventTaskStatus, ws.TaskStatusEvent{
			TaskID:    t.ID,
			Status:    string(t.Status),
			Progress:  t.Progress,
			ErrorKind: errKind,
			Error:     errMsg,
		})
	}
	slog.Info("task status changed", "task_id", t.ID, "from", from, "to", t.Status)
}

// fail marks the task failed with the given kind. Failure is legal from any
// non-terminal status, so a CAS conflict here means another writer already
// finished the task.
func (o *Orchestrator) fail(ctx context.Context, t *task.Task, kind task.ErrorKind, msg string) {
	now := time.Now().UTC()
	err := o.transition(ctx, t, task.StatusFailed, func(t *task.Task) {
		t.Error = &task.Failure{Kind: kind, Message: msg}
		t.Message = msg
		t.CompletedAt = &now
	})
	if err != nil {
		o.logTransitionFailure(t.ID, err)
		return
	}
	if o.metrics != nil {
		o.metrics.TasksFailed.Add(ctx, 1)
	}
	slog.Warn("task failed", "task_id", t.ID, "kind", kind, "error", msg)
}

// reportProgress persists a progress advance and pushes it to observers.
// The store clamps regressions, so late reports are harmless.
func (o *Orchestrator) reportProgress(ctx context.Context, taskID string, progress int, message string) {
	if err := o.store.UpdateTaskProgress(ctx, taskID, progress, message); err != nil {
		slog.Warn("update task progress", "task_id", taskID, "error", err)
	}
	if o.cache != nil {
		_ = o.cache.Delete(ctx, taskCachePrefix+taskID)
	}
	o.publishJSON(ctx, messagequeue.SubjectTaskProgress, messagequeue.TaskProgressPayload{
		TaskID:   taskID,
		Progress: progress,
		Message:  message,
	})
	if o.hub != nil {
		o.hub.BroadcastTaskEvent(ctx, taskID, ws.EventTaskProgress, ws.TaskProgressEvent{
			TaskID:   taskID,
			Progress: progress,
			Message:  message,
		})
	}
}

// generationPaused reads the operator switch that holds queued tasks out of
// the generation phase. In-flight and resumed phases are unaffected, as is
// the regenerate flow, which only reuses images. A missing or unreadable
// setting means "not paused".
func (o *Orchestrator) generationPaused(ctx context.Context) bool {
	setting, err := o.store.GetSetting(ctx, settings.KeyGenerationPaused)
	if err != nil {
		return false
	}
	return settings.IsTrue(setting.Value)
}

// loadSource fetches the original image and re-encodes it for the generator.
func (o *Orchestrator) loadSource(ctx context.Context, t *task.Task) ([]byte, string, error) {
	if t.OriginalImageID == "" {
		return nil, "", fmt.Errorf("task %s has no source image: %w", t.ID, domain.ErrNotFound)
	}
	_, rc, err := o.files.Get(ctx, t.OriginalImageID)
	if err != nil {
		return nil, "", err
	}
	defer rc.Close()
	return imaging.EncodeForGeneration(rc)
}

// autoSelection orders every successful image for the one-shot flow.
func autoSelection(t *task.Task) task.Selection {
	imgs := t.SuccessfulImages()
	ids := make([]string, 0, len(imgs))
	for _, img := range imgs {
		ids = append(ids, img.FileID)
	}
	return task.Selection{ImageIDs: ids}
}

// classifyCompositionError maps a composition failure onto the task error
// taxonomy. Anything not recognized is an encoder failure.
func classifyCompositionError(err error) (task.ErrorKind, string) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return task.KindTimeout, "composition exceeded its time budget"
	case errors.Is(err, domain.ErrNotFound):
		return task.KindNotFound, err.Error()
	case errors.Is(err, domain.ErrStoreUnavailable):
		return task.KindStoreUnavailable, err.Error()
	default:
		return task.KindEncodeError, err.Error()
	}
}

// logTransitionFailure records a lost CAS race or write failure. A conflict
// usually means the task was cancelled while its phase ran.
func (o *Orchestrator) logTransitionFailure(taskID string, err error) {
	if errors.Is(err, domain.ErrConflict) {
		slog.Info("task advanced by another writer", "task_id", taskID, "error", err)
		return
	}
	slog.Error("task transition failed", "task_id", taskID, "error", err)
}

// appendEvent records a lifecycle event, best effort.
func (o *Orchestrator) appendEvent(ctx context.Context, taskID string, typ event.Type, payload any) {
	if o.events == nil {
		return
	}
	ev, err := event.New(taskID, typ, payload)
	if err != nil {
		return
	}
	if err := o.events.Append(ctx, ev); err != nil {
		slog.Warn("append task event", "task_id", taskID, "type", typ, "error", err)
	}
}

// publishJSON marshals payload and publishes it, logging failures.
func (o *Orchestrator) publishJSON(ctx context.Context, subject string, payload any) {
	if o.queue == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal queue payload", "subject", subject, "error", err)
		return
	}
	if err := o.queue.Publish(ctx, subject, data); err != nil {
		slog.Error("publish to queue", "subject", subject, "error", err)
	}
}
