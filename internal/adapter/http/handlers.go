package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Driftwald/ReelStudio/internal/adapter/ws"
	"github.com/Driftwald/ReelStudio/internal/domain/event"
	"github.com/Driftwald/ReelStudio/internal/domain/settings"
	"github.com/Driftwald/ReelStudio/internal/domain/task"
	"github.com/Driftwald/ReelStudio/internal/port/cache"
	"github.com/Driftwald/ReelStudio/internal/port/database"
	"github.com/Driftwald/ReelStudio/internal/port/eventstore"
	"github.com/Driftwald/ReelStudio/internal/port/messagequeue"
	"github.com/Driftwald/ReelStudio/internal/service"
)

// maxRequestBodySize caps JSON request bodies. Multipart uploads have their
// own limit derived from the configured file size caps.
const maxRequestBodySize = 1 << 20 // 1 MB

// multipartMemory is how much of an upload is held in memory before the
// form parser spills to disk.
const multipartMemory = 8 << 20

// Pinger reports a dependency's readiness. *pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CircuitReporter exposes a circuit breaker phase for health reporting.
// *resilience.Breaker satisfies it.
type CircuitReporter interface {
	State() string
}

// Handlers bundles the services behind the REST surface. Fields left nil
// disable the endpoints that need them.
type Handlers struct {
	Tasks    *service.TaskService
	Files    *service.FileStoreService
	Settings *service.SettingsService
	Hub      *ws.Hub

	// Health probes.
	DB         Pinger
	Queue      messagequeue.Queue
	Generation CircuitReporter

	// Idempotency backs Idempotency-Key deduplication on mutating routes.
	Idempotency cache.Cache

	MaxImageBytes int64
	MaxAudioBytes int64
	SweepMinAge   time.Duration
	Version       string
}

// uploadLimit bounds a whole multipart request: both file parts plus form
// field overhead.
func (h *Handlers) uploadLimit() int64 {
	limit := h.MaxImageBytes + h.MaxAudioBytes
	if limit <= 0 {
		return 64 << 20
	}
	return limit + (1 << 20)
}

// parseUploadForm applies the upload body limit and parses the multipart
// form, translating oversize and malformed bodies into client errors.
func (h *Handlers) parseUploadForm(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.uploadLimit())
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		if strings.Contains(err.Error(), "request body too large") {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid multipart request")
		}
		return false
	}
	return true
}

// formUpload reads one uploaded part into memory. A missing part is an
// error only when required; the content type falls back to sniffing when
// the client did not declare one.
func formUpload(w http.ResponseWriter, r *http.Request, field string, required bool) (*service.Upload, bool) {
	f, header, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		if required {
			writeError(w, http.StatusBadRequest, field+" upload is required")
			return nil, false
		}
		return nil, true
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+field+" upload")
		return nil, false
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read "+field+" upload")
		return nil, false
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return &service.Upload{Data: data, ContentType: contentType}, true
}

// --- Tasks ---

// CreateTask handles POST /api/v1/tasks. The request is multipart: an
// `image` part (required), an optional `audio` part, and form fields
// mirroring task.CreateRequest.
func (h *Handlers) CreateTask(w http.ResponseWriter, r *http.Request) {
	if !h.parseUploadForm(w, r) {
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	req, ok := createRequestFromForm(w, r)
	if !ok {
		return
	}
	image, ok := formUpload(w, r, "image", true)
	if !ok {
		return
	}
	audio, ok := formUpload(w, r, "audio", false)
	if !ok {
		return
	}

	t, err := h.Tasks.Create(r.Context(), req, *image, audio)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusAccepted, t)
}

// createRequestFromForm collects the task creation fields from the parsed
// multipart form.
func createRequestFromForm(w http.ResponseWriter, r *http.Request) (task.CreateRequest, bool) {
	var (
		req task.CreateRequest
		ok  bool
	)
	if req.StyleCount, ok = formInt(w, r, "style_count"); !ok {
		return req, false
	}
	if req.PerImageSeconds, ok = formFloat(w, r, "per_image_seconds"); !ok {
		return req, false
	}
	if req.LoopAudio, ok = formBool(w, r, "loop_audio"); !ok {
		return req, false
	}
	if req.AutoCompose, ok = formBool(w, r, "auto_compose"); !ok {
		return req, false
	}
	if req.Concurrency, ok = formInt(w, r, "concurrency"); !ok {
		return req, false
	}
	req.Styles = splitCSV(r.FormValue("styles"))
	req.Transition = strings.TrimSpace(r.FormValue("transition"))
	return req, true
}

// ListTasks handles GET /api/v1/tasks. Finished and selectable tasks sort
// first, newest first within each group.
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	filter := database.TaskFilter{Limit: queryInt(r, "limit", 0)}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := task.Status(raw)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(raw))
			return
		}
		filter.Status = status
	}

	tasks, err := h.Tasks.List(r.Context(), filter)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// GetTask handles GET /api/v1/tasks/{id}
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tasks.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ListTaskEvents handles GET /api/v1/tasks/{id}/events with optional
// `type` (CSV), `cursor`, and `limit` parameters.
func (h *Handlers) ListTaskEvents(w http.ResponseWriter, r *http.Request) {
	var filter eventstore.Filter
	for _, t := range splitCSV(r.URL.Query().Get("type")) {
		filter.Types = append(filter.Types, event.Type(t))
	}

	page, err := h.Tasks.Events(r.Context(), urlParam(r, "id"), filter,
		r.URL.Query().Get("cursor"), queryInt(r, "limit", 0))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// SelectImages handles POST /api/v1/tasks/{id}/selection. The body is a
// task.Selection; an accepted selection moves the task into composing.
func (h *Handlers) SelectImages(w http.ResponseWriter, r *http.Request) {
	sel, ok := readJSON[task.Selection](w, r, maxRequestBodySize)
	if !ok {
		return
	}

	t, err := h.Tasks.Select(r.Context(), urlParam(r, "id"), sel)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// CancelTask handles POST /api/v1/tasks/{id}/cancel
func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tasks.Cancel(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// RegenerateTask handles POST /api/v1/tasks/{id}/regenerate. An empty body
// recomposes with all of the source task's images and settings.
func (h *Handlers) RegenerateTask(w http.ResponseWriter, r *http.Request) {
	var req task.RegenerateRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	t, err := h.Tasks.Regenerate(r.Context(), urlParam(r, "id"), req)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusAccepted, t)
}

// DeleteTask handles DELETE /api/v1/tasks/{id}. The response itemizes which
// files went with the task and which were kept because other tasks still
// reference them; kept files are a success, not an error.
func (h *Handlers) DeleteTask(w http.ResponseWriter, r *http.Request) {
	result, err := h.Tasks.Delete(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- Files ---

// UploadFile handles POST /api/v1/files. Standalone uploads are audio
// attachments referenced later by a selection.
func (h *Handlers) UploadFile(w http.ResponseWriter, r *http.Request) {
	if !h.parseUploadForm(w, r) {
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	up, ok := formUpload(w, r, "file", true)
	if !ok {
		return
	}

	f, err := h.Files.PutAudio(r.Context(), up.ContentType, up.Data)
	if err != nil {
		writeDomainError(w, err, "file not found")
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

// GetFile handles GET /api/v1/files/{id}, streaming the stored bytes. Files
// are immutable so the content digest doubles as a strong ETag.
func (h *Handlers) GetFile(w http.ResponseWriter, r *http.Request) {
	f, rc, err := h.Files.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "file not found")
		return
	}
	defer func() { _ = rc.Close() }()

	if f.Digest != "" {
		etag := `"` + f.Digest + `"`
		w.Header().Set("ETag", etag)
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}

	w.Header().Set("Content-Type", f.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(f.Size, 10))
	if _, err := io.Copy(w, rc); err != nil {
		slog.Warn("stream file", "file_id", f.ID, "error", err)
	}
}

// --- Admin ---

// SweepFiles handles POST /api/v1/admin/sweep. `min_age` overrides the
// configured grace window; files younger than it are never removed.
func (h *Handlers) SweepFiles(w http.ResponseWriter, r *http.Request) {
	minAge := h.SweepMinAge
	if raw := r.URL.Query().Get("min_age"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "min_age must be a duration, e.g. 30m")
			return
		}
		minAge = d
	}

	removed, err := h.Files.SweepOrphans(r.Context(), minAge)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// StorageStats handles GET /api/v1/admin/storage
func (h *Handlers) StorageStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Files.StorageStats(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- Settings ---

// GetSettings handles GET /api/v1/settings
func (h *Handlers) GetSettings(w http.ResponseWriter, r *http.Request) {
	list, err := h.Settings.List(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}

	// Return as a map of key -> value for frontend convenience.
	result := make(map[string]json.RawMessage, len(list))
	for _, s := range list {
		result[s.Key] = s.Value
	}
	writeJSON(w, http.StatusOK, result)
}

// UpdateSettings handles PUT /api/v1/settings
func (h *Handlers) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[settings.UpdateRequest](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	if len(req.Settings) == 0 {
		writeError(w, http.StatusBadRequest, "settings map must not be empty")
		return
	}

	if err := h.Settings.Update(r.Context(), req); err != nil {
		writeDomainError(w, err, "setting not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Health and WebSocket ---

// Health handles GET /health, probing the hard dependencies.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	deps := map[string]string{}
	healthy := true
	if h.DB != nil {
		deps["postgres"] = "ok"
		if err := h.DB.Ping(ctx); err != nil {
			deps["postgres"] = "unavailable"
			healthy = false
		}
	}
	if h.Queue != nil {
		deps["nats"] = "ok"
		if !h.Queue.IsConnected() {
			deps["nats"] = "unavailable"
			healthy = false
		}
	}
	// An open circuit means the generation backend is being shed, not that
	// this service is down. Report the phase without degrading.
	if h.Generation != nil {
		deps["generation"] = h.Generation.State()
	}

	body := map[string]any{
		"status":       "ok",
		"version":      h.Version,
		"dependencies": deps,
	}
	if h.Hub != nil {
		body["ws_connections"] = h.Hub.ConnectionCount()
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
	}
	writeJSON(w, status, body)
}

// HandleWS upgrades GET /ws connections onto the broadcast hub.
func (h *Handlers) HandleWS(w http.ResponseWriter, r *http.Request) {
	if h.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, "websocket hub not running")
		return
	}
	h.Hub.HandleWS(w, r)
}
