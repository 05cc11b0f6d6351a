package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Driftwald/ReelStudio/internal/config"
	"github.com/Driftwald/ReelStudio/internal/domain"
	"github.com/Driftwald/ReelStudio/internal/domain/file"
	"github.com/Driftwald/ReelStudio/internal/domain/settings"
	"github.com/Driftwald/ReelStudio/internal/domain/task"
	"github.com/Driftwald/ReelStudio/internal/port/blob"
	"github.com/Driftwald/ReelStudio/internal/port/database"
)

// Ensure the mocks implement their ports at compile time.
var (
	_ database.Store = (*mockStore)(nil)
	_ blob.Store     = (*mockBlob)(nil)
)

// mockStore is an in-memory implementation of database.Store for testing.
// It mirrors the real store's contracts: compare-and-set task updates,
// clamped progress, and idempotent image appends. Image rows live beside the
// task records the way the task_images table does, so GetTask assembles them
// and the stored task's own Images field is ignored.
type mockStore struct {
	mu       sync.Mutex
	tasks    []task.Task
	images   map[string][]task.ImageResult
	files    []file.File
	settings map[string]json.RawMessage

	progressCalls []int

	// Set these to inject failures.
	createTaskErr   error
	getTaskErr      error
	listTasksErr    error
	updateTaskErr   error
	deleteTaskErr   error
	appendImageErr  error
	createFileErr   error
	getFileErr      error
	listFilesErr    error
	deleteFileErr   error
	isReferencedErr error
	referencedErr   error
}

func copyTask(t task.Task) task.Task {
	cp := t
	if t.Selection != nil {
		sel := *t.Selection
		cp.Selection = &sel
	}
	if t.Error != nil {
		e := *t.Error
		cp.Error = &e
	}
	if t.Warning != nil {
		w := *t.Warning
		cp.Warning = &w
	}
	cp.Images = append([]task.ImageResult(nil), t.Images...)
	return cp
}

func (m *mockStore) CreateTask(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createTaskErr != nil {
		return m.createTaskErr
	}
	cp := copyTask(*t)
	cp.Images = nil
	m.tasks = append(m.tasks, cp)
	return nil
}

func (m *mockStore) GetTask(_ context.Context, id string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getTaskErr != nil {
		return nil, m.getTaskErr
	}
	for i := range m.tasks {
		if m.tasks[i].ID == id {
			t := copyTask(m.tasks[i])
			t.Images = m.imagesFor(id)
			return &t, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *mockStore) ListTasks(_ context.Context, filter database.TaskFilter) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listTasksErr != nil {
		return nil, m.listTasksErr
	}
	out := make([]task.Task, 0, len(m.tasks))
	for i := range m.tasks {
		if filter.Status != "" && m.tasks[i].Status != filter.Status {
			continue
		}
		t := copyTask(m.tasks[i])
		t.Images = m.imagesFor(t.ID)
		out = append(out, t)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *mockStore) DeleteTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteTaskErr != nil {
		return m.deleteTaskErr
	}
	for i := range m.tasks {
		if m.tasks[i].ID == id {
			m.tasks = append(m.tasks[:i], m.tasks[i+1:]...)
			if m.images != nil {
				delete(m.images, id)
			}
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *mockStore) UpdateTask(_ context.Context, t *task.Task, from task.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateTaskErr != nil {
		return m.updateTaskErr
	}
	for i := range m.tasks {
		if m.tasks[i].ID != t.ID {
			continue
		}
		if m.tasks[i].Version != t.Version || m.tasks[i].Status != from {
			return domain.ErrConflict
		}
		stored := &m.tasks[i]
		stored.Status = t.Status
		if t.Progress > stored.Progress {
			stored.Progress = t.Progress
		}
		stored.Message = t.Message
		stored.AudioFileID = t.AudioFileID
		stored.VideoID = t.VideoID
		stored.Selection = t.Selection
		stored.Error = t.Error
		stored.Warning = t.Warning
		stored.CompletedAt = t.CompletedAt
		stored.UpdatedAt = time.Now().UTC()
		stored.Version++
		t.Version++
		return nil
	}
	return domain.ErrConflict
}

func (m *mockStore) UpdateTaskProgress(_ context.Context, id string, progress int, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progressCalls = append(m.progressCalls, progress)
	for i := range m.tasks {
		if m.tasks[i].ID != id || m.tasks[i].Status.IsTerminal() {
			continue
		}
		if progress > m.tasks[i].Progress {
			m.tasks[i].Progress = progress
		}
		m.tasks[i].Message = message
	}
	return nil
}

func (m *mockStore) AppendImageResult(_ context.Context, taskID string, res task.ImageResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendImageErr != nil {
		return m.appendImageErr
	}
	for _, existing := range m.images[taskID] {
		if existing.Index == res.Index {
			return nil
		}
	}
	if m.images == nil {
		m.images = make(map[string][]task.ImageResult)
	}
	m.images[taskID] = append(m.images[taskID], res)
	return nil
}

// imagesFor returns the appended rows sorted by index. Callers hold mu.
func (m *mockStore) imagesFor(taskID string) []task.ImageResult {
	rows := append([]task.ImageResult(nil), m.images[taskID]...)
	sort.Slice(rows, func(i, j int) bool { return rows[i].Index < rows[j].Index })
	return rows
}

func (m *mockStore) CreateFile(_ context.Context, f *file.File) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createFileErr != nil {
		return m.createFileErr
	}
	m.files = append(m.files, *f)
	return nil
}

func (m *mockStore) GetFile(_ context.Context, id string) (*file.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getFileErr != nil {
		return nil, m.getFileErr
	}
	for i := range m.files {
		if m.files[i].ID == id {
			f := m.files[i]
			return &f, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *mockStore) ListFiles(_ context.Context) ([]file.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listFilesErr != nil {
		return nil, m.listFilesErr
	}
	return append([]file.File(nil), m.files...), nil
}

func (m *mockStore) DeleteFile(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteFileErr != nil {
		return m.deleteFileErr
	}
	for i := range m.files {
		if m.files[i].ID == id {
			m.files = append(m.files[:i], m.files[i+1:]...)
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *mockStore) IsFileReferenced(_ context.Context, fileID, excludeTaskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isReferencedErr != nil {
		return false, m.isReferencedErr
	}
	return m.refs(excludeTaskID)[fileID], nil
}

func (m *mockStore) ReferencedFileIDs(_ context.Context) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.referencedErr != nil {
		return nil, m.referencedErr
	}
	return m.refs(""), nil
}

// refs unions every file reference across task records, like the real store's
// reference scan. Callers hold mu.
func (m *mockStore) refs(excludeTaskID string) map[string]bool {
	out := make(map[string]bool)
	for i := range m.tasks {
		if m.tasks[i].ID == excludeTaskID {
			continue
		}
		t := copyTask(m.tasks[i])
		t.Images = m.imagesFor(t.ID)
		for _, id := range t.FileIDs() {
			out[id] = true
		}
	}
	return out
}

func (m *mockStore) ListSettings(_ context.Context) ([]settings.Setting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]settings.Setting, 0, len(m.settings))
	for key, value := range m.settings {
		out = append(out, settings.Setting{Key: key, Value: value})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *mockStore) GetSetting(_ context.Context, key string) (*settings.Setting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.settings[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &settings.Setting{Key: key, Value: value}, nil
}

func (m *mockStore) UpsertSetting(_ context.Context, key string, value json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settings == nil {
		m.settings = make(map[string]json.RawMessage)
	}
	m.settings[key] = value
	return nil
}

func (m *mockStore) taskCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

func (m *mockStore) fileCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.files)
}

func (m *mockStore) progressSnapshot() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.progressCalls...)
}

// mockBlob is an in-memory implementation of blob.Store, keyed by file id.
type mockBlob struct {
	mu      sync.Mutex
	objects map[string][]byte

	putErr  error
	openErr error
}

func (b *mockBlob) Put(_ context.Context, id string, _ file.Kind, _ string, r io.Reader) (int64, string, error) {
	if b.putErr != nil {
		return 0, "", b.putErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.objects == nil {
		b.objects = make(map[string][]byte)
	}
	b.objects[id] = data
	return int64(len(data)), "digest-" + id, nil
}

func (b *mockBlob) Open(_ context.Context, id string, _ file.Kind, _ string) (io.ReadCloser, error) {
	if b.openErr != nil {
		return nil, b.openErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *mockBlob) Remove(_ context.Context, id string, _ file.Kind, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, id)
	return nil
}

func (b *mockBlob) has(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[id]
	return ok
}

func (b *mockBlob) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

// testPNG returns an encoded 32x32 PNG, valid for upload probing.
func testPNG(t *testing.T) []byte {
	t.Helper()
	canvas := image.NewNRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			canvas.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func testStorageConfig() config.Storage {
	return config.Storage{
		MaxImageSizeMB: 1,
		MaxAudioSizeMB: 1,
		SweepInterval:  time.Minute,
		SweepMinAge:    time.Hour,
	}
}

// seedFile plants a file record and its blob content directly, with the
// record backdated by age.
func seedFile(m *mockStore, b *mockBlob, id string, kind file.Kind, contentType string, data []byte, age time.Duration) {
	m.files = append(m.files, file.File{
		ID:          id,
		Kind:        kind,
		ContentType: contentType,
		Size:        int64(len(data)),
		Digest:      "digest-" + id,
		CreatedAt:   time.Now().Add(-age).UTC(),
	})
	if b.objects == nil {
		b.objects = make(map[string][]byte)
	}
	b.objects[id] = data
}

func newTestFileStore(store *mockStore, blobs *mockBlob) *FileStoreService {
	return NewFileStoreService(store, blobs, testStorageConfig())
}

func TestFileStoreServicePut(t *testing.T) {
	store := &mockStore{}
	blobs := &mockBlob{}
	svc := newTestFileStore(store, blobs)

	f, err := svc.Put(context.Background(), file.KindUpload, "image/png", bytes.NewReader([]byte("content")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.ID == "" || f.Size != 7 || f.Digest == "" {
		t.Fatalf("file = %+v", f)
	}
	if store.fileCount() != 1 {
		t.Fatalf("expected 1 file record, got %d", store.fileCount())
	}
	if !blobs.has(f.ID) {
		t.Fatal("blob content missing")
	}
}

func TestFileStoreServicePutUnknownKind(t *testing.T) {
	svc := newTestFileStore(&mockStore{}, &mockBlob{})

	_, err := svc.Put(context.Background(), file.Kind("bogus"), "image/png", bytes.NewReader([]byte("x")))
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestFileStoreServicePutAtLimit(t *testing.T) {
	svc := newTestFileStore(&mockStore{}, &mockBlob{})

	data := bytes.Repeat([]byte("x"), 1<<20)
	f, err := svc.Put(context.Background(), file.KindUpload, "image/png", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Size != 1<<20 {
		t.Fatalf("size = %d, want %d", f.Size, 1<<20)
	}
}

func TestFileStoreServicePutOverLimit(t *testing.T) {
	store := &mockStore{}
	blobs := &mockBlob{}
	svc := newTestFileStore(store, blobs)

	data := bytes.Repeat([]byte("x"), 1<<20+1)
	_, err := svc.Put(context.Background(), file.KindUpload, "image/png", bytes.NewReader(data))
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if store.fileCount() != 0 || blobs.count() != 0 {
		t.Fatal("oversized upload must leave no trace")
	}
}

func TestFileStoreServicePutRecordFailure(t *testing.T) {
	store := &mockStore{createFileErr: errors.New("db down")}
	blobs := &mockBlob{}
	svc := newTestFileStore(store, blobs)

	_, err := svc.Put(context.Background(), file.KindUpload, "image/png", bytes.NewReader([]byte("x")))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if blobs.count() != 0 {
		t.Fatal("blob must be removed when the record write fails")
	}
}

func TestFileStoreServicePutImage(t *testing.T) {
	store := &mockStore{}
	svc := newTestFileStore(store, &mockBlob{})

	f, err := svc.PutImage(context.Background(), file.KindGeneratedImage, "image/png", testPNG(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Kind != file.KindGeneratedImage {
		t.Fatalf("kind = %s, want generated_image", f.Kind)
	}
}

func TestFileStoreServicePutImageRejectsJunk(t *testing.T) {
	svc := newTestFileStore(&mockStore{}, &mockBlob{})

	_, err := svc.PutImage(context.Background(), file.KindUpload, "image/png", []byte("not pixels"))
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestFileStoreServicePutAudio(t *testing.T) {
	svc := newTestFileStore(&mockStore{}, &mockBlob{})

	f, err := svc.PutAudio(context.Background(), "audio/mpeg", []byte("mp3 bytes"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Kind != file.KindUpload || f.ContentType != "audio/mpeg" {
		t.Fatalf("file = %+v", f)
	}
}

func TestFileStoreServicePutAudioWrongType(t *testing.T) {
	svc := newTestFileStore(&mockStore{}, &mockBlob{})

	_, err := svc.PutAudio(context.Background(), "video/mp4", []byte("x"))
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestFileStoreServiceGet(t *testing.T) {
	store := &mockStore{}
	blobs := &mockBlob{}
	seedFile(store, blobs, "f1", file.KindUpload, "image/png", []byte("pixels"), time.Hour)
	svc := newTestFileStore(store, blobs)

	f, rc, err := svc.Get(context.Background(), "f1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer rc.Close()
	if f.ContentType != "image/png" {
		t.Fatalf("content type = %q", f.ContentType)
	}
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "pixels" {
		t.Fatalf("content = %q", data)
	}
}

func TestFileStoreServiceGetNotFound(t *testing.T) {
	svc := newTestFileStore(&mockStore{}, &mockBlob{})

	_, _, err := svc.Get(context.Background(), "nonexistent")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFileStoreServiceDeleteIfUnreferenced(t *testing.T) {
	store := &mockStore{}
	blobs := &mockBlob{}
	seedFile(store, blobs, "f1", file.KindUpload, "image/png", []byte("x"), 2*time.Hour)
	svc := newTestFileStore(store, blobs)

	deleted, err := svc.DeleteIfUnreferenced(context.Background(), "f1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !deleted {
		t.Fatal("expected deletion")
	}
	if blobs.has("f1") || store.fileCount() != 0 {
		t.Fatal("file must be fully removed")
	}
}

func TestFileStoreServiceDeleteIfUnreferencedProtected(t *testing.T) {
	store := &mockStore{
		tasks: []task.Task{{ID: "t1", Status: task.StatusCompleted, OriginalImageID: "f1"}},
	}
	blobs := &mockBlob{}
	seedFile(store, blobs, "f1", file.KindUpload, "image/png", []byte("x"), 2*time.Hour)
	svc := newTestFileStore(store, blobs)

	deleted, err := svc.DeleteIfUnreferenced(context.Background(), "f1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted {
		t.Fatal("referenced file must be protected")
	}
	if !blobs.has("f1") || store.fileCount() != 1 {
		t.Fatal("protected file must stay in place")
	}
}

func TestFileStoreServiceDeleteIfUnreferencedExcludesOwnTask(t *testing.T) {
	store := &mockStore{
		tasks: []task.Task{{ID: "t1", Status: task.StatusCompleted, OriginalImageID: "f1"}},
	}
	blobs := &mockBlob{}
	seedFile(store, blobs, "f1", file.KindUpload, "image/png", []byte("x"), 2*time.Hour)
	svc := newTestFileStore(store, blobs)

	deleted, err := svc.DeleteIfUnreferenced(context.Background(), "f1", "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !deleted {
		t.Fatal("file referenced only by the excluded task must be deleted")
	}
}

func TestFileStoreServiceSweepOrphans(t *testing.T) {
	store := &mockStore{
		tasks: []task.Task{{ID: "t1", Status: task.StatusCompleted, OriginalImageID: "kept"}},
	}
	blobs := &mockBlob{}
	seedFile(store, blobs, "kept", file.KindUpload, "image/png", []byte("a"), 2*time.Hour)
	seedFile(store, blobs, "orphan-old", file.KindGeneratedImage, "image/png", []byte("b"), 2*time.Hour)
	seedFile(store, blobs, "orphan-new", file.KindGeneratedImage, "image/png", []byte("c"), 0)
	svc := newTestFileStore(store, blobs)

	removed, err := svc.SweepOrphans(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if blobs.has("orphan-old") {
		t.Fatal("old orphan must be removed")
	}
	if !blobs.has("kept") || !blobs.has("orphan-new") {
		t.Fatal("referenced and young files must survive the sweep")
	}
	if store.fileCount() != 2 {
		t.Fatalf("expected 2 file records left, got %d", store.fileCount())
	}
}

func TestFileStoreServiceSweepOrphansPaused(t *testing.T) {
	store := &mockStore{
		settings: map[string]json.RawMessage{settings.KeySweepPaused: json.RawMessage(`true`)},
	}
	blobs := &mockBlob{}
	seedFile(store, blobs, "orphan", file.KindGeneratedImage, "image/png", []byte("b"), 2*time.Hour)
	svc := newTestFileStore(store, blobs)

	removed, err := svc.SweepOrphans(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 0 || !blobs.has("orphan") {
		t.Fatal("paused sweep must not remove anything")
	}
}

func TestFileStoreServiceStorageStats(t *testing.T) {
	store := &mockStore{
		tasks: []task.Task{{ID: "t1", Status: task.StatusCompleted, VideoID: "vid"}},
	}
	blobs := &mockBlob{}
	seedFile(store, blobs, "vid", file.KindVideo, "video/mp4", []byte("12345"), time.Hour)
	seedFile(store, blobs, "up1", file.KindUpload, "image/png", []byte("123"), time.Hour)
	seedFile(store, blobs, "up2", file.KindUpload, "image/png", []byte("12"), time.Hour)
	svc := newTestFileStore(store, blobs)

	stats, err := svc.StorageStats(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.TotalFiles != 3 || stats.TotalBytes != 10 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.ByKind[file.KindUpload] != 2 || stats.ByKind[file.KindVideo] != 1 {
		t.Fatalf("by kind = %v", stats.ByKind)
	}
	if stats.Orphans != 2 {
		t.Fatalf("orphans = %d, want 2", stats.Orphans)
	}
}
