//go:build integration

package integration_test

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"testing"
)

// postFile uploads one standalone file part; the caller owns the response.
func postFile(t *testing.T, filename, contentType string, data []byte) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	if err != nil {
		t.Fatalf("create file part: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write file part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}

	resp, err := http.Post(testServer.URL+"/api/v1/files", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("upload file: %v", err)
	}
	return resp
}

func TestFileUploadAndServe(t *testing.T) {
	payload := []byte("ID3 not really audio, but the pipeline treats it as opaque")

	resp := postFile(t, "track.mp3", "audio/mpeg", payload)
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload: expected 201, got %d", resp.StatusCode)
	}
	var doc struct {
		ID          string `json:"id"`
		Kind        string `json:"kind"`
		ContentType string `json:"content_type"`
		Size        int64  `json:"size"`
		Digest      string `json:"digest"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode upload response: %v", err)
	}
	if doc.ID == "" || doc.Digest == "" {
		t.Fatalf("upload response missing id or digest: %+v", doc)
	}
	if doc.Kind != "upload" || doc.ContentType != "audio/mpeg" {
		t.Fatalf("upload recorded as %s/%s, want upload/audio/mpeg", doc.Kind, doc.ContentType)
	}
	if doc.Size != int64(len(payload)) {
		t.Fatalf("size = %d, want %d", doc.Size, len(payload))
	}

	// Serving returns the stored bytes with a digest ETag.
	get, err := http.Get(testServer.URL + "/api/v1/files/" + doc.ID)
	if err != nil {
		t.Fatalf("get file: %v", err)
	}
	defer func() { _ = get.Body.Close() }()
	if get.StatusCode != http.StatusOK {
		t.Fatalf("get file: expected 200, got %d", get.StatusCode)
	}
	if ct := get.Header.Get("Content-Type"); ct != "audio/mpeg" {
		t.Fatalf("content type = %q, want audio/mpeg", ct)
	}
	etag := get.Header.Get("ETag")
	if etag == "" {
		t.Fatal("expected an ETag on file responses")
	}
	body, err := io.ReadAll(get.Body)
	if err != nil {
		t.Fatalf("read file body: %v", err)
	}
	if !bytes.Equal(body, payload) {
		t.Fatalf("served %d bytes, want the %d uploaded", len(body), len(payload))
	}

	// Files are immutable, so a matching ETag short-circuits.
	req, err := http.NewRequest(http.MethodGet, testServer.URL+"/api/v1/files/"+doc.ID, http.NoBody)
	if err != nil {
		t.Fatalf("build conditional request: %v", err)
	}
	req.Header.Set("If-None-Match", etag)
	cond, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("conditional get: %v", err)
	}
	defer func() { _ = cond.Body.Close() }()
	if cond.StatusCode != http.StatusNotModified {
		t.Fatalf("conditional get: expected 304, got %d", cond.StatusCode)
	}
}

func TestFileUploadRejectsNonAudio(t *testing.T) {
	resp := postFile(t, "notes.txt", "text/plain", []byte("plain text"))
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for non-audio upload, got %d", resp.StatusCode)
	}
}

func TestGetNonexistentFile(t *testing.T) {
	resp, err := http.Get(testServer.URL + "/api/v1/files/00000000-0000-0000-0000-000000000000")
	if err != nil {
		t.Fatalf("get nonexistent file: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestOrphanSweepAndStorageStats(t *testing.T) {
	cleanDB(testPool)

	// One full pipeline leaves four referenced files; a standalone upload
	// nothing ever selected is an orphan.
	done := runPipeline(t, 2)
	videoID := done["video_id"].(string)

	orphanResp := postFile(t, "unused.mp3", "audio/mpeg", []byte("never referenced"))
	if orphanResp.StatusCode != http.StatusCreated {
		t.Fatalf("orphan upload: expected 201, got %d", orphanResp.StatusCode)
	}
	var orphan struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(orphanResp.Body).Decode(&orphan); err != nil {
		t.Fatalf("decode orphan upload: %v", err)
	}
	_ = orphanResp.Body.Close()

	stats := getStorageStats(t)
	if stats.TotalFiles != 5 || stats.Orphans != 1 {
		t.Fatalf("stats = %d files / %d orphans, want 5/1", stats.TotalFiles, stats.Orphans)
	}
	if stats.ByKind["upload"] != 2 || stats.ByKind["generated_image"] != 2 || stats.ByKind["video"] != 1 {
		t.Fatalf("by_kind = %v", stats.ByKind)
	}
	if stats.TotalBytes <= 0 {
		t.Fatalf("total_bytes = %d, want > 0", stats.TotalBytes)
	}

	// A zero grace window sweeps the orphan immediately.
	sweepResp, err := http.Post(testServer.URL+"/api/v1/admin/sweep?min_age=0s", "application/json", http.NoBody)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	defer func() { _ = sweepResp.Body.Close() }()
	if sweepResp.StatusCode != http.StatusOK {
		t.Fatalf("sweep: expected 200, got %d", sweepResp.StatusCode)
	}
	var swept struct {
		Removed int `json:"removed"`
	}
	if err := json.NewDecoder(sweepResp.Body).Decode(&swept); err != nil {
		t.Fatalf("decode sweep response: %v", err)
	}
	if swept.Removed != 1 {
		t.Fatalf("sweep removed %d files, want 1", swept.Removed)
	}

	if resp, err := http.Get(testServer.URL + "/api/v1/files/" + orphan.ID); err == nil {
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("swept file: expected 404, got %d", resp.StatusCode)
		}
	}

	// Everything the task references survived.
	stats = getStorageStats(t)
	if stats.TotalFiles != 4 || stats.Orphans != 0 {
		t.Fatalf("stats after sweep = %d files / %d orphans, want 4/0", stats.TotalFiles, stats.Orphans)
	}
	if resp, err := http.Get(testServer.URL + "/api/v1/files/" + videoID); err == nil {
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("referenced video after sweep: expected 200, got %d", resp.StatusCode)
		}
	}
}

type storageStats struct {
	TotalFiles int            `json:"total_files"`
	TotalBytes int64          `json:"total_bytes"`
	ByKind     map[string]int `json:"by_kind"`
	Orphans    int            `json:"orphans"`
}

func getStorageStats(t *testing.T) storageStats {
	t.Helper()

	resp, err := http.Get(testServer.URL + "/api/v1/admin/storage")
	if err != nil {
		t.Fatalf("get storage stats: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get storage stats: expected 200, got %d", resp.StatusCode)
	}
	var stats storageStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode storage stats: %v", err)
	}
	return stats
}
