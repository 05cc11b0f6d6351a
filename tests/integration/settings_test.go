//go:build integration

package integration_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"
	"time"
)

func putSettings(t *testing.T, values map[string]any) *http.Response {
	t.Helper()

	raw, err := json.Marshal(map[string]any{"settings": values})
	if err != nil {
		t.Fatalf("marshal settings: %v", err)
	}
	req, err := http.NewRequest(http.MethodPut, testServer.URL+"/api/v1/settings", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("build settings request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT /settings: %v", err)
	}
	return resp
}

func getSettings(t *testing.T) map[string]any {
	t.Helper()

	resp, err := http.Get(testServer.URL + "/api/v1/settings")
	if err != nil {
		t.Fatalf("GET /settings: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /settings: expected 200, got %d", resp.StatusCode)
	}
	var got map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode settings: %v", err)
	}
	return got
}

func TestSettingsRoundTrip(t *testing.T) {
	cleanDB(testPool)

	resp := putSettings(t, map[string]any{
		"ui.theme":     "dark",
		"sweep.paused": false,
	})
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update settings: expected 200, got %d", resp.StatusCode)
	}

	got := getSettings(t)
	if got["ui.theme"] != "dark" {
		t.Fatalf("ui.theme = %v, want dark", got["ui.theme"])
	}
	if got["sweep.paused"] != false {
		t.Fatalf("sweep.paused = %v, want false", got["sweep.paused"])
	}

	// An empty settings map is a malformed update.
	empty := putSettings(t, map[string]any{})
	defer func() { _ = empty.Body.Close() }()
	if empty.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty update: expected 400, got %d", empty.StatusCode)
	}
}

// TestGenerationPauseParksQueuedTasks flips the operator pause switch and
// verifies queued tasks hold at admission, then resume on unpause without a
// restart.
func TestGenerationPauseParksQueuedTasks(t *testing.T) {
	cleanDB(testPool)

	pause := putSettings(t, map[string]any{"generation.paused": true})
	_ = pause.Body.Close()
	if pause.StatusCode != http.StatusOK {
		t.Fatalf("pause: expected 200, got %d", pause.StatusCode)
	}

	created := createTask(t, 1, nil)
	id := created["id"].(string)

	// The admission message was delivered, but generation must not start.
	time.Sleep(400 * time.Millisecond)
	if got := getTask(t, id); got["status"] != "queued" {
		t.Fatalf("paused task status = %v, want queued", got["status"])
	}

	// Unpausing readmits parked tasks.
	unpause := putSettings(t, map[string]any{"generation.paused": false})
	_ = unpause.Body.Close()
	if unpause.StatusCode != http.StatusOK {
		t.Fatalf("unpause: expected 200, got %d", unpause.StatusCode)
	}

	waitForStatus(t, id, "awaiting_selection")
}
