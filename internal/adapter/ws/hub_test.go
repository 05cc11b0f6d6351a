package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/Driftwald/ReelStudio/internal/port/broadcast"
)

var _ broadcast.Broadcaster = (*Hub)(nil)

func TestNewHub(t *testing.T) {
	hub := NewHub()
	if hub == nil {
		t.Fatal("expected non-nil hub")
	}
	if hub.ConnectionCount() != 0 {
		t.Fatalf("expected 0 connections, got %d", hub.ConnectionCount())
	}
}

func TestHubBroadcastNoConnections(t *testing.T) {
	hub := NewHub()

	// Broadcast with no connections should not panic.
	hub.Broadcast(context.Background(), Message{
		Type:    "test",
		Payload: []byte(`{"key":"value"}`),
	})
}

func TestHubBroadcastEventNoConnections(t *testing.T) {
	hub := NewHub()

	// BroadcastEvent with no connections should not panic.
	hub.BroadcastEvent(context.Background(), EventTaskStatus, TaskStatusEvent{
		TaskID:   "t1",
		Status:   "completed",
		Progress: 100,
	})
}

func TestHubBroadcastEventMarshalError(t *testing.T) {
	hub := NewHub()

	// A channel cannot be marshaled to JSON; the hub must log, not panic.
	hub.BroadcastEvent(context.Background(), "bad", make(chan int))
}

func TestHubDropNonexistent(t *testing.T) {
	hub := NewHub()

	// Dropping a subscriber that was never added should not panic.
	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub.drop(&subscriber{stop: cancel, taskID: "task-1"})
}

func TestHubBroadcastToTaskNoConnections(t *testing.T) {
	hub := NewHub()

	// BroadcastToTask with no connections should not panic.
	hub.BroadcastToTask(context.Background(), "task-1", Message{
		Type:    "test",
		Payload: []byte(`{"key":"value"}`),
	})
}

func waitForConns(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ConnectionCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("connection count = %d, want %d", hub.ConnectionCount(), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func readMessage(ctx context.Context, t *testing.T, c *websocket.Conn) Message {
	t.Helper()
	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return msg
}

func TestHubDelivery(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	all, _, err := websocket.Dial(ctx, srv.URL, nil)
	if err != nil {
		t.Fatalf("dial unscoped: %v", err)
	}
	defer func() { _ = all.Close(websocket.StatusNormalClosure, "") }()

	scoped, _, err := websocket.Dial(ctx, srv.URL+"?task_id=t1", nil)
	if err != nil {
		t.Fatalf("dial scoped: %v", err)
	}
	defer func() { _ = scoped.Close(websocket.StatusNormalClosure, "") }()

	waitForConns(t, hub, 2)

	hub.BroadcastTaskEvent(ctx, "t2", EventTaskProgress, TaskProgressEvent{TaskID: "t2", Progress: 40})
	hub.BroadcastTaskEvent(ctx, "t1", EventTaskStatus, TaskStatusEvent{TaskID: "t1", Status: "generating", Progress: 10})

	// The unscoped client sees both messages in order.
	if msg := readMessage(ctx, t, all); msg.Type != EventTaskProgress {
		t.Fatalf("first message type = %q, want %q", msg.Type, EventTaskProgress)
	}
	if msg := readMessage(ctx, t, all); msg.Type != EventTaskStatus {
		t.Fatalf("second message type = %q, want %q", msg.Type, EventTaskStatus)
	}

	// The scoped client sees only the t1 message.
	msg := readMessage(ctx, t, scoped)
	if msg.Type != EventTaskStatus {
		t.Fatalf("scoped message type = %q, want %q", msg.Type, EventTaskStatus)
	}
	var ev TaskStatusEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.TaskID != "t1" || ev.Status != "generating" {
		t.Fatalf("scoped payload = %+v", ev)
	}

	shortCtx, shortCancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer shortCancel()
	if _, _, err := scoped.Read(shortCtx); err == nil {
		t.Fatal("scoped client received an unrelated message")
	}
}

func TestHubRemovesClosedConnections(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, srv.URL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitForConns(t, hub, 1)

	_ = c.Close(websocket.StatusNormalClosure, "")
	waitForConns(t, hub, 0)
}
