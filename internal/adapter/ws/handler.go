// Package ws pushes task lifecycle events to browser clients over WebSocket.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// subscriber is one connected client. An empty taskID subscribes to every
// task's events.
type subscriber struct {
	sock   *websocket.Conn
	stop   context.CancelFunc
	taskID string
}

// wants reports whether an event for taskID should reach this subscriber.
func (s *subscriber) wants(taskID string) bool {
	return s.taskID == "" || s.taskID == taskID
}

// Hub fans events out to the connected subscribers.
type Hub struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{})}
}

// HandleWS upgrades the request and registers the client. A task_id query
// parameter narrows the subscription to one task's events.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	s := &subscriber{sock: sock, stop: cancel, taskID: r.URL.Query().Get("task_id")}

	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	slog.Info("websocket connected", "remote", r.RemoteAddr, "task_id", s.taskID)

	go h.watch(ctx, s)
}

// watch reads until the peer goes away. Clients never send application
// data; the read loop exists to notice disconnects and answer pings.
func (h *Hub) watch(ctx context.Context, s *subscriber) {
	defer func() {
		h.drop(s)
		_ = s.sock.Close(websocket.StatusNormalClosure, "")
	}()
	for {
		if _, _, err := s.sock.Read(ctx); err != nil {
			return
		}
	}
}

// Broadcast sends a message to all unscoped subscribers.
func (h *Hub) Broadcast(ctx context.Context, msg Message) {
	h.send(ctx, "", msg)
}

// BroadcastToTask sends a message to subscribers watching taskID and to
// all unscoped subscribers.
func (h *Hub) BroadcastToTask(ctx context.Context, taskID string, msg Message) {
	h.send(ctx, taskID, msg)
}

func (h *Hub) send(ctx context.Context, taskID string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("websocket marshal failed", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for s := range h.subs {
		if !s.wants(taskID) {
			continue
		}
		if err := s.sock.Write(ctx, websocket.MessageText, data); err != nil {
			slog.Debug("websocket write failed", "error", err)
			go h.drop(s)
		}
	}
}

// ConnectionCount returns the number of active subscribers.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) drop(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[s]; ok {
		s.stop()
		delete(h.subs, s)
		slog.Info("websocket disconnected")
	}
}
