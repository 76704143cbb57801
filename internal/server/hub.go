package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mintwatch/backend/internal/alerts"
	"github.com/mintwatch/backend/internal/core"
)

const (
	hubQueueSize     = 256
	hubWriteDeadline = 10 * time.Second
)

// StreamEvent is the envelope sent to every connected stream client.
type StreamEvent struct {
	Type   string      `json:"type"`
	Alert  *core.Alert `json:"alert"`
	SentAt time.Time   `json:"sent_at"`
}

// Hub fans dispatched alerts out to WebSocket subscribers. It is a
// best-effort stream: a full broadcast queue or a dead client never
// blocks the dispatch path.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan *core.Alert
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	stopCh     chan struct{}
	once       sync.Once

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub creates the hub. Run must be started for clients to receive
// anything.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan *core.Alert, hubQueueSize),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		stopCh: make(chan struct{}),
	}
}

// Run owns the client set until the context ends.
func (h *Hub) Run(ctx context.Context) {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			n := len(h.clients)
			h.mu.Unlock()
			slog.Debug("stream client connected", "clients", n)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			slog.Debug("stream client disconnected", "clients", n)

		case alert := <-h.broadcast:
			h.fanOut(alert)
		}
	}
}

func (h *Hub) fanOut(alert *core.Alert) {
	event := StreamEvent{Type: "alert", Alert: alert, SentAt: time.Now()}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(hubWriteDeadline))
		if err := conn.WriteJSON(event); err != nil {
			slog.Debug("stream write failed, dropping client", "error", err)
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

func (h *Hub) closeAll() {
	h.once.Do(func() { close(h.stopCh) })
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}

// HandleWebSocket upgrades the connection and parks a read pump that
// exists only to notice the client going away.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("stream upgrade failed", "error", err)
		return
	}

	select {
	case h.register <- conn:
	case <-h.stopCh:
		conn.Close()
		return
	}

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		select {
		case h.unregister <- conn:
		case <-h.stopCh:
		}
	}()
}

// Broadcast queues an alert for fan-out. It never blocks; a full queue
// drops the alert and counts it.
func (h *Hub) Broadcast(alert *core.Alert) bool {
	select {
	case h.broadcast <- alert:
		h.published.Add(1)
		return true
	default:
		h.dropped.Add(1)
		return false
	}
}

// Name implements alerts.Sink.
func (h *Hub) Name() string { return "stream" }

// Send implements alerts.Sink. The stream is fire-and-forget, so queueing
// counts as delivered.
func (h *Hub) Send(ctx context.Context, alert *core.Alert) alerts.SinkResult {
	h.Broadcast(alert)
	return alerts.SinkResult{Delivered: true}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HubStats is a snapshot of stream counters.
type HubStats struct {
	Clients   int    `json:"clients"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
}

func (h *Hub) Stats() HubStats {
	return HubStats{
		Clients:   h.ClientCount(),
		Published: h.published.Load(),
		Dropped:   h.dropped.Load(),
	}
}
