// Package notify implements the best-effort notification bus between
// the sync pipeline and connected foreground clients. Events are
// broadcast over WebSocket with no queuing, persistence, or delivery
// confirmation; the absence of listeners is not an error. Clients may
// also send a sync command over the same connection to force a queue
// drain.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	// writeTimeout bounds one broadcast write to a single client so a
	// stalled connection cannot hold up the bus.
	writeTimeout = 5 * time.Second

	// maxInboundBytes caps inbound command messages. Commands are tiny
	// JSON objects.
	maxInboundBytes = 4 * 1024
)

// Event is one notification sent to foreground clients.
type Event struct {
	Kind string `json:"kind"`
	ID   uint64 `json:"id,omitempty"`
}

// Synced builds the event published after a queued share was delivered
// and removed.
func Synced(id uint64) Event {
	return Event{Kind: "synced", ID: id}
}

type client struct {
	conn *websocket.Conn

	// writeMu serializes writes to the connection; broadcasts may
	// arrive from concurrent drains.
	writeMu sync.Mutex
}

// Hub tracks connected foreground clients and fans events out to them.
type Hub struct {
	logger *slog.Logger

	// onCommand fires when a client sends a sync command. Set by the
	// daemon wiring to the scheduler's command trigger; nil ignores
	// commands.
	onCommand func()

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub creates an empty hub. onCommand may be nil.
func NewHub(logger *slog.Logger, onCommand func()) *Hub {
	return &Hub{
		logger:    logger,
		onCommand: onCommand,
		clients:   make(map[*client]struct{}),
	}
}

// Handler returns the HTTP handler that upgrades connections and keeps
// them registered until they drop.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			h.logger.Debug("websocket accept failed", slog.String("error", err.Error()))
			return
		}

		conn.SetReadLimit(maxInboundBytes)

		cl := &client{conn: conn}

		h.mu.Lock()
		h.clients[cl] = struct{}{}
		h.mu.Unlock()

		h.logger.Debug("notify client connected")

		h.readLoop(r.Context(), cl)

		h.drop(cl, websocket.StatusNormalClosure)
	}
}

// readLoop consumes inbound messages until the connection drops.
// The only recognized message is the sync command {"op":"sync"}.
func (h *Hub) readLoop(ctx context.Context, cl *client) {
	for {
		_, data, err := cl.conn.Read(ctx)
		if err != nil {
			return
		}

		if gjson.GetBytes(data, "op").String() == "sync" {
			h.logger.Debug("sync command received from client")

			if h.onCommand != nil {
				h.onCommand()
			}
		}
	}
}

// Broadcast sends the event to every currently connected client.
// Clients whose write fails are dropped; no error is returned.
func (h *Hub) Broadcast(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("marshalling notify event", slog.String("error", err.Error()))
		return
	}

	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for cl := range h.clients {
		targets = append(targets, cl)
	}
	h.mu.Unlock()

	for _, cl := range targets {
		if err := h.write(ctx, cl, data); err != nil {
			h.logger.Debug("dropping notify client", slog.String("error", err.Error()))
			h.drop(cl, websocket.StatusPolicyViolation)
		}
	}
}

func (h *Hub) write(ctx context.Context, cl *client, data []byte) error {
	cl.writeMu.Lock()
	defer cl.writeMu.Unlock()

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	return cl.conn.Write(writeCtx, websocket.MessageText, data)
}

// drop removes a client from the hub and closes its connection.
// Safe to call more than once per client.
func (h *Hub) drop(cl *client, code websocket.StatusCode) {
	h.mu.Lock()
	_, present := h.clients[cl]
	delete(h.clients, cl)
	h.mu.Unlock()

	if present {
		_ = cl.conn.Close(code, "")
	}
}

// ClientCount returns the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.clients)
}
