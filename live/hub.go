/*
hub.go - Live view invalidation over WebSocket

PURPOSE:
  Dashboards cache leaderboards, feeds and balances. After every committed
  mutation the ledger service emits an Invalidation naming the views that
  went stale; the Hub fans it out to every connected browser so they can
  refetch instead of polling.

MESSAGE FORMAT:
  {"type":"invalidate","topics":["balances","activities"],"user_id":"1"}

DELIVERY:
  Best effort. A client whose buffer is full misses the message; the next
  invalidation (or a reconnect) brings it back in line.

SEE ALSO:
  - ledger/service.go: Invalidator interface
  - api/server.go: GET /api/live
*/
package live

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	ws "github.com/coder/websocket"

	"github.com/warp/points-ledger/ledger"
)

const (
	sendBufferSize = 16
	pingInterval   = 30 * time.Second
)

// Message is what subscribers receive.
type Message struct {
	Type   string         `json:"type"`
	Topics []ledger.Topic `json:"topics"`
	UserID ledger.UserID  `json:"user_id,omitempty"`
}

// =============================================================================
// HUB
// =============================================================================

// Hub maintains the set of active subscribers and broadcasts invalidations.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	logger  *slog.Logger
}

var _ ledger.Invalidator = (*Hub)(nil)

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Hub{
		clients: make(map[*client]struct{}),
		logger:  logger,
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

// unregister removes c and closes its send channel. Safe to call twice.
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Invalidate broadcasts inv to all subscribers without blocking.
func (h *Hub) Invalidate(inv ledger.Invalidation) {
	data, err := json.Marshal(Message{Type: "invalidate", Topics: inv.Topics, UserID: inv.UserID})
	if err != nil {
		h.logger.Error("marshal invalidation", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Debug("live client buffer full, dropping invalidation")
		}
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams invalidations until the
// connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.Accept(w, r, &ws.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Warn("live: accept", "error", err)
		return
	}
	defer conn.CloseNow()

	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBufferSize)}
	c.run(r.Context())
}

// =============================================================================
// CLIENT
// =============================================================================

type client struct {
	hub  *Hub
	conn *ws.Conn
	send chan []byte
}

// run blocks until the connection is closed, then unregisters.
func (c *client) run(ctx context.Context) {
	c.hub.register(c)
	defer c.hub.unregister(c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx)
	c.readPump(ctx)
}

// readPump discards incoming messages and returns when the peer goes away.
func (c *client) readPump(ctx context.Context) {
	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			return
		}
	}
}

func (c *client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, ws.MessageText, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
