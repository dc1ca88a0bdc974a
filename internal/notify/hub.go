// Package notify implements NotificationHub: a debounced, push-based
// event feed that lets an external operational client (a CLI menu, a
// TUI, a dashboard) learn about pool changes without polling the
// status endpoint.
package notify

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agpool/agpool/internal/logging"
)

var log = logging.With("component", "notify")

// EventKind names the kind of pool change a client should react to.
type EventKind string

const (
	EventAccountAdded        EventKind = "account_added"
	EventAccountRemoved      EventKind = "account_removed"
	EventAllAccountsBlocked  EventKind = "all_accounts_blocked"
	EventCircuitBreakerOpen  EventKind = "circuit_breaker_open"
	EventCircuitBreakerClose EventKind = "circuit_breaker_closed"
)

// Event is one broadcastable notification.
type Event struct {
	Kind      EventKind `json:"kind"`
	AccountID int       `json:"account_index,omitempty"`
	Endpoint  string    `json:"endpoint,omitempty"`
	At        time.Time `json:"at"`
}

// debounceWindow coalesces bursts of the same event kind (e.g. every
// account in the pool tripping "all blocked" within the same second)
// into a single broadcast.
const debounceWindow = 500 * time.Millisecond

// Hub fans Events out to every connected WebSocket client.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}

	pendingMu sync.Mutex
	pending   map[EventKind]*time.Timer
	lastEvent map[EventKind]Event

	upgrader websocket.Upgrader
}

type client struct {
	conn *websocket.Conn
	send chan Event
}

// NewHub constructs an empty Hub ready to accept connections and
// publish events.
func NewHub() *Hub {
	return &Hub{
		clients:   make(map[*client]struct{}),
		pending:   make(map[EventKind]*time.Timer),
		lastEvent: make(map[EventKind]Event),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection to a WebSocket and registers it as
// a broadcast target until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("upgrading websocket connection: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan Event, 16)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) readLoop(c *client) {
	defer h.disconnect(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	for ev := range c.send {
		if err := c.conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

func (h *Hub) disconnect(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	_ = c.conn.Close()
}

// Publish schedules ev for broadcast, debounced per EventKind: a burst
// of same-kind events within debounceWindow collapses to the last one.
func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()

	h.lastEvent[ev.Kind] = ev
	if t, scheduled := h.pending[ev.Kind]; scheduled {
		t.Stop()
	}
	h.pending[ev.Kind] = time.AfterFunc(debounceWindow, func() {
		h.pendingMu.Lock()
		latest := h.lastEvent[ev.Kind]
		delete(h.pending, ev.Kind)
		h.pendingMu.Unlock()
		h.broadcast(latest)
	})
}

func (h *Hub) broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			log.Warnf("client send buffer full, dropping %s event", ev.Kind)
		}
	}
}

// MarshalEvent is exposed for callers that want to log or persist an
// Event alongside the live broadcast.
func MarshalEvent(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}
