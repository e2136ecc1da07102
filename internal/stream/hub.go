package stream

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultHeartbeat is the ping interval; a client that has not answered
// by the following ping is dropped.
const DefaultHeartbeat = 30 * time.Second

const sendBuffer = 64

// Hub tracks connected overlay clients and fans messages out to them.
type Hub struct {
	mu        sync.RWMutex
	clients   map[*Client]struct{}
	closed    bool
	heartbeat time.Duration
	upgrader  websocket.Upgrader
	log       *slog.Logger
}

// NewHub creates a hub that pings its clients every heartbeat.
func NewHub(heartbeat time.Duration, log *slog.Logger) *Hub {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		clients:   make(map[*Client]struct{}),
		heartbeat: heartbeat,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Overlays are loaded from the broadcaster's own machine or OBS.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log,
	}
}

// ServeWS upgrades the request and registers the connection. The new client
// immediately receives a session:stats message confirming the connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := newClient(h, conn)
	if data, err := encode(NewMessage(TypeSessionStats, map[string]bool{"connected": true})); err == nil {
		c.send <- data
	}
	if !h.register(c) {
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info("websocket client connected", "total", n)
	return true
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.log.Info("websocket client disconnected", "total", n)
	}
}

// Broadcast sends m to every client subscribed to ch and returns how many
// clients it was queued for.
func (h *Hub) Broadcast(ch Channel, m ServerMessage) int {
	return h.fanout(m, func(c *Client) bool { return c.subscribed(ch) })
}

// BroadcastAll sends m to every connected client.
func (h *Hub) BroadcastAll(m ServerMessage) int {
	return h.fanout(m, func(*Client) bool { return true })
}

func (h *Hub) fanout(m ServerMessage, match func(*Client) bool) int {
	data, err := encode(m)
	if err != nil {
		h.log.Error("encode websocket message", "type", m.Type, "error", err)
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.clients {
		if !match(c) {
			continue
		}
		select {
		case c.send <- data:
			n++
		default:
			h.log.Warn("websocket client too slow, dropping message", "type", m.Type)
		}
	}
	return n
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}
