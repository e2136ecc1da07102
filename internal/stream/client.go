package stream

import (
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
)

// Client is one overlay connection and its channel subscriptions.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu   sync.Mutex
	subs map[Channel]struct{}
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		subs: make(map[Channel]struct{}),
	}
}

func (c *Client) subscribed(ch Channel) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[ch]
	return ok
}

func (c *Client) handle(m ClientMessage) {
	if !m.Channel.Valid() {
		c.hub.log.Debug("ignoring message for unknown channel", "channel", m.Channel)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch m.Type {
	case "subscribe":
		c.subs[m.Channel] = struct{}{}
		c.hub.log.Debug("client subscribed", "channel", m.Channel)
	case "unsubscribe":
		delete(c.subs, m.Channel)
		c.hub.log.Debug("client unsubscribed", "channel", m.Channel)
	}
}

// readPump processes subscription requests until the connection fails or
// stops answering pings.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	pongWait := 2 * c.hub.heartbeat
	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("websocket read ended", "error", err)
			}
			return
		}
		var m ClientMessage
		if err := json.Unmarshal(data, &m); err != nil {
			c.hub.log.Warn("invalid websocket message", "error", err)
			continue
		}
		c.handle(m)
	}
}

// writePump drains the send queue and pings every heartbeat.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.heartbeat)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
