package stream

import (
	"bytes"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wireMessage struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	s := New(cfg)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Hub().Close()
		ts.Close()
	})
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) wireMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var m wireMessage
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

// connect dials and consumes the greeting.
func connect(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	conn := dial(t, ts)
	m := readMessage(t, conn)
	require.Equal(t, TypeSessionStats, m.Type)
	return conn
}

func subscribe(t *testing.T, h *Hub, conn *websocket.Conn, ch Channel) {
	t.Helper()
	before := subscribers(h, ch)
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "subscribe", Channel: ch}))
	require.Eventually(t, func() bool { return subscribers(h, ch) > before }, 2*time.Second, 5*time.Millisecond)
}

func subscribers(h *Hub, ch Channel) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.clients {
		if c.subscribed(ch) {
			n++
		}
	}
	return n
}

func TestHub_GreetsNewClient(t *testing.T) {
	s, ts := newTestServer(t, Config{})
	conn := dial(t, ts)

	m := readMessage(t, conn)
	assert.Equal(t, TypeSessionStats, m.Type)
	assert.JSONEq(t, `{"connected":true}`, string(m.Payload))
	assert.NotEmpty(t, m.Timestamp)
	require.Eventually(t, func() bool { return s.Hub().ClientCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestHub_BroadcastReachesOnlySubscribers(t *testing.T) {
	s, ts := newTestServer(t, Config{})
	sub := connect(t, ts)
	other := connect(t, ts)
	subscribe(t, s.Hub(), sub, ChannelTDD)

	n := s.Hub().Broadcast(ChannelTDD, NewMessage(TypeTDDStatus, TDDStatusPayload{Phase: "red"}))
	assert.Equal(t, 1, n)
	m := readMessage(t, sub)
	assert.Equal(t, TypeTDDStatus, m.Type)

	// The unsubscribed client sees the next BroadcastAll first.
	s.Hub().BroadcastAll(NewMessage(TypeOverlayAmount, OverlayAmountPayload{Amount: 5}))
	m = readMessage(t, other)
	assert.Equal(t, TypeOverlayAmount, m.Type)
	m = readMessage(t, sub)
	assert.Equal(t, TypeOverlayAmount, m.Type)
}

func TestHub_Unsubscribe(t *testing.T) {
	s, ts := newTestServer(t, Config{})
	conn := connect(t, ts)
	subscribe(t, s.Hub(), conn, ChannelGitHub)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "unsubscribe", Channel: ChannelGitHub}))
	require.Eventually(t, func() bool { return subscribers(s.Hub(), ChannelGitHub) == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, s.Hub().Broadcast(ChannelGitHub, NewMessage(TypeCommit, CommitPayload{})))
}

func TestHub_IgnoresInvalidMessages(t *testing.T) {
	s, ts := newTestServer(t, Config{})
	conn := connect(t, ts)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "subscribe", Channel: "nope"}))
	subscribe(t, s.Hub(), conn, ChannelChat)
	assert.Equal(t, 1, s.Hub().ClientCount())
}

func TestHub_DisconnectIsTracked(t *testing.T) {
	s, ts := newTestServer(t, Config{})
	conn := connect(t, ts)
	require.Eventually(t, func() bool { return s.Hub().ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	_ = conn.Close()
	require.Eventually(t, func() bool { return s.Hub().ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHub_HeartbeatDropsSilentClients(t *testing.T) {
	s, ts := newTestServer(t, Config{Heartbeat: 50 * time.Millisecond})

	// A client that keeps reading answers pings automatically.
	live := dial(t, ts)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			if _, _, err := live.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// A client that never reads never answers.
	_ = dial(t, ts)
	require.Eventually(t, func() bool { return s.Hub().ClientCount() == 2 }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return s.Hub().ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, s.Hub().ClientCount())

	_ = live.Close()
	wg.Wait()
}

func TestHub_CloseDisconnectsClients(t *testing.T) {
	s, ts := newTestServer(t, Config{})
	conn := connect(t, ts)
	require.Eventually(t, func() bool { return s.Hub().ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	s.Hub().Close()
	assert.Equal(t, 0, s.Hub().ClientCount())
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestHub_LogsConnections(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	w := writerFunc(func(p []byte) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		return buf.Write(p)
	})
	_, ts := newTestServer(t, Config{Logger: slog.New(slog.NewTextHandler(w, nil))})
	connect(t, ts)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return strings.Contains(buf.String(), "websocket client connected")
	}, time.Second, 5*time.Millisecond)
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
