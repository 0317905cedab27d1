package server

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/Tyrowin/roombroker/internal/metrics"
	"github.com/Tyrowin/roombroker/internal/pubsub"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const (
	testOrigin = "http://localhost:8080"
	testTS     = int64(1700000000123)
	readWait   = 2 * time.Second
)

type testEnv struct {
	hub     *Hub
	metrics *metrics.Metrics
	cfg     Config
	server  *httptest.Server
	wsURL   string
}

// wireFrame is the union of every server-to-client frame.
type wireFrame struct {
	Type string          `json:"type"`
	Room string          `json:"room"`
	Data *pubsub.Message `json:"data,omitempty"`
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	cfg := NewConfig().Sanitize()
	cfg.AllowedOrigins = []string{testOrigin, "http://localhost:3000"}
	if mutate != nil {
		mutate(&cfg)
	}

	logger := discardLogger()
	m := metrics.New()
	hub, err := NewHub(cfg, logger, m, pubsub.WithClock(func() time.Time {
		return time.UnixMilli(testTS)
	}))
	require.NoError(t, err)

	srv := httptest.NewServer(NewRouter(hub, m, cfg, logger))
	t.Cleanup(func() {
		_ = hub.Shutdown(2 * time.Second)
		srv.Close()
	})

	return &testEnv{
		hub:     hub,
		metrics: m,
		cfg:     cfg,
		server:  srv,
		wsURL:   "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}
}

// dial opens a socket as userID (anonymous when empty) and waits until the
// hub has registered it.
func (e *testEnv) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()

	before := e.hub.ConnectionCount()
	target := e.wsURL
	if userID != "" {
		target += "?userId=" + url.QueryEscape(userID)
	}

	conn, err := dialWithOrigin(target, testOrigin)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool {
		return e.hub.ConnectionCount() > before
	}, readWait, 10*time.Millisecond)
	return conn
}

func dialWithOrigin(target, origin string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	headers := http.Header{}
	headers.Set("Origin", origin)

	conn, resp, err := dialer.Dial(target, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

func (e *testEnv) scrapeMetrics(t *testing.T) string {
	t.Helper()
	resp, err := http.Get(e.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame pubsub.Frame) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
}

func readFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readWait)))
	var f wireFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func join(t *testing.T, conn *websocket.Conn, room string) {
	t.Helper()
	writeFrame(t, conn, pubsub.Frame{Type: pubsub.TypeJoin, Room: room})
	ack := readFrame(t, conn)
	require.Equal(t, pubsub.TypeJoined, ack.Type)
	require.Equal(t, room, ack.Room)
}

func send(t *testing.T, conn *websocket.Conn, room, user, text string) {
	t.Helper()
	writeFrame(t, conn, pubsub.Frame{Type: pubsub.TypeSend, Room: room, User: user, Text: text})
}

// requireClosed waits for the server to drop conn.
func requireClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readWait)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatalf("connection still open after %s", readWait)
			}
			return
		}
	}
}
