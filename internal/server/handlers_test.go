package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Tyrowin/roombroker/internal/pubsub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthHandler(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, path := range []string{"/", "/healthz"} {
		t.Run(path, func(t *testing.T) {
			resp, err := http.Get(env.server.URL + path)
			require.NoError(t, err)
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
			assert.Equal(t, "Room broker is running!", string(body))
		})
	}
}

func TestWebSocketHandlerMethodValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	handler := WebSocketHandler(env.hub, newUpgrader(newOriginPolicy(nil, discardLogger())), discardLogger())

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch} {
		t.Run(method, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler(rec, httptest.NewRequest(method, "/ws", http.NoBody))
			assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
		})
	}
}

func TestWebSocketHandlerGETWithoutUpgrade(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.server.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Zero(t, env.hub.ConnectionCount())
}

func TestNegotiateHandler(t *testing.T) {
	tests := []struct {
		name   string
		public string
		target string
		proto  string
		want   string
	}{
		{
			name:   "derived from host",
			target: "http://chat.local:8080/negotiate?userId=alice",
			want:   "ws://chat.local:8080/ws?userId=alice",
		},
		{
			name:   "without user",
			target: "http://chat.local:8080/negotiate",
			want:   "ws://chat.local:8080/ws",
		},
		{
			name:   "behind tls proxy",
			target: "http://chat.local/negotiate?userId=bob",
			proto:  "https",
			want:   "wss://chat.local/ws?userId=bob",
		},
		{
			name:   "public url wins",
			public: "wss://rooms.example.com/socket",
			target: "http://10.0.0.5:8080/negotiate?userId=a%20b",
			want:   "wss://rooms.example.com/socket?userId=a+b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, http.NoBody)
			if tt.proto != "" {
				req.Header.Set("X-Forwarded-Proto", tt.proto)
			}
			rec := httptest.NewRecorder()
			NegotiateHandler(Config{PublicWSURL: tt.public})(rec, req)

			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var got NegotiateResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			assert.Equal(t, tt.want, got.URL)
			assert.Equal(t, "mock", got.Mode)
		})
	}
}

func TestNegotiateHandlerRejectsPost(t *testing.T) {
	rec := httptest.NewRecorder()
	NegotiateHandler(Config{})(rec, httptest.NewRequest(http.MethodPost, "/negotiate", http.NoBody))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func postBroadcast(t *testing.T, env *testEnv, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(env.server.URL+"/api/broadcast", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestBroadcastHandlerDeliversToRoom(t *testing.T) {
	env := newTestEnv(t, nil)
	x := env.dial(t, "x")
	join(t, x, "lobby")

	resp, body := postBroadcast(t, env, `{"room":"lobby","user":"system","text":"maintenance at noon"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var d pubsub.Delivery
	require.NoError(t, json.Unmarshal(body, &d))
	assert.Equal(t, pubsub.Delivery{Recipients: 1, Delivered: 1}, d)

	got := readFrame(t, x)
	assert.Equal(t, pubsub.TypeGroupMessage, got.Type)
	require.NotNil(t, got.Data)
	assert.Equal(t, pubsub.Message{User: "system", Text: "maintenance at noon", TS: testTS}, *got.Data)
}

func TestBroadcastHandlerEmptyRoomIsAccepted(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := postBroadcast(t, env, `{"room":"nobody-here","user":"system","text":"hello"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var d pubsub.Delivery
	require.NoError(t, json.Unmarshal(body, &d))
	assert.Zero(t, d.Recipients)
}

func TestBroadcastHandlerRejectsInvalidRequests(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "bad json", body: `{"room":`, want: "invalid JSON body"},
		{name: "missing room", body: `{"user":"u","text":"t"}`, want: pubsub.ErrEmptyRoom.Error()},
		{name: "missing user", body: `{"room":"r","text":"t"}`, want: pubsub.ErrEmptyUser.Error()},
		{name: "missing text", body: `{"room":"r","user":"u"}`, want: pubsub.ErrEmptyText.Error()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := postBroadcast(t, env, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var got errorResponse
			require.NoError(t, json.Unmarshal(body, &got))
			assert.Equal(t, tt.want, got.Error)
		})
	}
}

func TestBroadcastHandlerRejectsGet(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.server.URL + "/api/broadcast")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRoomsHandler(t *testing.T) {
	env := newTestEnv(t, nil)
	x := env.dial(t, "x")
	y := env.dial(t, "y")
	join(t, x, "lobby")
	join(t, y, "lobby")
	join(t, y, "games")

	resp, err := http.Get(env.server.URL + "/api/rooms")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rooms []pubsub.RoomInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rooms))
	assert.Equal(t, []pubsub.RoomInfo{
		{Name: "games", Members: 1},
		{Name: "lobby", Members: 2},
	}, rooms)
}

func TestAPICORS(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		origin string
		want   string
	}{
		{origin: "http://localhost:3000", want: "http://localhost:3000"},
		{origin: "http://evil.example", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, env.server.URL+"/api/rooms", http.NoBody)
			require.NoError(t, err)
			req.Header.Set("Origin", tt.origin)

			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.want, resp.Header.Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	x := env.dial(t, "x")
	join(t, x, "lobby")

	body := env.scrapeMetrics(t)
	assert.Contains(t, body, "roombroker_connections 1")
	assert.Contains(t, body, "roombroker_rooms 1")
	assert.Contains(t, body, `roombroker_frames_received_total{type="join"} 1`)
}

func TestTestPageHandler(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.server.URL + "/test")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "text/html", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(body), "/negotiate")
	assert.Contains(t, string(body), "group-message")
}

func TestCreateServer(t *testing.T) {
	srv := CreateServer(":9999", http.NewServeMux())
	assert.Equal(t, ":9999", srv.Addr)
	assert.NotZero(t, srv.ReadTimeout)
	assert.NotZero(t, srv.WriteTimeout)
	assert.NotZero(t, srv.IdleTimeout)
}
