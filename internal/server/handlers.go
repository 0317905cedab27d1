// Package server exposes HTTP handlers, including WebSocket upgrades, the
// negotiate and broadcast APIs, health checks, and the built-in test page.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// BroadcastRequest is the body accepted by POST /api/broadcast.
type BroadcastRequest struct {
	Room string `json:"room"`
	User string `json:"user"`
	Text string `json:"text"`
}

// NegotiateResponse tells a client where to open its socket.
type NegotiateResponse struct {
	URL  string `json:"url"`
	Mode string `json:"mode"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func newUpgrader(policy *originPolicy) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     policy.checkOrigin,
	}
}

// WebSocketHandler upgrades GET requests and hands the socket to hub. The
// optional userId query parameter becomes the connection's identity.
func WebSocketHandler(hub *Hub, upgrader *websocket.Upgrader, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", slog.String("remoteAddr", r.RemoteAddr), slog.Any("error", err))
			return
		}

		userID := strings.TrimSpace(r.URL.Query().Get("userId"))
		if _, err := hub.Accept(conn, userID, r.RemoteAddr); err != nil {
			logger.Warn("rejected websocket connection", slog.String("remoteAddr", r.RemoteAddr), slog.Any("error", err))
		}
	}
}

// NegotiateHandler returns the socket URL a client should dial. PublicWSURL
// takes precedence over the URL derived from the request.
func NegotiateHandler(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
			return
		}

		endpoint, err := negotiateURL(cfg.PublicWSURL, r)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "invalid public websocket url"})
			return
		}

		writeJSON(w, http.StatusOK, NegotiateResponse{URL: endpoint, Mode: "mock"})
	}
}

func negotiateURL(public string, r *http.Request) (string, error) {
	var u *url.URL
	if public != "" {
		parsed, err := url.Parse(public)
		if err != nil {
			return "", err
		}
		u = parsed
	} else {
		scheme := "ws"
		if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
			scheme = "wss"
		}
		u = &url.URL{Scheme: scheme, Host: r.Host, Path: "/ws"}
	}

	if userID := strings.TrimSpace(r.URL.Query().Get("userId")); userID != "" {
		q := u.Query()
		q.Set("userId", userID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// BroadcastHandler publishes a message to a room on behalf of a server-side
// caller. It answers 202 with the delivery counts, or 400 when the request
// is invalid.
func BroadcastHandler(hub *Hub, maxBody int64, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
			return
		}

		var req BroadcastRequest
		body := http.MaxBytesReader(w, r.Body, maxBody)
		if err := json.NewDecoder(body).Decode(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
				return
			}
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
			return
		}

		delivery, err := hub.Broker().Publish(req.Room, req.User, req.Text)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}

		logger.Info("http broadcast",
			slog.String("room", req.Room),
			slog.Int("recipients", delivery.Recipients),
			slog.Int("failed", delivery.Failed))
		writeJSON(w, http.StatusAccepted, delivery)
	}
}

// RoomsHandler lists live rooms and their member counts.
func RoomsHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
			return
		}
		writeJSON(w, http.StatusOK, hub.Broker().Registry().Rooms())
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Room broker is running!")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// TestPageHandler serves an HTML page for joining rooms and sending messages
// by hand.
func TestPageHandler(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := fmt.Fprint(w, testPageHTML); err != nil {
			logger.Warn("write test page", slog.Any("error", err))
		}
	}
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Room Broker Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        input[type="text"] { width: 200px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>Room Broker Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="userInput" placeholder="User name">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div style="margin-top: 10px">
        <input type="text" id="roomInput" placeholder="Room" value="lobby">
        <button onclick="roomFrame('join')">Join</button>
        <button onclick="roomFrame('leave')">Leave</button>
    </div>
    <div style="margin-top: 10px">
        <input type="text" id="messageInput" placeholder="Type a message...">
        <button onclick="sendMessage()">Send</button>
    </div>

    <div id="messages"></div>

    <script>
        let ws = null;
        const messagesDiv = document.getElementById('messages');
        const statusDiv = document.getElementById('status');
        const connectButton = document.getElementById('connectButton');

        function addLine(text, color) {
            const el = document.createElement('div');
            el.style.margin = '5px 0';
            el.style.color = color || 'gray';
            el.textContent = text;
            messagesDiv.appendChild(el);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        async function connect() {
            const user = document.getElementById('userInput').value.trim();
            const res = await fetch('/negotiate?userId=' + encodeURIComponent(user));
            const info = await res.json();
            ws = new WebSocket(info.url);

            ws.onopen = () => { addLine('Connected'); updateStatus(true); };
            ws.onmessage = (event) => {
                const frame = JSON.parse(event.data);
                if (frame.type === 'group-message') {
                    addLine('[' + frame.room + '] ' + frame.data.user + ': ' + frame.data.text, 'green');
                } else {
                    addLine(frame.type + ' ' + frame.room);
                }
            };
            ws.onclose = () => { addLine('Connection closed'); updateStatus(false); ws = null; };
            ws.onerror = () => { addLine('Connection error'); updateStatus(false); };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function roomFrame(type) {
            const room = document.getElementById('roomInput').value.trim();
            if (ws && room) {
                ws.send(JSON.stringify({ type: type, room: room }));
            }
        }

        function sendMessage() {
            const input = document.getElementById('messageInput');
            const room = document.getElementById('roomInput').value.trim();
            const user = document.getElementById('userInput').value.trim() || 'anonymous';
            if (ws && room && input.value) {
                ws.send(JSON.stringify({ type: 'send', room: room, user: user, text: input.value }));
                input.value = '';
            }
        }

        document.getElementById('messageInput').addEventListener('keypress', (e) => {
            if (e.key === 'Enter') { sendMessage(); }
        });
    </script>
</body>
</html>`
