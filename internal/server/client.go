// Package server manages individual WebSocket clients, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/Tyrowin/roombroker/internal/pubsub"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Client is the gorilla/websocket implementation of pubsub.Transport.
// Outbound frames go through a bounded queue drained by writePump, so Send
// never blocks on a slow peer.
type Client struct {
	conn           *websocket.Conn
	send           chan []byte
	addr           string
	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig
	logger         *slog.Logger

	mu     sync.Mutex
	closed bool
}

var _ pubsub.Transport = (*Client)(nil)

// NewClient creates a Client for conn using the limits in cfg. conn may be
// nil in tests that only exercise the queue.
func NewClient(conn *websocket.Conn, addr string, cfg Config, logger *slog.Logger) *Client {
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	return &Client{
		conn:           conn,
		send:           make(chan []byte, cfg.SendBufferSize),
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:      cfg.RateLimit,
		logger:         logger.With(slog.String("remoteAddr", addr)),
	}
}

// Send queues frame for writePump. It fails fast when the queue is full or
// the client has been closed.
func (c *Client) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return pubsub.ErrConnectionClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close stops the outbound queue. writePump then sends a close frame and
// tears down the socket, which in turn ends readPump.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.send)
	return nil
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("set initial read deadline", slog.Any("error", err))
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Warn("set read deadline in pong handler", slog.Any("error", err))
		}
		return nil
	})
}

// handleReadError logs appropriate error messages based on the error type
// and returns true if the read loop should break
func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, websocket.ErrReadLimit) {
		c.logger.Warn("frame exceeded maximum size", slog.Int64("maxBytes", c.maxMessageSize))
		return true
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		c.logger.Info("client disconnected", slog.Any("reason", err))
		return true
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		c.logger.Info("client connection closed", slog.Any("reason", err))
		return true
	}

	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig) {
		c.logger.Warn("unexpected websocket close", slog.Any("error", err))
		return true
	}

	c.logger.Warn("websocket read error", slog.Any("error", err))
	return true
}

// checkRateLimit verifies if the client has exceeded rate limits
// and returns true if the frame should be processed
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		c.logger.Warn("rate limit exceeded; discarding frame",
			slog.Int("burst", c.rateLimit.Burst),
			slog.Duration("interval", c.rateLimit.RefillInterval))
		return false
	}
	return true
}

// readPump feeds inbound frames to handle until the socket fails, then runs
// release. It is the only reader of conn.
func (c *Client) readPump(handle func([]byte), dropped func(reason string), release func()) {
	defer func() {
		release()
		c.closeConnection()
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if c.handleReadError(err) {
			return
		}

		if !c.checkRateLimit() {
			dropped("rate_limited")
			continue
		}

		handle(raw)
	}
}

// writePump drains the send queue onto the socket and keeps the peer alive
// with pings. It is the only writer of conn.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("close connection", slog.Any("error", err))
		}
	}
}

// handleMessage processes outgoing messages and returns false if the connection should be closed
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("set write deadline", slog.Any("error", err))
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("write message", slog.Any("error", err))
		}
		return false
	}
	return true
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() bool {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("write close message", slog.Any("error", err))
		}
	}
	return false
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("set write deadline for ping", slog.Any("error", err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Warn("write ping", slog.Any("error", err))
		return false
	}
	return true
}
