// Package server tracks live WebSocket connections and ties their pumps to
// the room broker via the Hub type.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Tyrowin/roombroker/internal/metrics"
	"github.com/Tyrowin/roombroker/internal/pubsub"
	"github.com/gorilla/websocket"
	nanoid "github.com/jaevor/go-nanoid"
)

var (
	// ErrHubClosed is returned by Accept once Shutdown has started.
	ErrHubClosed = errors.New("hub is shutting down")
	// ErrNilMetrics is returned by NewHub when no Metrics is supplied.
	ErrNilMetrics = errors.New("metrics is required")
)

const (
	anonPrefix   = "anon-"
	anonAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	anonLength   = 8
)

// Hub owns the broker and every live connection. Each accepted socket gets a
// read pump and a write pump tracked by the hub's WaitGroup.
type Hub struct {
	broker  *pubsub.Broker
	metrics *metrics.Metrics
	cfg     Config
	logger  *slog.Logger
	anonID  func() string

	mu      sync.Mutex
	conns   map[*pubsub.Connection]*Client
	closing bool
	wg      sync.WaitGroup
}

// NewHub creates a Hub with an empty registry. Broker activity is reported
// to m, which must not be nil.
func NewHub(cfg Config, logger *slog.Logger, m *metrics.Metrics, opts ...pubsub.Option) (*Hub, error) {
	if m == nil {
		return nil, ErrNilMetrics
	}

	anonID, err := nanoid.CustomASCII(anonAlphabet, anonLength)
	if err != nil {
		return nil, fmt.Errorf("anonymous id generator: %w", err)
	}

	registry := pubsub.NewRegistry(logger, m)
	opts = append([]pubsub.Option{pubsub.WithObserver(m)}, opts...)

	return &Hub{
		broker:  pubsub.NewBroker(registry, logger, opts...),
		metrics: m,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "hub")),
		anonID:  anonID,
		conns:   make(map[*pubsub.Connection]*Client),
	}, nil
}

// Broker returns the hub's broker, used by the HTTP broadcast entrypoint.
func (h *Hub) Broker() *pubsub.Broker {
	return h.broker
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Accept takes ownership of an upgraded socket. An empty userID is replaced
// with a generated anonymous one.
func (h *Hub) Accept(conn *websocket.Conn, userID, addr string) (*pubsub.Connection, error) {
	if userID == "" {
		userID = anonPrefix + h.anonID()
	}

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return nil, ErrHubClosed
	}
	client := NewClient(conn, addr, h.cfg, h.logger)
	pc := pubsub.NewConnection(userID, client)
	h.conns[pc] = client
	total := len(h.conns)
	h.wg.Add(2)
	h.mu.Unlock()

	pc.Open()
	h.metrics.ConnectionOpened()
	h.logger.Info("client connected",
		slog.String("connID", pc.ID.String()),
		slog.String("userID", userID),
		slog.String("remoteAddr", addr),
		slog.Int("total", total))

	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump(
			func(raw []byte) { h.dispatch(pc, raw) },
			h.broker.Dropped,
			func() { h.release(pc) },
		)
	}()

	return pc, nil
}

// dispatch routes one inbound frame. Invalid frames are counted and logged,
// never answered.
func (h *Hub) dispatch(pc *pubsub.Connection, raw []byte) {
	frame, err := pubsub.ParseFrame(raw)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, pubsub.ErrUnknownFrame) {
			reason = "unknown"
		}
		h.broker.Dropped(reason)
		h.logger.Debug("dropping frame",
			slog.String("connID", pc.ID.String()),
			slog.String("reason", reason),
			slog.Any("error", err))
		return
	}

	// Metric labels only ever come from the type constants.
	switch frame.Type {
	case pubsub.TypeJoin:
		h.metrics.FrameReceived(pubsub.TypeJoin)
		err = h.broker.HandleJoin(pc, frame.Room)
	case pubsub.TypeLeave:
		h.metrics.FrameReceived(pubsub.TypeLeave)
		err = h.broker.HandleLeave(pc, frame.Room)
	case pubsub.TypeSend:
		h.metrics.FrameReceived(pubsub.TypeSend)
		err = h.broker.HandleSend(pc, frame.Room, frame.User, frame.Text)
	default:
		h.broker.Dropped("unknown")
		return
	}

	if err != nil {
		h.broker.Dropped("invalid")
		h.logger.Debug("rejected frame",
			slog.String("connID", pc.ID.String()),
			slog.String("type", frame.Type),
			slog.Any("error", err))
	}
}

// release tears down pc. Only the first call does any work; the read pump,
// Shutdown and failed sends may all race to it.
func (h *Hub) release(pc *pubsub.Connection) {
	first, err := pc.Close()
	if !first {
		return
	}
	if err != nil {
		h.logger.Warn("close transport", slog.String("connID", pc.ID.String()), slog.Any("error", err))
	}

	rooms := h.broker.Registry().RemoveEverywhere(pc)

	h.mu.Lock()
	delete(h.conns, pc)
	total := len(h.conns)
	h.mu.Unlock()

	h.metrics.ConnectionClosed()
	h.logger.Info("client disconnected",
		slog.String("connID", pc.ID.String()),
		slog.String("userID", pc.UserID),
		slog.Any("rooms", rooms),
		slog.Int("total", total))
}

// Shutdown refuses new connections, closes every live one and waits for all
// pump goroutines to exit or for timeout to elapse.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")

	h.mu.Lock()
	h.closing = true
	conns := make([]*pubsub.Connection, 0, len(h.conns))
	for pc := range h.conns {
		conns = append(conns, pc)
	}
	h.mu.Unlock()

	for _, pc := range conns {
		h.release(pc)
	}
	h.logger.Info("closed client connections", slog.Int("count", len(conns)))

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
