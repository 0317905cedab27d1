// Package pubsub implements an in-memory room broker: connections grouped
// into named rooms, join/leave bookkeeping and best-effort broadcast.
package pubsub

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrConnectionClosed is returned when sending on a closed Connection.
var ErrConnectionClosed = errors.New("connection closed")

// Transport is the capability a concrete socket must provide. Send must
// not block on slow peers; implementations queue or fail fast.
type Transport interface {
	Send(frame []byte) error
	Close() error
}

// State is the lifecycle position of a Connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is one client session bound to one Transport.
type Connection struct {
	ID     uuid.UUID
	UserID string

	transport Transport
	state     atomic.Int32
	closeOnce sync.Once

	// rooms is owned by the Registry and only mutated under its lock.
	rooms map[string]struct{}
}

// NewConnection wraps transport. The connection starts in StateConnecting
// until Open is called.
func NewConnection(userID string, transport Transport) *Connection {
	return &Connection{
		ID:        uuid.New(),
		UserID:    userID,
		transport: transport,
		rooms:     make(map[string]struct{}),
	}
}

// Open marks the connection ready to process frames.
func (c *Connection) Open() {
	c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen))
}

// State reports the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// IsOpen reports whether frames may be processed for this connection.
func (c *Connection) IsOpen() bool {
	return c.State() == StateOpen
}

// Send writes frame to the transport unless the connection is closing.
func (c *Connection) Send(frame []byte) error {
	if c.State() >= StateClosing {
		return ErrConnectionClosed
	}
	return c.transport.Send(frame)
}

// Close transitions to StateClosed and closes the transport exactly once.
// It reports whether this call performed the close.
func (c *Connection) Close() (bool, error) {
	var (
		closed bool
		err    error
	)
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		err = c.transport.Close()
		c.state.Store(int32(StateClosed))
		closed = true
	})
	return closed, err
}

// roomsSnapshot returns the membership set sorted. Callers must hold the
// owning Registry's lock.
func (c *Connection) roomsSnapshot() []string {
	out := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}
