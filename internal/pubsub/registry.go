package pubsub

import (
	"log/slog"
	"sort"
	"sync"
)

// Observer receives broker activity for instrumentation. RoomsChanged is
// called with the Registry lock held so gauges see counts in mutation
// order. Implementations must be cheap and must not call back into the
// Registry or Broker.
type Observer interface {
	RoomsChanged(count int)
	FrameDropped(reason string)
	Delivered(delivered, failed int)
}

type nopObserver struct{}

func (nopObserver) RoomsChanged(int)    {}
func (nopObserver) FrameDropped(string) {}
func (nopObserver) Delivered(int, int)  {}

// Registry maps room names to member connections. A room exists only
// while it has at least one member.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[*Connection]struct{}

	observer Observer
	logger   *slog.Logger
}

// NewRegistry returns an empty Registry. A nil observer is allowed.
func NewRegistry(logger *slog.Logger, observer Observer) *Registry {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Registry{
		rooms:    make(map[string]map[*Connection]struct{}),
		observer: observer,
		logger:   logger.With(slog.String("component", "registry")),
	}
}

// Join adds c to room, creating the room when absent. It reports whether
// c was newly added; joining twice is a no-op.
func (r *Registry) Join(room string, c *Connection) bool {
	r.mu.Lock()
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[*Connection]struct{})
		r.rooms[room] = members
	}
	_, already := members[c]
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
	if !already {
		r.observer.RoomsChanged(len(r.rooms))
	}
	r.mu.Unlock()

	if !already {
		r.logger.Debug("joined room", slog.String("room", room), slog.String("connID", c.ID.String()))
	}
	return !already
}

// Leave removes c from room. Unknown rooms and non-members are no-ops.
func (r *Registry) Leave(room string, c *Connection) bool {
	r.mu.Lock()
	removed := r.removeLocked(room, c)
	if removed {
		r.observer.RoomsChanged(len(r.rooms))
	}
	r.mu.Unlock()

	if removed {
		r.logger.Debug("left room", slog.String("room", room), slog.String("connID", c.ID.String()))
	}
	return removed
}

// RemoveEverywhere drops c from every room it belongs to and returns the
// rooms it was removed from, sorted. If c's membership set disagrees with
// the room map, every room is swept.
func (r *Registry) RemoveEverywhere(c *Connection) []string {
	r.mu.Lock()
	var removed []string
	for room := range c.rooms {
		if r.removeLocked(room, c) {
			removed = append(removed, room)
		}
	}
	for room, members := range r.rooms {
		if _, ok := members[c]; ok {
			r.logger.Warn("sweeping stale membership", slog.String("room", room), slog.String("connID", c.ID.String()))
			r.removeLocked(room, c)
			removed = append(removed, room)
		}
	}
	clear(c.rooms)
	if len(removed) > 0 {
		r.observer.RoomsChanged(len(r.rooms))
	}
	r.mu.Unlock()

	sort.Strings(removed)
	return removed
}

// removeLocked unlinks c and room in both directions and evicts the room
// once empty. r.mu must be held for writing.
func (r *Registry) removeLocked(room string, c *Connection) bool {
	delete(c.rooms, room)
	members, ok := r.rooms[room]
	if !ok {
		return false
	}
	if _, ok := members[c]; !ok {
		return false
	}
	delete(members, c)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
	return true
}

// MembersOf returns a snapshot of room's members in unspecified order.
// Unknown rooms yield an empty slice.
func (r *Registry) MembersOf(room string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[room]
	out := make([]*Connection, 0, len(members))
	for c := range members {
		out = append(out, c)
	}
	return out
}

// isMember reports whether c currently belongs to room.
func (r *Registry) isMember(room string, c *Connection) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[room][c]
	return ok
}

// roomsOf returns the rooms c has joined, sorted.
func (r *Registry) roomsOf(c *Connection) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return c.roomsSnapshot()
}

// RoomInfo summarizes one live room.
type RoomInfo struct {
	Name    string `json:"name"`
	Members int    `json:"members"`
}

// Rooms lists live rooms sorted by name.
func (r *Registry) Rooms() []RoomInfo {
	r.mu.RLock()
	out := make([]RoomInfo, 0, len(r.rooms))
	for name, members := range r.rooms {
		out = append(out, RoomInfo{Name: name, Members: len(members)})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RoomCount returns the number of live rooms.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
