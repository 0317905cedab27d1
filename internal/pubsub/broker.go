package pubsub

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"
)

// Validation errors. Callers log them and drop the frame; nothing is sent
// back to the client.
var (
	ErrEmptyRoom   = errors.New("room is required")
	ErrEmptyUser   = errors.New("user is required")
	ErrEmptyText   = errors.New("text is required")
	ErrRoomTooLong = errors.New("room exceeds maximum length")
	ErrUserTooLong = errors.New("user exceeds maximum length")
	ErrTextTooLong = errors.New("text exceeds maximum length")
	ErrNotOpen     = errors.New("connection is not open")
)

// Delivery reports the outcome of one broadcast.
type Delivery struct {
	Recipients int `json:"recipients"`
	Delivered  int `json:"delivered"`
	Failed     int `json:"failed"`
}

// Broker implements the join/leave/send protocol on top of a Registry.
type Broker struct {
	registry *Registry
	observer Observer
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Broker.
type Option func(*Broker)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// WithObserver attaches instrumentation.
func WithObserver(o Observer) Option {
	return func(b *Broker) {
		if o != nil {
			b.observer = o
		}
	}
}

// NewBroker returns a Broker operating on registry.
func NewBroker(registry *Registry, logger *slog.Logger, opts ...Option) *Broker {
	b := &Broker{
		registry: registry,
		observer: nopObserver{},
		now:      time.Now,
		logger:   logger.With(slog.String("component", "broker")),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Registry exposes the underlying room registry.
func (b *Broker) Registry() *Registry {
	return b.registry
}

// HandleJoin adds c to room and acknowledges to c alone.
func (b *Broker) HandleJoin(c *Connection, room string) error {
	if !c.IsOpen() {
		return ErrNotOpen
	}
	if err := validateRoom(room); err != nil {
		return err
	}

	b.registry.Join(room, c)
	b.ack(c, TypeJoined, room)
	return nil
}

// HandleLeave removes c from room and acknowledges to c alone. Leaving a
// room c never joined still acknowledges.
func (b *Broker) HandleLeave(c *Connection, room string) error {
	if !c.IsOpen() {
		return ErrNotOpen
	}
	if err := validateRoom(room); err != nil {
		return err
	}

	b.registry.Leave(room, c)
	b.ack(c, TypeLeft, room)
	return nil
}

// HandleSend broadcasts text from user to every member of room. The sender
// does not need to be a member.
func (b *Broker) HandleSend(c *Connection, room, user, text string) error {
	if !c.IsOpen() {
		return ErrNotOpen
	}
	d, err := b.Publish(room, user, text)
	if err != nil {
		return err
	}
	b.logger.Debug("message sent",
		slog.String("connID", c.ID.String()),
		slog.String("room", room),
		slog.Int("delivered", d.Delivered),
		slog.Int("failed", d.Failed))
	return nil
}

// Publish validates and broadcasts a message that did not originate from a
// socket frame, e.g. the HTTP entrypoint.
func (b *Broker) Publish(room, user, text string) (Delivery, error) {
	if err := validateRoom(room); err != nil {
		return Delivery{}, err
	}
	if err := validateUser(user); err != nil {
		return Delivery{}, err
	}
	if err := validateText(text); err != nil {
		return Delivery{}, err
	}

	msg := Message{User: user, Text: text, TS: b.now().UnixMilli()}
	return b.Broadcast(room, msg), nil
}

// Broadcast sends msg to a snapshot of room's members. A failed send to one
// member does not affect the others, and failures are not reported to the
// originator.
func (b *Broker) Broadcast(room string, msg Message) Delivery {
	members := b.registry.MembersOf(room)
	d := Delivery{Recipients: len(members)}
	if len(members) == 0 {
		return d
	}

	frame, err := encodeGroupMessage(room, msg)
	if err != nil {
		b.logger.Error("encode group message", slog.Any("error", err))
		return d
	}

	for _, c := range members {
		if err := c.Send(frame); err != nil {
			d.Failed++
			b.logger.Warn("delivery failed",
				slog.String("room", room),
				slog.String("connID", c.ID.String()),
				slog.Any("error", err))
			continue
		}
		d.Delivered++
	}
	b.observer.Delivered(d.Delivered, d.Failed)
	return d
}

// Dropped records a frame that was discarded before reaching the Broker.
func (b *Broker) Dropped(reason string) {
	b.observer.FrameDropped(reason)
}

func (b *Broker) ack(c *Connection, kind, room string) {
	frame, err := encodeAck(kind, room)
	if err != nil {
		b.logger.Error("encode ack", slog.Any("error", err))
		return
	}
	if err := c.Send(frame); err != nil {
		b.logger.Warn("ack failed",
			slog.String("type", kind),
			slog.String("connID", c.ID.String()),
			slog.Any("error", err))
	}
}

func validateRoom(room string) error {
	if strings.TrimSpace(room) == "" {
		return ErrEmptyRoom
	}
	if utf8.RuneCountInString(room) > MaxRoomNameLength {
		return fmt.Errorf("%w: %d characters", ErrRoomTooLong, MaxRoomNameLength)
	}
	return nil
}

func validateUser(user string) error {
	if strings.TrimSpace(user) == "" {
		return ErrEmptyUser
	}
	if utf8.RuneCountInString(user) > MaxUsernameLength {
		return fmt.Errorf("%w: %d characters", ErrUserTooLong, MaxUsernameLength)
	}
	return nil
}

func validateText(text string) error {
	if text == "" {
		return ErrEmptyText
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return fmt.Errorf("%w: %d characters", ErrTextTooLong, MaxMessageLength)
	}
	return nil
}
