package pubsub

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// Frame type tags exchanged over the socket.
const (
	TypeJoin         = "join"
	TypeLeave        = "leave"
	TypeSend         = "send"
	TypeJoined       = "joined"
	TypeLeft         = "left"
	TypeGroupMessage = "group-message"
)

// Validation limits applied to inbound frames and HTTP publishes.
const (
	MaxRoomNameLength = 100
	MaxUsernameLength = 50
	MaxMessageLength  = 5000
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownFrame   = errors.New("unknown frame type")
)

// Frame is a decoded client->server frame. Only the fields relevant to
// Type are populated.
type Frame struct {
	Type string `json:"type"`
	Room string `json:"room,omitempty"`
	User string `json:"user,omitempty"`
	Text string `json:"text,omitempty"`
}

// Message is the payload fanned out to room members.
type Message struct {
	User string `json:"user"`
	Text string `json:"text"`
	TS   int64  `json:"ts"`
}

// RoomAck acknowledges a join or leave to the requesting connection only.
type RoomAck struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

// GroupMessage is the server->client frame carrying a broadcast Message.
type GroupMessage struct {
	Type string  `json:"type"`
	Room string  `json:"room"`
	Data Message `json:"data"`
}

// ParseFrame validates raw and decodes it into a Frame. The type tag is
// peeked before decoding so that frames with unknown tags are rejected
// without caring about the rest of their shape.
func ParseFrame(raw []byte) (Frame, error) {
	if !gjson.ValidBytes(raw) {
		return Frame{}, ErrMalformedFrame
	}
	tag := gjson.GetBytes(raw, "type")
	if tag.Type != gjson.String {
		return Frame{}, ErrMalformedFrame
	}

	switch tag.String() {
	case TypeJoin, TypeLeave, TypeSend:
	default:
		return Frame{}, fmt.Errorf("%w: %q", ErrUnknownFrame, tag.String())
	}

	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	// encoding/json keeps the last key and folds case, gjson reads the first
	// exact match; a frame on which they disagree has no single type.
	if f.Type != tag.String() {
		return Frame{}, fmt.Errorf("%w: ambiguous type tag", ErrMalformedFrame)
	}
	return f, nil
}

func encodeAck(kind, room string) ([]byte, error) {
	return json.Marshal(RoomAck{Type: kind, Room: room})
}

func encodeGroupMessage(room string, msg Message) ([]byte, error) {
	return json.Marshal(GroupMessage{Type: TypeGroupMessage, Room: room, Data: msg})
}
