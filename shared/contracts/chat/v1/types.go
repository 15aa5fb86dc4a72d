// Package v1 defines the Weft room protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the broker and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Type constants (wire-stable).
const (
	// TypeJoin requests room membership (client -> broker).
	TypeJoin = "join"
	// TypeLeave drops room membership (client -> broker).
	TypeLeave = "leave"
	// TypeMessage carries chat text. Client -> broker it is a send request;
	// broker -> client it is a room broadcast.
	TypeMessage = "message"
	// TypeTyping carries a typing indicator. Client -> broker it is a signal;
	// broker -> client it is relayed to other room members.
	TypeTyping = "typing"

	// TypeRoomJoined confirms a join to the acting connection (broker -> client).
	TypeRoomJoined = "room_joined"
	// TypeRoomLeft reports a departure, explicit or by disconnect (broker -> client).
	TypeRoomLeft = "room_left"
	// TypeUserCount reports room presence as a connection count (broker -> client).
	TypeUserCount = "user_count"
	// TypeError is a generic application error frame (broker -> client).
	TypeError = "error"

	// TypeAny is the client-side wildcard subscription tag.
	// It never appears on the wire.
	TypeAny = "*"
)

// Frame is the canonical wire wrapper: a type tag plus a typed payload.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Validate performs strict structural validation for a Frame.
func (f Frame) Validate() error {
	if strings.TrimSpace(f.Type) == "" {
		return errors.New("missing field: type")
	}

	switch f.Type {
	case TypeJoin,
		TypeLeave,
		TypeMessage,
		TypeTyping,
		TypeRoomJoined,
		TypeRoomLeft,
		TypeUserCount,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", f.Type)
	}
}

// NewFrame marshals payload into a Frame of the given type.
func NewFrame(typ string, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Frame{Type: typ, Data: data}, nil
}

// ---- Client -> broker payloads ----

// JoinPayload requests membership in a room.
type JoinPayload struct {
	RoomID string `json:"roomId"`
}

// LeavePayload drops membership in a room.
type LeavePayload struct {
	RoomID string `json:"roomId"`
}

// MessagePayload requests broadcasting chat text to a room.
type MessagePayload struct {
	RoomID  string `json:"roomId"`
	Message string `json:"message"`
}

// TypingPayload signals the local user's typing state for a room.
type TypingPayload struct {
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

// ---- Broker -> client payloads ----

// RoomEventPayload confirms a join or reports a departure.
// Used by both room_joined and room_left frames.
type RoomEventPayload struct {
	RoomID    string    `json:"roomId"`
	UserID    string    `json:"userId"`
	UserEmail string    `json:"userEmail"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageEventPayload is broadcast to every member of a room.
// The broker does not guarantee the sender is excluded; clients must
// suppress their own echo by userId.
type MessageEventPayload struct {
	RoomID    string    `json:"roomId"`
	UserID    string    `json:"userId"`
	UserEmail string    `json:"userEmail"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// TypingEventPayload relays a typing signal to other room members.
type TypingEventPayload struct {
	RoomID    string `json:"roomId"`
	UserID    string `json:"userId"`
	UserEmail string `json:"userEmail"`
	IsTyping  bool   `json:"isTyping"`
}

// UserCountPayload reports the number of connections joined to a room.
// The wire protocol carries no individual identities here, so per-user
// presence cannot be reconstructed from this frame alone.
type UserCountPayload struct {
	RoomID string `json:"roomId"`
	Count  int    `json:"count"`
}

// ErrorPayload is a generic application error payload.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}
