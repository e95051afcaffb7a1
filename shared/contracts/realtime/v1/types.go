// Package v1 defines the Papyris realtime protocol v1 contract.
//
// One websocket frame carries exactly one JSON event object. The package is
// dependency-light so clients and tools can share it with the gateway.
package v1

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Client -> server event types (wire-stable).
const (
	TypeJoin    = "join"
	TypeLeave   = "leave"
	TypeMessage = "message"
	TypeTyping  = "typing"
	TypeRead    = "read"

	// TypePing is an application keepalive; it carries no room.
	TypePing = "ping"
)

// Server -> client event types (wire-stable). TypeMessage, TypeTyping and
// TypeRead are reused for the fanned-out server side of those events.
const (
	TypeJoined  = "joined"
	TypeLeft    = "left"
	TypeOnline  = "online"
	TypeOffline = "offline"
	TypeError   = "error"
	TypePong    = "pong"
)

// StatusSent is the delivery status attached to freshly accepted messages.
const StatusSent = "sent"

// Error codes carried by TypeError events.
const (
	CodeInvalidEvent   = "invalid_event"
	CodeEmptyMessage   = "empty_message"
	CodeMessageTooLong = "message_too_long"
	CodeNotMember      = "not_member"
	CodeMembership     = "membership_unavailable"
	CodeSendFailed     = "send_failed"
	CodePublishFailed  = "publish_failed"
	CodeReadFailed     = "read_failed"
	CodeRateLimited    = "rate_limited"
)

// ClientEvent is a frame received from a client.
type ClientEvent struct {
	Type          string `json:"type"`
	RoomID        string `json:"roomId,omitempty"`
	Text          string `json:"text,omitempty"`
	IsTyping      bool   `json:"isTyping,omitempty"`
	LastMessageID string `json:"lastMessageId,omitempty"`
}

// Validate checks the event shape. It does not check authorization or
// text content; those are session concerns.
func (e ClientEvent) Validate() error {
	switch e.Type {
	case TypeJoin, TypeLeave, TypeMessage, TypeTyping, TypeRead:
	case TypePing:
		return nil
	case "":
		return errors.New("missing field: type")
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	if strings.TrimSpace(e.RoomID) == "" {
		return errors.New("missing field: roomId")
	}
	if e.Type == TypeRead && strings.TrimSpace(e.LastMessageID) == "" {
		return errors.New("missing field: lastMessageId")
	}
	return nil
}

// ServerEvent is a frame sent to a client. Fields are populated per type.
type ServerEvent struct {
	Type          string     `json:"type"`
	RoomID        string     `json:"roomId,omitempty"`
	MessageID     string     `json:"messageId,omitempty"`
	SenderID      string     `json:"senderId,omitempty"`
	UserID        string     `json:"userId,omitempty"`
	Text          string     `json:"text,omitempty"`
	Timestamp     *time.Time `json:"timestamp,omitempty"`
	Status        string     `json:"status,omitempty"`
	IsTyping      *bool      `json:"isTyping,omitempty"`
	LastMessageID string     `json:"lastMessageId,omitempty"`
	Code          string     `json:"code,omitempty"`
	Message       string     `json:"message,omitempty"`
}

// Joined builds a join confirmation.
func Joined(roomID string) ServerEvent {
	return ServerEvent{Type: TypeJoined, RoomID: roomID}
}

// Left builds a leave confirmation.
func Left(roomID string) ServerEvent {
	return ServerEvent{Type: TypeLeft, RoomID: roomID}
}

// NewMessage builds the fanned-out message event.
func NewMessage(roomID, messageID, senderID, text string, ts time.Time) ServerEvent {
	ts = ts.UTC()
	return ServerEvent{
		Type:      TypeMessage,
		RoomID:    roomID,
		MessageID: messageID,
		SenderID:  senderID,
		Text:      text,
		Timestamp: &ts,
		Status:    StatusSent,
	}
}

// Typing builds a typing indicator event.
func Typing(roomID, userID string, isTyping bool) ServerEvent {
	return ServerEvent{Type: TypeTyping, RoomID: roomID, UserID: userID, IsTyping: &isTyping}
}

// Read builds a read watermark event.
func Read(roomID, userID, lastMessageID string) ServerEvent {
	return ServerEvent{Type: TypeRead, RoomID: roomID, UserID: userID, LastMessageID: lastMessageID}
}

// Online builds a presence online event.
func Online(userID string) ServerEvent {
	return ServerEvent{Type: TypeOnline, UserID: userID}
}

// Offline builds a presence offline event.
func Offline(userID string) ServerEvent {
	return ServerEvent{Type: TypeOffline, UserID: userID}
}

// Pong answers a client ping.
func Pong() ServerEvent {
	return ServerEvent{Type: TypePong}
}

// Error builds an error event.
func Error(code, msg string) ServerEvent {
	return ServerEvent{Type: TypeError, Code: code, Message: msg}
}
