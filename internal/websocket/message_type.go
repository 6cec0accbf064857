package websocket

import (
	"encoding/json"
	"strings"
	"time"
)

// MessageType represents a wire message type using a custom enum type for
// better type safety.
type MessageType string

// Wire message types. Inbound commands and outbound envelopes share the
// same namespace; pull requests are derived per source (GET_MLB, GET_NFL).
const (
	// Client commands
	MessageTypeJoinRoom               MessageType = "JOIN_ROOM"
	MessageTypeLeaveRoom              MessageType = "LEAVE_ROOM"
	MessageTypePing                   MessageType = "PING"
	MessageTypeSubscribeNotifications MessageType = "SUBSCRIBE_NOTIFICATIONS"

	// Server envelopes
	MessageTypeWelcome                 MessageType = "WELCOME"
	MessageTypeRoomJoined              MessageType = "ROOM_JOINED"
	MessageTypeRoomLeft                MessageType = "ROOM_LEFT"
	MessageTypePong                    MessageType = "PONG"
	MessageTypeError                   MessageType = "ERROR"
	MessageTypeNotificationsSubscribed MessageType = "NOTIFICATIONS_SUBSCRIBED"
	MessageTypeServerShutdown          MessageType = "SERVER_SHUTDOWN"
)

const pullPrefix = "GET_"

// String returns the string representation of the MessageType.
func (mt MessageType) String() string {
	return string(mt)
}

// IsValid checks if the MessageType is one of the declared wire types or a
// well-formed per-source pull command.
func (mt MessageType) IsValid() bool {
	switch mt {
	case MessageTypeJoinRoom, MessageTypeLeaveRoom, MessageTypePing,
		MessageTypeSubscribeNotifications,
		MessageTypeWelcome, MessageTypeRoomJoined, MessageTypeRoomLeft,
		MessageTypePong, MessageTypeError, MessageTypeNotificationsSubscribed,
		MessageTypeServerShutdown:
		return true
	}
	_, ok := mt.PullSource()
	return ok
}

// PullSource extracts the source key from a pull command, e.g.
// GET_MLB -> "mlb". The second return is false for non-pull types.
func (mt MessageType) PullSource() (string, bool) {
	s := string(mt)
	if !strings.HasPrefix(s, pullPrefix) || len(s) == len(pullPrefix) {
		return "", false
	}
	return strings.ToLower(s[len(pullPrefix):]), true
}

// UpdateType returns the broadcast envelope type for a source key, e.g.
// "mlb" -> MLB_UPDATE.
func UpdateType(source string) MessageType {
	return MessageType(strings.ToUpper(source) + "_UPDATE")
}

// Command is an inbound client message.
type Command struct {
	Type      MessageType `json:"type"`
	Room      string      `json:"room,omitempty"`
	Types     []string    `json:"types,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"`
}

// Envelope is the outbound wire format: {type, data, timestamp}.
type Envelope struct {
	Type      MessageType `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

func newEnvelope(msgType MessageType, data interface{}) *Envelope {
	return &Envelope{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewWelcomeEnvelope greets a freshly connected client with its id and the
// rooms and sources it can use.
func NewWelcomeEnvelope(clientID string, rooms []string, sources []string) *Envelope {
	return newEnvelope(MessageTypeWelcome, map[string]interface{}{
		"clientId": clientID,
		"rooms":    rooms,
		"sources":  sources,
	})
}

func NewRoomJoinedEnvelope(room string, memberCount int) *Envelope {
	return newEnvelope(MessageTypeRoomJoined, map[string]interface{}{
		"room":        room,
		"memberCount": memberCount,
	})
}

func NewRoomLeftEnvelope(room string) *Envelope {
	return newEnvelope(MessageTypeRoomLeft, map[string]interface{}{
		"room": room,
	})
}

// NewPongEnvelope echoes the client timestamp and reports the round-trip
// latency the server derived from it.
func NewPongEnvelope(clientTimestamp int64, latency time.Duration) *Envelope {
	return newEnvelope(MessageTypePong, map[string]interface{}{
		"timestamp": clientTimestamp,
		"latency":   latency.Milliseconds(),
	})
}

func NewErrorEnvelope(message string) *Envelope {
	return newEnvelope(MessageTypeError, map[string]interface{}{
		"message": message,
	})
}

func NewNotificationsSubscribedEnvelope(types []string) *Envelope {
	return newEnvelope(MessageTypeNotificationsSubscribed, map[string]interface{}{
		"types": types,
	})
}

func NewShutdownEnvelope(message string) *Envelope {
	return newEnvelope(MessageTypeServerShutdown, map[string]interface{}{
		"message": message,
	})
}

// NewUpdateEnvelope wraps a cached source payload for broadcast. The
// payload stays opaque raw JSON end to end.
func NewUpdateEnvelope(source string, payload json.RawMessage) *Envelope {
	return newEnvelope(UpdateType(source), payload)
}
