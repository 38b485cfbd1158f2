package websocket

import (
	"time"

	"github.com/KevinKickass/OpenBeamlineCore/internal/procedure"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Procedure run messages
	MessageTypeRunEvent MessageType = "run_event"

	// System messages
	MessageTypeSystemStatus MessageType = "system_status"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data any) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// NewRunEventMessage wraps a procedure event. The message carries the
// event's own timestamp.
func NewRunEventMessage(event *procedure.EventRecord) Message {
	return Message{
		Type:      MessageTypeRunEvent,
		Timestamp: event.Timestamp,
		Data:      event,
	}
}

func NewSystemStatusMessage(status any) Message {
	return NewMessage(MessageTypeSystemStatus, status)
}
