package models

import "time"

// Room event types pushed to session subscribers.
const (
	EventMessageAppended = "message.appended"
	EventMessageStatus   = "message.status"
	EventTyping          = "typing"
	EventRoomsChanged    = "rooms.changed"
)

// RoomEvent is a change notification for UI subscribers of a session.
// Background is set when the room is not the session's active room, so the
// UI can record the change without pulling it into view.
type RoomEvent struct {
	Type       string     `json:"type"`
	SessionID  string     `json:"sessionId,omitempty"`
	RoomID     string     `json:"roomId"`
	Message    *Message   `json:"message,omitempty"`
	Typing     *Typing    `json:"typing,omitempty"`
	Rooms      []ChatRoom `json:"rooms,omitempty"`
	Background bool       `json:"background"`
	At         time.Time  `json:"at"`
}

// Typing is the transient "participant is composing" affordance.
type Typing struct {
	ParticipantID string `json:"participantId"`
	Name          string `json:"name"`
	IsTyping      bool   `json:"isTyping"`
}

// Severity of an outbound alert.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Notification is the payload handed to the external notification service.
type Notification struct {
	Kind      string    `json:"kind"`
	Severity  Severity  `json:"severity"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	SessionID string    `json:"sessionId,omitempty"`
	RoomID    string    `json:"roomId"`
	MessageID string    `json:"messageId"`
	At        time.Time `json:"at"`
}
