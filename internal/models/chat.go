// Package models contains data structures for the chat core's domain models.
package models

import (
	"time"
)

// RoomKind is the counterpart category a room connects the user with.
type RoomKind string

const (
	RoomKindAIAssistant        RoomKind = "ai-assistant"
	RoomKindDoctorConsultation RoomKind = "doctor-consultation"
	RoomKindSupport            RoomKind = "support"
	RoomKindEmergency          RoomKind = "emergency"
)

// Valid reports whether k is a known room kind.
func (k RoomKind) Valid() bool {
	switch k {
	case RoomKindAIAssistant, RoomKindDoctorConsultation, RoomKindSupport, RoomKindEmergency:
		return true
	}
	return false
}

// Priority ranks rooms for triage.
type Priority string

const (
	PriorityLow       Priority = "low"
	PriorityMedium    Priority = "medium"
	PriorityHigh      Priority = "high"
	PriorityEmergency Priority = "emergency"
)

// Role is the kind of actor behind a participant or a message sender.
type Role string

const (
	RoleUser    Role = "user"
	RoleDoctor  Role = "doctor"
	RoleAI      Role = "ai"
	RoleSupport Role = "support"
)

// Participant is a member of a chat room.
type Participant struct {
	ID        string     `json:"id" yaml:"id"`
	Name      string     `json:"name" yaml:"name"`
	Role      Role       `json:"role" yaml:"role"`
	Specialty string     `json:"specialty,omitempty" yaml:"specialty"`
	Online    bool       `json:"online" yaml:"online"`
	LastSeen  *time.Time `json:"lastSeen,omitempty" yaml:"-"`
}

// ChatRoom is an isolated conversation between the user and one counterpart category.
// UnreadCount and OnlineCount are derived and never written by callers.
type ChatRoom struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Description  string        `json:"description,omitempty"`
	Kind         RoomKind      `json:"kind"`
	Participants []Participant `json:"participants"`
	UnreadCount  int           `json:"unreadCount"`
	OnlineCount  int           `json:"onlineCount"`
	Priority     Priority      `json:"priority"`
	IsActive     bool          `json:"isActive"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// HasNonUserParticipant reports whether someone other than the user is in the room.
func (r *ChatRoom) HasNonUserParticipant() bool {
	for _, p := range r.Participants {
		if p.Role != RoleUser {
			return true
		}
	}
	return false
}

// HumanOnline reports whether a doctor or support participant is online.
func (r *ChatRoom) HumanOnline() bool {
	for _, p := range r.Participants {
		if p.Online && (p.Role == RoleDoctor || p.Role == RoleSupport) {
			return true
		}
	}
	return false
}

// Participant returns the first participant with the given role.
func (r *ChatRoom) Participant(role Role) (Participant, bool) {
	for _, p := range r.Participants {
		if p.Role == role {
			return p, true
		}
	}
	return Participant{}, false
}

// Clone returns a deep copy safe to hand out of a lock.
func (r *ChatRoom) Clone() ChatRoom {
	out := *r
	out.Participants = make([]Participant, len(r.Participants))
	for i, p := range r.Participants {
		if p.LastSeen != nil {
			ts := *p.LastSeen
			p.LastSeen = &ts
		}
		out.Participants[i] = p
	}
	return out
}

// MessageKind describes the payload of a message.
type MessageKind string

const (
	MessageKindText   MessageKind = "text"
	MessageKindImage  MessageKind = "image"
	MessageKindFile   MessageKind = "file"
	MessageKindVoice  MessageKind = "voice"
	MessageKindVideo  MessageKind = "video"
	MessageKindSystem MessageKind = "system"
)

// AttachmentKind describes a staged file bound to a message.
type AttachmentKind string

const (
	AttachmentKindImage AttachmentKind = "image"
	AttachmentKindFile  AttachmentKind = "file"
	AttachmentKindVoice AttachmentKind = "voice"
	AttachmentKindVideo AttachmentKind = "video"
)

// Attachment is a file reference embedded in a message.
type Attachment struct {
	Kind AttachmentKind `json:"kind"`
	URL  string         `json:"url"`
	Name string         `json:"name"`
	Size int64          `json:"size,omitempty"`

	// Handle is the blob store key; it never leaves the process.
	Handle string `json:"-"`
}

// Message is a single entry in a room's log. Status is the only mutable field.
type Message struct {
	ID          string        `json:"id"`
	RoomID      string        `json:"roomId"`
	SenderID    string        `json:"senderId"`
	SenderName  string        `json:"senderName"`
	SenderType  Role          `json:"senderType"`
	Content     string        `json:"content"`
	Timestamp   time.Time     `json:"timestamp"`
	Kind        MessageKind   `json:"kind"`
	Status      MessageStatus `json:"status"`
	Attachments []Attachment  `json:"attachments"`
	ReplyTo     string        `json:"replyTo,omitempty"`
	IsEmergency bool          `json:"isEmergency"`
}

// Clone returns a copy whose attachment slice is not shared.
func (m *Message) Clone() Message {
	out := *m
	out.Attachments = make([]Attachment, len(m.Attachments))
	copy(out.Attachments, m.Attachments)
	return out
}

// MessageDraft is what a caller supplies to append a message; the store assigns the rest.
type MessageDraft struct {
	SenderID    string
	SenderName  string
	SenderType  Role
	Content     string
	Kind        MessageKind
	Attachments []Attachment
	ReplyTo     string
	IsEmergency bool
}

// KindForAttachments picks the message kind implied by its attachments.
func KindForAttachments(atts []Attachment) MessageKind {
	if len(atts) == 0 {
		return MessageKindText
	}
	switch atts[0].Kind {
	case AttachmentKindImage:
		return MessageKindImage
	case AttachmentKindVoice:
		return MessageKindVoice
	case AttachmentKindVideo:
		return MessageKindVideo
	default:
		return MessageKindFile
	}
}
