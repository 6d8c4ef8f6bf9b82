// Package store holds the per-room message logs and enforces the message lifecycle.
package store

import (
	"sync"
	"time"

	"carelink/internal/models"
	"carelink/internal/observability"

	"github.com/google/uuid"
)

// EventSink receives a change notification after every successful mutation.
// It is called outside the store lock.
type EventSink func(models.RoomEvent)

// MessageStore is the only writer of chat messages. Logs are append-only per
// room and only Status ever changes after a message is stored.
type MessageStore struct {
	mu    sync.RWMutex
	logs  map[string][]*models.Message
	byID  map[string]*models.Message
	now   func() time.Time
	newID func() string
	sink  EventSink
}

// Option configures a MessageStore.
type Option func(*MessageStore)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *MessageStore) { s.now = now }
}

// WithIDGenerator overrides message id generation.
func WithIDGenerator(gen func() string) Option {
	return func(s *MessageStore) { s.newID = gen }
}

// WithEventSink registers the mutation listener.
func WithEventSink(sink EventSink) Option {
	return func(s *MessageStore) { s.sink = sink }
}

// New creates an empty store.
func New(opts ...Option) *MessageStore {
	s := &MessageStore{
		logs:  make(map[string][]*models.Message),
		byID:  make(map[string]*models.Message),
		now:   time.Now,
		newID: newMessageID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// newMessageID returns a time-ordered UUIDv7, falling back to v4 if the
// clock sequence is exhausted.
func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// AddRoom creates an empty log for roomID. Adding an existing room is a no-op.
func (s *MessageStore) AddRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.logs[roomID]; !ok {
		s.logs[roomID] = nil
	}
}

// HasRoom reports whether roomID has a log.
func (s *MessageStore) HasRoom(roomID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.logs[roomID]
	return ok
}

// Append stores a new message at the end of the room's log with status sending.
func (s *MessageStore) Append(roomID string, draft models.MessageDraft) (models.Message, error) {
	s.mu.Lock()
	log, ok := s.logs[roomID]
	if !ok {
		s.mu.Unlock()
		return models.Message{}, models.NewInvalidRoomError(roomID)
	}

	kind := draft.Kind
	if kind == "" {
		kind = models.KindForAttachments(draft.Attachments)
	}
	atts := make([]models.Attachment, len(draft.Attachments))
	copy(atts, draft.Attachments)

	msg := &models.Message{
		ID:          s.newID(),
		RoomID:      roomID,
		SenderID:    draft.SenderID,
		SenderName:  draft.SenderName,
		SenderType:  draft.SenderType,
		Content:     draft.Content,
		Timestamp:   s.now(),
		Kind:        kind,
		Status:      models.StatusSending,
		Attachments: atts,
		ReplyTo:     draft.ReplyTo,
		IsEmergency: draft.IsEmergency,
	}
	s.logs[roomID] = append(log, msg)
	s.byID[msg.ID] = msg
	out := msg.Clone()
	s.mu.Unlock()

	observability.MessagesAppended.WithLabelValues(string(out.SenderType), string(out.Kind)).Inc()
	s.emit(models.EventMessageAppended, out)
	return out, nil
}

// Transition moves a message to the given status if the lifecycle allows it.
func (s *MessageStore) Transition(messageID string, to models.MessageStatus) (models.Message, error) {
	s.mu.Lock()
	msg, ok := s.byID[messageID]
	if !ok {
		s.mu.Unlock()
		return models.Message{}, models.NewNotFoundError("message", messageID)
	}
	if !models.CanTransition(msg.Status, to) {
		from := msg.Status
		s.mu.Unlock()
		observability.RejectedTransitions.Inc()
		return models.Message{}, models.NewInvalidTransitionError(messageID, from, to)
	}
	msg.Status = to
	out := msg.Clone()
	s.mu.Unlock()

	observability.MessageTransitions.WithLabelValues(string(to)).Inc()
	s.emit(models.EventMessageStatus, out)
	return out, nil
}

// ListByRoom returns a snapshot of the room's log in insertion order.
func (s *MessageStore) ListByRoom(roomID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.logs[roomID]
	if !ok {
		return nil, models.NewInvalidRoomError(roomID)
	}
	out := make([]models.Message, len(log))
	for i, m := range log {
		out[i] = m.Clone()
	}
	return out, nil
}

// Get returns a copy of a single message.
func (s *MessageStore) Get(messageID string) (models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.byID[messageID]
	if !ok {
		return models.Message{}, models.NewNotFoundError("message", messageID)
	}
	return msg.Clone(), nil
}

func (s *MessageStore) emit(eventType string, msg models.Message) {
	if s.sink == nil {
		return
	}
	s.sink(models.RoomEvent{
		Type:    eventType,
		RoomID:  msg.RoomID,
		Message: &msg,
		At:      s.now(),
	})
}
