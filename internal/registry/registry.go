// Package registry keeps the room catalog of a session and the state derived from it.
package registry

import (
	"sync"
	"time"

	"carelink/internal/models"

	"github.com/google/uuid"
)

// MessageSource is the message log the registry derives unread counts from.
// AddRoom is called when a room is registered so its log exists before any send.
type MessageSource interface {
	AddRoom(roomID string)
	ListByRoom(roomID string) ([]models.Message, error)
}

// EmergencyTeam is the counterpart placed in on-demand emergency rooms.
var EmergencyTeam = models.Participant{
	ID:     "emergency-triage",
	Name:   "Emergency Triage Team",
	Role:   models.RoleSupport,
	Online: true,
}

// RoomRegistry is the only writer of room participants, unread counters,
// active flags and typing state.
type RoomRegistry struct {
	mu     sync.RWMutex
	order  []string
	rooms  map[string]*models.ChatRoom
	typing map[string]map[string]models.Typing
	active string
	source MessageSource
	user   models.Participant
	now    func() time.Time
}

// New creates a registry backed by source. user is placed first in every
// room the registry creates or seeds.
func New(source MessageSource, user models.Participant) *RoomRegistry {
	if user.Role == "" {
		user.Role = models.RoleUser
	}
	return &RoomRegistry{
		rooms:  make(map[string]*models.ChatRoom),
		typing: make(map[string]map[string]models.Typing),
		source: source,
		user:   user,
		now:    time.Now,
	}
}

// Seed registers catalog rooms, adding the session user to each.
func (r *RoomRegistry) Seed(rooms []models.ChatRoom) error {
	for _, room := range rooms {
		room.Participants = append([]models.Participant{r.user}, room.Participants...)
		if err := r.AddRoom(room); err != nil {
			return err
		}
	}
	return nil
}

// AddRoom registers a room and provisions its message log.
func (r *RoomRegistry) AddRoom(room models.ChatRoom) error {
	if room.ID == "" {
		return models.NewValidationError("room id is required")
	}
	if !room.Kind.Valid() {
		return models.NewValidationError("unknown room kind " + string(room.Kind))
	}
	if !room.HasNonUserParticipant() {
		return models.NewValidationError("room " + room.ID + " needs a non-user participant")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rooms[room.ID]; exists {
		return models.NewValidationError("room " + room.ID + " already exists")
	}
	r.register(room)
	return nil
}

func (r *RoomRegistry) register(room models.ChatRoom) *models.ChatRoom {
	stored := room.Clone()
	stored.UnreadCount = 0
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = r.now()
	}
	r.source.AddRoom(stored.ID)
	r.rooms[stored.ID] = &stored
	r.order = append(r.order, stored.ID)
	return &stored
}

// ListRooms returns rooms in insertion order, with an active emergency room first.
func (r *RoomRegistry) ListRooms() []models.ChatRoom {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.ChatRoom, 0, len(r.order))
	for _, id := range r.order {
		room := r.rooms[id]
		if room.Kind == models.RoomKindEmergency && room.IsActive {
			out = append(out, r.snapshot(room))
		}
	}
	for _, id := range r.order {
		room := r.rooms[id]
		if room.Kind == models.RoomKindEmergency && room.IsActive {
			continue
		}
		out = append(out, r.snapshot(room))
	}
	return out
}

// Get returns a snapshot of one room.
func (r *RoomRegistry) Get(roomID string) (models.ChatRoom, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return models.ChatRoom{}, models.NewInvalidRoomError(roomID)
	}
	return r.snapshot(room), nil
}

// snapshot copies a room and fills in derived fields. Caller holds mu.
func (r *RoomRegistry) snapshot(room *models.ChatRoom) models.ChatRoom {
	out := room.Clone()
	out.OnlineCount = 0
	for _, p := range out.Participants {
		if p.Online && p.Role != models.RoleUser {
			out.OnlineCount++
		}
	}
	return out
}

// CreateEmergencyRoom returns the active emergency room, creating one if none
// is active. created is false when an existing room was returned.
func (r *RoomRegistry) CreateEmergencyRoom() (room models.ChatRoom, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.order {
		existing := r.rooms[id]
		if existing.Kind == models.RoomKindEmergency && existing.IsActive {
			return r.snapshot(existing), false
		}
	}

	stored := r.register(models.ChatRoom{
		ID:           "emergency-" + uuid.NewString(),
		Name:         "Emergency Support",
		Description:  "Urgent help from the triage team.",
		Kind:         models.RoomKindEmergency,
		Participants: []models.Participant{r.user, EmergencyTeam},
		Priority:     models.PriorityEmergency,
		IsActive:     true,
	})
	return r.snapshot(stored), true
}

// RecomputeUnread derives the room's unread count from its message log.
func (r *RoomRegistry) RecomputeUnread(roomID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return 0, models.NewInvalidRoomError(roomID)
	}
	msgs, err := r.source.ListByRoom(roomID)
	if err != nil {
		return 0, err
	}
	room.UnreadCount = UnreadCount(msgs)
	return room.UnreadCount, nil
}

// UnreadCount counts messages not sent by the user and not yet read.
func UnreadCount(msgs []models.Message) int {
	n := 0
	for _, m := range msgs {
		if m.SenderType != models.RoleUser && m.Status != models.StatusRead {
			n++
		}
	}
	return n
}

// SetActiveRoom records which room the user is looking at. Unread counts are
// left alone; only explicit reads change them.
func (r *RoomRegistry) SetActiveRoom(roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[roomID]; !ok {
		return models.NewInvalidRoomError(roomID)
	}
	r.active = roomID
	return nil
}

// ActiveRoom returns the id of the room in view, or "".
func (r *RoomRegistry) ActiveRoom() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// IsActiveRoom reports whether roomID is the room in view.
func (r *RoomRegistry) IsActiveRoom(roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active == roomID
}

// Deactivate closes a room. Rooms are never removed during a session.
func (r *RoomRegistry) Deactivate(roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return models.NewInvalidRoomError(roomID)
	}
	room.IsActive = false
	if r.active == roomID {
		r.active = ""
	}
	delete(r.typing, roomID)
	return nil
}

// SetParticipantOnline updates presence and stamps lastSeen.
func (r *RoomRegistry) SetParticipantOnline(roomID, participantID string, online bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return models.NewInvalidRoomError(roomID)
	}
	for i := range room.Participants {
		if room.Participants[i].ID == participantID {
			now := r.now()
			room.Participants[i].Online = online
			room.Participants[i].LastSeen = &now
			return nil
		}
	}
	return models.NewNotFoundError("participant", participantID)
}

// SetTyping sets or clears a participant's typing flag and returns the state.
func (r *RoomRegistry) SetTyping(roomID, participantID string, typing bool) (models.Typing, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return models.Typing{}, models.NewInvalidRoomError(roomID)
	}

	var state models.Typing
	found := false
	for _, p := range room.Participants {
		if p.ID == participantID {
			state = models.Typing{ParticipantID: p.ID, Name: p.Name, IsTyping: typing}
			found = true
			break
		}
	}
	if !found {
		return models.Typing{}, models.NewNotFoundError("participant", participantID)
	}

	if typing {
		if r.typing[roomID] == nil {
			r.typing[roomID] = make(map[string]models.Typing)
		}
		r.typing[roomID][participantID] = state
	} else {
		delete(r.typing[roomID], participantID)
	}
	return state, nil
}

// Typing lists participants currently composing in a room.
func (r *RoomRegistry) Typing(roomID string) []models.Typing {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Typing, 0, len(r.typing[roomID]))
	for _, t := range r.typing[roomID] {
		out = append(out, t)
	}
	return out
}
