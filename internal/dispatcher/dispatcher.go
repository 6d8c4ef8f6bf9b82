// Package dispatcher runs a session's chat: the send pipeline, per-room lanes
// and routing of user messages to the assistant or the escalation handler.
package dispatcher

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"carelink/internal/ai"
	"carelink/internal/attachment"
	"carelink/internal/escalation"
	"carelink/internal/models"
	"carelink/internal/observability"
	"carelink/internal/registry"
	"carelink/internal/store"
)

// MaxContentLength is the longest message body accepted, in characters.
const MaxContentLength = 10000

// EventSink receives every room event of the session.
type EventSink func(models.RoomEvent)

// DefaultAssistant answers in assistant rooms that do not name one.
var DefaultAssistant = models.Participant{
	ID:     "carelink-ai",
	Name:   "CareLink Assistant",
	Role:   models.RoleAI,
	Online: true,
}

// Config wires a Dispatcher. Zero values fall back to in-memory and simulated
// collaborators.
type Config struct {
	SessionID string
	User      models.Participant
	Rooms     []models.ChatRoom

	Completer   ai.Completer
	Notifier    escalation.NotificationService
	Ledger      escalation.Ledger
	Attachments *attachment.Handler
	Transport   Transport
	Sink        EventSink

	Language          string
	AITimeout         time.Duration
	SendTimeout       time.Duration
	EmergencyAckDelay time.Duration
	Clock             func() time.Time
}

// SendInput is one user send.
type SendInput struct {
	RoomID      string
	Content     string
	Attachments []attachment.Upload
	ReplyTo     string
}

// Dispatcher owns one session's message store and room registry.
type Dispatcher struct {
	sessionID   string
	store       *store.MessageStore
	rooms       *registry.RoomRegistry
	attachments *attachment.Handler
	assistant   *ai.Orchestrator
	escalation  *escalation.Handler
	transport   Transport
	sink        EventSink
	sendTimeout time.Duration

	lanesMu sync.Mutex
	lanes   map[string]*lane
	turns   sync.WaitGroup

	closeMu sync.RWMutex
	closed  bool

	langMu   sync.RWMutex
	language string
}

// New builds a dispatcher and seeds its rooms.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.User.ID == "" {
		return nil, models.NewValidationError("session user is required")
	}
	cfg.User.Role = models.RoleUser
	if cfg.Completer == nil {
		cfg.Completer = ai.SimulatedCompleter{}
	}
	if cfg.Attachments == nil {
		cfg.Attachments = attachment.NewHandler(attachment.NewMemoryBlobStore("memory://attachments"), attachment.DefaultLimits())
	}
	if cfg.Transport == nil {
		cfg.Transport = SimulatedTransport{Delay: DefaultSendAckDelay}
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}

	d := &Dispatcher{
		sessionID:   cfg.SessionID,
		attachments: cfg.Attachments,
		transport:   cfg.Transport,
		sink:        cfg.Sink,
		sendTimeout: cfg.SendTimeout,
		lanes:       make(map[string]*lane),
		language:    ai.NormalizeLanguage(cfg.Language),
	}

	opts := []store.Option{store.WithEventSink(d.forward)}
	if cfg.Clock != nil {
		opts = append(opts, store.WithClock(cfg.Clock))
	}
	d.store = store.New(opts...)
	d.rooms = registry.New(d.store, cfg.User)
	if err := d.rooms.Seed(cfg.Rooms); err != nil {
		return nil, err
	}

	d.assistant = ai.NewOrchestrator(cfg.Completer, d, cfg.AITimeout)
	d.escalation = escalation.NewHandler(escalation.Config{
		Notifier:  cfg.Notifier,
		Ledger:    cfg.Ledger,
		Poster:    d,
		SessionID: cfg.SessionID,
		AckDelay:  cfg.EmergencyAckDelay,
	})
	return d, nil
}

// SessionID returns the owning session's id.
func (d *Dispatcher) SessionID() string { return d.sessionID }

// SendMessage runs the send pipeline and returns the stored message once it
// is sent or errored. Attachments are validated before anything is stored.
func (d *Dispatcher) SendMessage(ctx context.Context, in SendInput) (models.Message, error) {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		return models.Message{}, models.NewValidationError("session is closed")
	}

	room, err := d.rooms.Get(in.RoomID)
	if err != nil {
		return models.Message{}, err
	}
	if err := d.validate(room, in); err != nil {
		return models.Message{}, err
	}

	ctx = observability.WithRoomID(observability.WithSessionID(ctx, d.sessionID), room.ID)
	span, ctx := observability.NewSpan(ctx, "dispatcher.send_message", observability.RoomAttrs(room.ID, string(room.Kind))...)
	defer span.End()

	atts, err := d.attachments.StageAll(ctx, room.ID, in.Attachments, d.attachments.Limits())
	if err != nil {
		span.SetError(err)
		return models.Message{}, err
	}

	user, _ := room.Participant(models.RoleUser)
	msg, err := d.appendAndDeliver(ctx, room.ID, models.MessageDraft{
		SenderID:    user.ID,
		SenderName:  user.Name,
		SenderType:  models.RoleUser,
		Content:     in.Content,
		Attachments: atts,
		ReplyTo:     in.ReplyTo,
		IsEmergency: room.Kind == models.RoomKindEmergency,
	})
	if err != nil {
		span.SetError(err)
		if relErr := d.attachments.Discard(ctx, atts); relErr != nil {
			observability.Logger.WarnContext(ctx, "failed to release attachments of unsent message", "error", relErr)
		}
		return models.Message{}, err
	}
	d.attachments.Commit(atts)
	d.emitRooms()

	span.AddAttributes(observability.AttrMessageID.String(msg.ID))
	span.Event("message.delivered", observability.AttrStatus.String(string(msg.Status)))
	if msg.Status != models.StatusSent {
		return msg, nil
	}

	switch room.Kind {
	case models.RoomKindAIAssistant:
		d.enqueueReply(ctx, room, msg)
	case models.RoomKindEmergency:
		d.escalation.OnMessage(ctx, room, msg)
	}
	return msg, nil
}

func (d *Dispatcher) validate(room models.ChatRoom, in SendInput) error {
	if !room.IsActive {
		return models.NewValidationError("room " + room.ID + " is not active")
	}
	if strings.TrimSpace(in.Content) == "" && len(in.Attachments) == 0 {
		return models.NewValidationError("message needs content or an attachment")
	}
	if utf8.RuneCountInString(in.Content) > MaxContentLength {
		return models.NewValidationError("message is longer than 10000 characters")
	}
	if in.ReplyTo != "" {
		parent, err := d.store.Get(in.ReplyTo)
		if err != nil || parent.RoomID != room.ID {
			return models.NewValidationError("replyTo must reference a message in the same room")
		}
	}
	return nil
}

// appendAndDeliver holds the room's lane while the message goes from sending
// to sent or error, so no other append can land in between.
func (d *Dispatcher) appendAndDeliver(ctx context.Context, roomID string, draft models.MessageDraft) (models.Message, error) {
	l := d.lane(roomID)
	l.mu.Lock()
	defer l.mu.Unlock()

	msg, err := d.store.Append(roomID, draft)
	if err != nil {
		return models.Message{}, err
	}

	next := models.StatusSent
	if err := deliver(context.WithoutCancel(ctx), d.transport, msg, d.sendTimeout); err != nil {
		next = models.StatusError
		observability.Logger.WarnContext(ctx, "message delivery failed", "message_id", msg.ID, "error", err)
	}
	msg, err = d.store.Transition(msg.ID, next)
	if err != nil {
		return models.Message{}, err
	}
	if _, err := d.rooms.RecomputeUnread(roomID); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// enqueueReply schedules an assistant turn on the room's lane. Turns of a
// room run in send order, so replies land in the same order.
func (d *Dispatcher) enqueueReply(ctx context.Context, room models.ChatRoom, cause models.Message) {
	assistant, ok := room.Participant(models.RoleAI)
	if !ok {
		assistant = DefaultAssistant
	}
	req := ai.ReplyRequest{
		RoomID:    room.ID,
		CauseID:   cause.ID,
		Content:   cause.Content,
		Language:  d.Language(),
		Assistant: assistant,
	}
	ctx = context.WithoutCancel(ctx)
	d.lane(room.ID).enqueue(func() {
		reply := <-d.assistant.RequestReply(ctx, req)
		if reply.Status == models.StatusError {
			observability.Logger.ErrorContext(ctx, "assistant reply could not be stored", "cause_id", cause.ID)
		}
	}, &d.turns)
}

// PostReply appends a counterpart message and moves it to sent. Assistant
// replies and emergency acknowledgements use it.
func (d *Dispatcher) PostReply(roomID string, draft models.MessageDraft) (models.Message, error) {
	l := d.lane(roomID)
	l.mu.Lock()
	msg, err := d.store.Append(roomID, draft)
	if err == nil {
		msg, err = d.store.Transition(msg.ID, models.StatusSent)
	}
	if err == nil {
		_, err = d.rooms.RecomputeUnread(roomID)
	}
	l.mu.Unlock()
	if err != nil {
		return models.Message{}, err
	}
	d.emitRooms()
	return msg, nil
}

// SetTyping toggles a participant's typing affordance and announces it.
func (d *Dispatcher) SetTyping(roomID string, participant models.Participant, typing bool) {
	state, err := d.rooms.SetTyping(roomID, participant.ID, typing)
	if err != nil {
		// Assistants not listed in the room still get an event.
		state = models.Typing{ParticipantID: participant.ID, Name: participant.Name, IsTyping: typing}
	}
	d.publish(models.RoomEvent{
		Type:       models.EventTyping,
		RoomID:     roomID,
		Typing:     &state,
		Background: !d.rooms.IsActiveRoom(roomID),
		At:         time.Now().UTC(),
	})
}

// ListRooms returns the session's rooms.
func (d *Dispatcher) ListRooms() []models.ChatRoom {
	return d.rooms.ListRooms()
}

// Room returns one room.
func (d *Dispatcher) Room(roomID string) (models.ChatRoom, error) {
	return d.rooms.Get(roomID)
}

// ListMessages returns a room's log in order.
func (d *Dispatcher) ListMessages(roomID string) ([]models.Message, error) {
	return d.store.ListByRoom(roomID)
}

// Typing lists who is composing in a room.
func (d *Dispatcher) Typing(roomID string) ([]models.Typing, error) {
	if _, err := d.rooms.Get(roomID); err != nil {
		return nil, err
	}
	return d.rooms.Typing(roomID), nil
}

// MarkRead records that the recipient has read a message.
func (d *Dispatcher) MarkRead(roomID, messageID string) (models.Message, error) {
	return d.mark(roomID, messageID, models.StatusRead)
}

// MarkDelivered records that a message reached its recipient.
func (d *Dispatcher) MarkDelivered(roomID, messageID string) (models.Message, error) {
	return d.mark(roomID, messageID, models.StatusDelivered)
}

func (d *Dispatcher) mark(roomID, messageID string, to models.MessageStatus) (models.Message, error) {
	if _, err := d.rooms.Get(roomID); err != nil {
		return models.Message{}, err
	}
	l := d.lane(roomID)
	l.mu.Lock()
	msg, err := d.store.Get(messageID)
	if err == nil && msg.RoomID != roomID {
		err = models.NewNotFoundError("message", messageID)
	}
	if err == nil {
		msg, err = d.store.Transition(messageID, to)
	}
	if err == nil {
		_, err = d.rooms.RecomputeUnread(roomID)
	}
	l.mu.Unlock()
	if err != nil {
		return models.Message{}, err
	}
	d.emitRooms()
	return msg, nil
}

// MarkRoomRead marks every received message of a room read and returns how
// many changed.
func (d *Dispatcher) MarkRoomRead(roomID string) (int, error) {
	if _, err := d.rooms.Get(roomID); err != nil {
		return 0, err
	}
	l := d.lane(roomID)
	l.mu.Lock()
	msgs, err := d.store.ListByRoom(roomID)
	changed := 0
	if err == nil {
		for _, m := range msgs {
			if m.SenderType == models.RoleUser || !models.CanTransition(m.Status, models.StatusRead) {
				continue
			}
			if _, err = d.store.Transition(m.ID, models.StatusRead); err != nil {
				break
			}
			changed++
		}
	}
	if err == nil {
		_, err = d.rooms.RecomputeUnread(roomID)
	}
	l.mu.Unlock()
	if err != nil {
		return changed, err
	}
	if changed > 0 {
		d.emitRooms()
	}
	return changed, nil
}

// SetActiveRoom records the room in view. Unread counts are unaffected and
// in-flight replies elsewhere keep running.
func (d *Dispatcher) SetActiveRoom(roomID string) error {
	if err := d.rooms.SetActiveRoom(roomID); err != nil {
		return err
	}
	d.emitRooms()
	return nil
}

// CreateEmergencyRoom returns the active emergency room, opening one if needed.
func (d *Dispatcher) CreateEmergencyRoom() models.ChatRoom {
	room, created := d.rooms.CreateEmergencyRoom()
	if created {
		observability.Logger.Info("emergency room opened", "session_id", d.sessionID, "room_id", room.ID)
		d.emitRooms()
	}
	return room
}

// DeactivateRoom closes a room and releases its unsent attachments. Replies
// already in flight still land in its log.
func (d *Dispatcher) DeactivateRoom(ctx context.Context, roomID string) error {
	if err := d.rooms.Deactivate(roomID); err != nil {
		return err
	}
	if err := d.attachments.ReleaseRoom(ctx, roomID); err != nil {
		observability.Logger.WarnContext(ctx, "failed to release room attachments", "room_id", roomID, "error", err)
	}
	d.emitRooms()
	return nil
}

// SetParticipantOnline updates a participant's presence.
func (d *Dispatcher) SetParticipantOnline(roomID, participantID string, online bool) error {
	if err := d.rooms.SetParticipantOnline(roomID, participantID, online); err != nil {
		return err
	}
	d.emitRooms()
	return nil
}

// SetLanguage sets the language of assistant replies for later turns.
func (d *Dispatcher) SetLanguage(lang string) error {
	if !ai.SupportedLanguage(lang) {
		return models.NewValidationError("unsupported language " + lang)
	}
	d.langMu.Lock()
	d.language = ai.NormalizeLanguage(lang)
	d.langMu.Unlock()
	return nil
}

// Language returns the session's reply language.
func (d *Dispatcher) Language() string {
	d.langMu.RLock()
	defer d.langMu.RUnlock()
	return d.language
}

// Close stops accepting sends, waits for queued assistant turns and pending
// acknowledgements, then releases unsent attachments. It is safe to call twice.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeMu.Lock()
	already := d.closed
	d.closed = true
	d.closeMu.Unlock()
	if already {
		return nil
	}

	var errs []error
	turnsDone := make(chan struct{})
	go func() {
		d.turns.Wait()
		close(turnsDone)
	}()
	select {
	case <-turnsDone:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	if err := d.assistant.Wait(ctx); err != nil && len(errs) == 0 {
		errs = append(errs, err)
	}
	if err := d.escalation.Wait(ctx); err != nil && len(errs) == 0 {
		errs = append(errs, err)
	}
	if err := d.attachments.ReleaseAll(context.WithoutCancel(ctx)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Closed reports whether Close has been called.
func (d *Dispatcher) Closed() bool {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	return d.closed
}

func (d *Dispatcher) lane(roomID string) *lane {
	d.lanesMu.Lock()
	defer d.lanesMu.Unlock()
	l, ok := d.lanes[roomID]
	if !ok {
		l = &lane{}
		d.lanes[roomID] = l
	}
	return l
}

// forward tags store events with the session and whether the room is in view.
func (d *Dispatcher) forward(ev models.RoomEvent) {
	ev.Background = !d.rooms.IsActiveRoom(ev.RoomID)
	d.publish(ev)
}

func (d *Dispatcher) emitRooms() {
	d.publish(models.RoomEvent{
		Type:  models.EventRoomsChanged,
		Rooms: d.rooms.ListRooms(),
		At:    time.Now().UTC(),
	})
}

func (d *Dispatcher) publish(ev models.RoomEvent) {
	if d.sink == nil {
		return
	}
	ev.SessionID = d.sessionID
	d.sink(ev)
}
