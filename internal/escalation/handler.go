// Package escalation acknowledges user messages in emergency rooms and alerts
// the triage team exactly once per message.
package escalation

import (
	"context"
	"sync"
	"time"

	"carelink/internal/models"
	"carelink/internal/observability"
	"carelink/internal/registry"
)

// DefaultAckDelay simulates triage latency before the acknowledgement.
const DefaultAckDelay = time.Second

const notifyTimeout = 10 * time.Second

// AckContent is the text of the synthesized acknowledgement.
const AckContent = "Your emergency message has been received and a member of our triage team is reviewing it now. " +
	"If you are in immediate danger, call your local emergency number."

// NotificationService is the external alerting channel.
type NotificationService interface {
	Notify(ctx context.Context, n models.Notification) error
}

// Poster appends the acknowledgement and moves it to sent.
type Poster interface {
	PostReply(roomID string, draft models.MessageDraft) (models.Message, error)
}

// Handler escalates user messages in emergency rooms.
type Handler struct {
	notifier  NotificationService
	ledger    Ledger
	poster    Poster
	sessionID string
	ackDelay  time.Duration

	mu      sync.Mutex
	claimed map[string]struct{}
	// tails holds the done channel of each room's latest pending
	// acknowledgement; acks in a room post in escalation order.
	tails map[string]chan struct{}
	wg    sync.WaitGroup
}

// Config wires a Handler.
type Config struct {
	Notifier  NotificationService
	Ledger    Ledger
	Poster    Poster
	SessionID string
	AckDelay  time.Duration
}

// NewHandler creates a handler. A nil Ledger uses a MemoryLedger; a negative
// AckDelay uses DefaultAckDelay.
func NewHandler(cfg Config) *Handler {
	if cfg.Ledger == nil {
		cfg.Ledger = NewMemoryLedger()
	}
	if cfg.AckDelay < 0 {
		cfg.AckDelay = DefaultAckDelay
	}
	return &Handler{
		notifier:  cfg.Notifier,
		ledger:    cfg.Ledger,
		poster:    cfg.Poster,
		sessionID: cfg.SessionID,
		ackDelay:  cfg.AckDelay,
		claimed:   make(map[string]struct{}),
		tails:     make(map[string]chan struct{}),
	}
}

// OnMessage escalates msg if it is a user message in an emergency room that
// has not been escalated before. It reports whether escalation was started.
func (h *Handler) OnMessage(ctx context.Context, room models.ChatRoom, msg models.Message) bool {
	if room.Kind != models.RoomKindEmergency || msg.SenderType != models.RoleUser {
		return false
	}

	h.mu.Lock()
	if _, dup := h.claimed[msg.ID]; dup {
		h.mu.Unlock()
		observability.Escalations.WithLabelValues("duplicate").Inc()
		return false
	}
	h.claimed[msg.ID] = struct{}{}
	h.mu.Unlock()

	ctx = observability.WithRoomID(ctx, room.ID)
	first, err := h.ledger.Claim(ctx, h.sessionID, room.ID, msg.ID)
	if err != nil {
		observability.Logger.WarnContext(ctx, "escalation ledger unavailable, continuing", "message_id", msg.ID, "error", err)
	} else if !first {
		observability.Escalations.WithLabelValues("duplicate").Inc()
		return false
	}

	observability.Escalations.WithLabelValues("triggered").Inc()
	if room.HumanOnline() {
		observability.Logger.InfoContext(ctx, "emergency message queued for human relay", "message_id", msg.ID)
	}

	due := time.Now().Add(h.ackDelay)
	done := make(chan struct{})
	h.mu.Lock()
	prev := h.tails[room.ID]
	h.tails[room.ID] = done
	h.mu.Unlock()

	bg := context.WithoutCancel(ctx)
	h.wg.Add(2)
	go h.notify(bg, room, msg)
	go h.acknowledge(bg, room, msg, due, prev, done)
	return true
}

func (h *Handler) notify(ctx context.Context, room models.ChatRoom, msg models.Message) {
	defer h.wg.Done()
	if h.notifier == nil {
		return
	}

	span, ctx := observability.NewSpan(ctx, "escalation.notify", observability.MessageAttrs(room.ID, msg.ID)...)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	err := h.notifier.Notify(ctx, models.Notification{
		Kind:      "emergency",
		Severity:  models.SeverityHigh,
		Title:     "Emergency message from patient",
		Message:   summarize(msg),
		SessionID: h.sessionID,
		RoomID:    room.ID,
		MessageID: msg.ID,
		At:        time.Now().UTC(),
	})
	if err != nil {
		span.SetError(err)
		observability.Escalations.WithLabelValues("notify_failed").Inc()
		observability.Logger.ErrorContext(ctx, "emergency notification failed", "message_id", msg.ID, "error", err)
		return
	}
	observability.Escalations.WithLabelValues("notified").Inc()
}

// acknowledge posts after due and after the room's previous acknowledgement.
func (h *Handler) acknowledge(ctx context.Context, room models.ChatRoom, msg models.Message, due time.Time, prev <-chan struct{}, done chan struct{}) {
	defer h.wg.Done()
	defer func() {
		h.mu.Lock()
		if h.tails[room.ID] == done {
			delete(h.tails, room.ID)
		}
		h.mu.Unlock()
		close(done)
	}()
	if prev != nil {
		<-prev
	}
	if wait := time.Until(due); wait > 0 {
		time.Sleep(wait)
	}

	team, ok := room.Participant(models.RoleSupport)
	if !ok {
		team = registry.EmergencyTeam
	}
	_, err := h.poster.PostReply(room.ID, models.MessageDraft{
		SenderID:    team.ID,
		SenderName:  team.Name,
		SenderType:  models.RoleSupport,
		Content:     AckContent,
		Kind:        models.MessageKindText,
		ReplyTo:     msg.ID,
		IsEmergency: true,
	})
	if err != nil {
		observability.Escalations.WithLabelValues("ack_failed").Inc()
		observability.Logger.ErrorContext(ctx, "failed to post emergency acknowledgement", "message_id", msg.ID, "error", err)
	}
}

// Wait blocks until scheduled notifications and acknowledgements finish or ctx is done.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func summarize(msg models.Message) string {
	const limit = 280
	text := msg.Content
	if text == "" && len(msg.Attachments) > 0 {
		text = "(attachment: " + msg.Attachments[0].Name + ")"
	}
	if r := []rune(text); len(r) > limit {
		text = string(r[:limit]) + "…"
	}
	return text
}
