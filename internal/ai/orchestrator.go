// Package ai turns user messages in assistant rooms into assistant replies.
package ai

import (
	"context"
	"strings"
	"sync"
	"time"

	"carelink/internal/models"
	"carelink/internal/observability"

	"go.opentelemetry.io/otel/attribute"
)

// DefaultTimeout bounds one completion call.
const DefaultTimeout = 15 * time.Second

// Poster writes the assistant's side of a turn into the room.
type Poster interface {
	// PostReply appends a reply and moves it to sent.
	PostReply(roomID string, draft models.MessageDraft) (models.Message, error)
	// SetTyping toggles the assistant's typing affordance.
	SetTyping(roomID string, participant models.Participant, typing bool)
}

// ReplyRequest describes one assistant turn.
type ReplyRequest struct {
	RoomID    string
	CauseID   string
	Content   string
	Language  string
	Assistant models.Participant
}

// Orchestrator calls the completion service and always posts exactly one
// terminal reply per request.
type Orchestrator struct {
	completer Completer
	poster    Poster
	timeout   time.Duration
	wg        sync.WaitGroup
}

// NewOrchestrator creates an orchestrator. A non-positive timeout uses DefaultTimeout.
func NewOrchestrator(completer Completer, poster Poster, timeout time.Duration) *Orchestrator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Orchestrator{completer: completer, poster: poster, timeout: timeout}
}

// RequestReply starts an assistant turn. The returned channel receives the
// reply once it is in the room's log and is then closed. Cancelling ctx does
// not abort the call; the reply still lands.
func (o *Orchestrator) RequestReply(ctx context.Context, req ReplyRequest) <-chan models.Message {
	out := make(chan models.Message, 1)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(out)
		out <- o.run(context.WithoutCancel(ctx), req)
	}()
	return out
}

// Wait blocks until in-flight turns finish or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) run(ctx context.Context, req ReplyRequest) models.Message {
	span, ctx := observability.NewSpan(ctx, "ai.request_reply",
		observability.AttrRoomID.String(req.RoomID),
		observability.AttrCauseID.String(req.CauseID),
	)
	defer span.End()
	ctx = observability.WithRoomID(ctx, req.RoomID)

	o.poster.SetTyping(req.RoomID, req.Assistant, true)
	content, outcome := o.complete(ctx, req)
	o.poster.SetTyping(req.RoomID, req.Assistant, false)
	observability.AIReplies.WithLabelValues(outcome).Inc()
	span.AddAttributes(attribute.String("ai.outcome", outcome))

	draft := models.MessageDraft{
		SenderID:   req.Assistant.ID,
		SenderName: req.Assistant.Name,
		SenderType: models.RoleAI,
		Content:    content,
		Kind:       models.MessageKindText,
		ReplyTo:    req.CauseID,
	}
	msg, err := o.poster.PostReply(req.RoomID, draft)
	if err != nil {
		span.SetError(err)
		observability.Logger.ErrorContext(ctx, "failed to post assistant reply", "cause_id", req.CauseID, "error", err)
		return models.Message{
			RoomID:     req.RoomID,
			SenderID:   draft.SenderID,
			SenderName: draft.SenderName,
			SenderType: draft.SenderType,
			Content:    draft.Content,
			Timestamp:  time.Now(),
			Kind:       draft.Kind,
			Status:     models.StatusError,
			ReplyTo:    draft.ReplyTo,
		}
	}
	return msg
}

// complete is the single place completion failures are absorbed.
func (o *Orchestrator) complete(ctx context.Context, req ReplyRequest) (string, string) {
	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		text, err := o.completer.Generate(callCtx, BuildPrompt(req.Content, req.Language), NormalizeLanguage(req.Language))
		done <- result{text, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-callCtx.Done():
		res.err = callCtx.Err()
	}

	if res.err == nil && strings.TrimSpace(res.text) == "" {
		res.err = ErrEmptyCompletion
	}
	if res.err != nil {
		observability.ObserveAIRequest("fallback", start)
		observability.Logger.WarnContext(ctx, "completion failed, sending fallback reply",
			"cause_id", req.CauseID,
			"error", res.err,
		)
		return FallbackReply(req.Language), "fallback"
	}
	observability.ObserveAIRequest("success", start)
	return res.text, "success"
}
