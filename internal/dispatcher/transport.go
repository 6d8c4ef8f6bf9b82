package dispatcher

import (
	"context"
	"time"

	"carelink/internal/models"
)

// DefaultSendAckDelay is how long SimulatedTransport takes to acknowledge.
const DefaultSendAckDelay = 300 * time.Millisecond

// DefaultSendTimeout bounds one delivery attempt.
const DefaultSendTimeout = 10 * time.Second

// Transport hands an outbound message to the counterpart. A nil error is the
// acknowledgement that moves the message to sent.
type Transport interface {
	Deliver(ctx context.Context, msg models.Message) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, msg models.Message) error

// Deliver calls f.
func (f TransportFunc) Deliver(ctx context.Context, msg models.Message) error {
	return f(ctx, msg)
}

// SimulatedTransport acknowledges every message after a fixed delay.
type SimulatedTransport struct {
	Delay time.Duration
}

// Deliver waits for the delay or ctx.
func (t SimulatedTransport) Deliver(ctx context.Context, _ models.Message) error {
	if t.Delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(t.Delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deliver runs the transport under timeout and returns even if the transport
// ignores its context.
func deliver(ctx context.Context, t Transport, msg models.Message, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- t.Deliver(ctx, msg) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
