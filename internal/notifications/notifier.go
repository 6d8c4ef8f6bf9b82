// Package notifications publishes alerts and room events over Redis and fans
// room events out to websocket clients.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"

	"carelink/internal/models"
	"carelink/internal/observability"

	"github.com/redis/go-redis/v9"
)

const (
	sessionChannelPrefix  = "chat:session:"
	outboundChannelPrefix = "chat:outbound:"
	alertChannelPrefix    = "alerts:"
	recentAlertsKey       = "alerts:recent"
	recentAlertsLimit     = 500
)

// SessionChannel is the Redis channel carrying a session's room events.
func SessionChannel(sessionID string) string {
	return sessionChannelPrefix + sessionID
}

// OutboundChannel is the Redis channel outbound messages of a room are delivered to.
func OutboundChannel(roomID string) string {
	return outboundChannelPrefix + roomID
}

// AlertChannel is the Redis channel for alerts of a kind.
func AlertChannel(kind string) string {
	return alertChannelPrefix + kind
}

// Notifier provides helpers to publish into Redis channels. A Notifier with a
// nil client accepts everything and does nothing.
type Notifier struct {
	rdb *redis.Client
}

// NewNotifier creates a new Notifier instance using the provided Redis client.
func NewNotifier(rdb *redis.Client) *Notifier {
	return &Notifier{rdb: rdb}
}

// Enabled reports whether the notifier is backed by Redis.
func (n *Notifier) Enabled() bool {
	return n != nil && n.rdb != nil
}

// Notify publishes an alert and keeps it in a capped recent-alerts list.
func (n *Notifier) Notify(ctx context.Context, alert models.Notification) error {
	if !n.Enabled() {
		return nil
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	pipe := n.rdb.TxPipeline()
	pipe.Publish(ctx, AlertChannel(alert.Kind), payload)
	pipe.LPush(ctx, recentAlertsKey, payload)
	pipe.LTrim(ctx, recentAlertsKey, 0, recentAlertsLimit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// RecentAlerts returns up to limit of the newest alerts.
func (n *Notifier) RecentAlerts(ctx context.Context, limit int64) ([]models.Notification, error) {
	if !n.Enabled() {
		return nil, nil
	}
	raw, err := n.rdb.LRange(ctx, recentAlertsKey, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Notification, 0, len(raw))
	for _, r := range raw {
		var alert models.Notification
		if err := json.Unmarshal([]byte(r), &alert); err != nil {
			continue
		}
		out = append(out, alert)
	}
	return out, nil
}

// PublishSessionEvent publishes a room event to the session's channel.
func (n *Notifier) PublishSessionEvent(ctx context.Context, ev models.RoomEvent) error {
	if !n.Enabled() {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal room event: %w", err)
	}
	return n.rdb.Publish(ctx, SessionChannel(ev.SessionID), payload).Err()
}

// Deliver hands an outbound message to whoever relays the room. The publish
// succeeding is the send acknowledgement.
func (n *Notifier) Deliver(ctx context.Context, msg models.Message) error {
	if !n.Enabled() {
		return nil
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return n.rdb.Publish(ctx, OutboundChannel(msg.RoomID), payload).Err()
}

// StartSessionSubscriber subscribes to every session channel and calls
// onMessage with the session id and payload until ctx is done.
func (n *Notifier) StartSessionSubscriber(
	ctx context.Context, onMessage func(sessionID string, payload string),
) error {
	if !n.Enabled() {
		return nil
	}
	sub := n.rdb.PSubscribe(ctx, sessionChannelPrefix+"*")
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe session events: %w", err)
	}
	ch := sub.Channel()

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				func() {
					defer func() {
						if r := recover(); r != nil {
							observability.Logger.Error("panic in session subscriber", "panic", r, "stack", string(debug.Stack()))
						}
					}()
					onMessage(strings.TrimPrefix(msg.Channel, sessionChannelPrefix), msg.Payload)
				}()
			}
		}
	}()

	return nil
}
