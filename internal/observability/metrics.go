package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesAppended counts messages written to room logs.
	MessagesAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carelink_messages_appended_total",
		Help: "Total messages appended to room logs by sender type and message kind",
	}, []string{"sender_type", "kind"})

	// MessageTransitions counts lifecycle transitions by target status.
	MessageTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carelink_message_transitions_total",
		Help: "Total message status transitions by target status",
	}, []string{"to"})

	// RejectedTransitions counts transition attempts refused by the state machine.
	RejectedTransitions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carelink_message_transitions_rejected_total",
		Help: "Total message status transitions rejected as out of order",
	})

	// AIReplies counts terminal AI replies by outcome (success, fallback).
	AIReplies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carelink_ai_replies_total",
		Help: "Total AI replies by outcome",
	}, []string{"outcome"})

	// AIRequestDuration tracks completion service latency.
	AIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "carelink_ai_request_duration_seconds",
		Help:    "Completion service call latency in seconds",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15, 30},
	}, []string{"outcome"})

	// Escalations counts emergency escalations by outcome.
	Escalations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carelink_escalations_total",
		Help: "Total emergency escalations by outcome",
	}, []string{"outcome"})

	// AttachmentsStaged counts staged attachments by kind.
	AttachmentsStaged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carelink_attachments_staged_total",
		Help: "Total attachments staged by kind",
	}, []string{"kind"})

	// AttachmentsRejected counts rejected uploads by reason.
	AttachmentsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carelink_attachments_rejected_total",
		Help: "Total attachments rejected by reason",
	}, []string{"reason"})

	// AttachmentsReleased counts staged handles released without being sent.
	AttachmentsReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carelink_attachments_released_total",
		Help: "Total staged attachment handles released before send",
	})

	// ActiveSessions is the number of live chat sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "carelink_active_sessions",
		Help: "Number of active chat sessions",
	})

	// WebSocketConnections is the number of open websocket clients.
	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "carelink_websocket_connections",
		Help: "Number of open websocket connections",
	})

	// WebSocketBackpressureDrops counts messages dropped due to backpressure by hub and reason.
	WebSocketBackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carelink_websocket_backpressure_drops_total",
		Help: "Total number of WebSocket messages dropped due to backpressure",
	}, []string{"hub", "reason"})

	// RedisErrors counts failed Redis commands.
	RedisErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carelink_redis_errors_total",
		Help: "Total Redis command errors by command",
	}, []string{"command"})
)

// ObserveAIRequest records the latency of a completion call.
func ObserveAIRequest(outcome string, start time.Time) {
	AIRequestDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}
