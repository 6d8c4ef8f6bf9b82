package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"carelink/internal/models"
	"carelink/internal/observability"

	"github.com/gofiber/websocket/v2"
)

const (
	maxConnsPerSession = 8
	maxTotalConns      = 10000
)

// ErrConnectionLimit is returned when a session or the server is at capacity.
var ErrConnectionLimit = errors.New("connection limit reached")

// Hub maps session id to the websocket clients watching it.
type Hub struct {
	mu         sync.RWMutex
	conns      map[string]map[*Client]struct{}
	totalConns int
	notifier   *Notifier
}

// NewHub creates a hub. With an enabled notifier, events go through Redis so
// any instance holding the socket can deliver them.
func NewHub(notifier *Notifier) *Hub {
	return &Hub{
		conns:    make(map[string]map[*Client]struct{}),
		notifier: notifier,
	}
}

// Name returns a human-readable identifier for this hub.
func (h *Hub) Name() string { return "room events" }

// Register adds a connection for sessionID.
func (h *Hub) Register(sessionID string, conn *websocket.Conn) (*Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.totalConns >= maxTotalConns {
		return nil, ErrConnectionLimit
	}
	m, ok := h.conns[sessionID]
	if !ok {
		m = make(map[*Client]struct{})
		h.conns[sessionID] = m
	}
	if len(m) >= maxConnsPerSession {
		return nil, ErrConnectionLimit
	}

	client := &Client{hub: h, Conn: conn, SessionID: sessionID, Send: make(chan []byte, sendBuffer)}
	m[client] = struct{}{}
	h.totalConns++
	observability.WebSocketConnections.Inc()
	return client, nil
}

// UnregisterClient removes a client and closes its send channel.
func (h *Hub) UnregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.conns[client.SessionID]
	if !ok {
		return
	}
	if _, exists := m[client]; !exists {
		return
	}
	delete(m, client)
	close(client.Send)
	h.totalConns--
	observability.WebSocketConnections.Dec()
	if len(m) == 0 {
		delete(h.conns, client.SessionID)
	}
}

// Count returns the number of clients watching sessionID.
func (h *Hub) Count(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[sessionID])
}

// Broadcast sends a frame to every client of sessionID.
func (h *Hub) Broadcast(sessionID string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.conns[sessionID] {
		c.TrySend(payload)
	}
}

// Publish routes a room event to the session's clients, through Redis when
// the notifier is enabled and directly otherwise.
func (h *Hub) Publish(ctx context.Context, ev models.RoomEvent) {
	if h.notifier.Enabled() {
		err := h.notifier.PublishSessionEvent(ctx, ev)
		if err == nil {
			return
		}
		observability.Logger.WarnContext(ctx, "redis publish failed, delivering locally", "error", err)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		observability.Logger.ErrorContext(ctx, "failed to encode room event", "error", err)
		return
	}
	h.Broadcast(ev.SessionID, payload)
}

// StartWiring forwards session events from Redis to local clients.
func (h *Hub) StartWiring(ctx context.Context) error {
	return h.notifier.StartSessionSubscriber(ctx, func(sessionID, payload string) {
		h.Broadcast(sessionID, []byte(payload))
	})
}

// Shutdown disconnects every client. Closing Send makes each WritePump send a
// close frame and release its socket.
func (h *Hub) Shutdown(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sessionID := range h.conns {
		h.dropLocked(sessionID)
	}
	return nil
}

// CloseSession disconnects every client of sessionID.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(sessionID)
}

func (h *Hub) dropLocked(sessionID string) {
	for client := range h.conns[sessionID] {
		close(client.Send)
		h.totalConns--
		observability.WebSocketConnections.Dec()
	}
	delete(h.conns, sessionID)
}
