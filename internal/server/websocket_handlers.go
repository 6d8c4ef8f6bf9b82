package server

import (
	"context"
	"encoding/json"
	"time"

	"carelink/internal/dispatcher"
	"carelink/internal/middleware"
	"carelink/internal/models"
	"carelink/internal/notifications"
	"carelink/internal/observability"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// wsCommand is a frame sent by the client.
type wsCommand struct {
	Type     string `json:"type"`
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

type wsError struct {
	Type  string `json:"type"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

// WebSocketUpgrade rejects non-upgrade requests and resolves the session
// named by the "session" query parameter.
func (s *Server) WebSocketUpgrade() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		sessionID := c.Query("session")
		d, err := s.sessions.Get(c.UserContext(), sessionID, profileFromRequest(c))
		if err != nil {
			return respondError(c, err)
		}
		c.Locals(dispatcherLocal, d)
		return c.Next()
	}
}

// WebSocketEvents streams the session's room events and accepts view commands.
func (s *Server) WebSocketEvents() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		d, ok := conn.Locals(dispatcherLocal).(*dispatcher.Dispatcher)
		if !ok || d == nil {
			_ = conn.Close()
			return
		}
		sessionID := d.SessionID()
		ctx := observability.WithSessionID(context.Background(), sessionID)

		client, err := s.hub.Register(sessionID, conn)
		if err != nil {
			observability.Logger.WarnContext(ctx, "websocket rejected", "error", err)
			_ = conn.WriteMessage(websocket.TextMessage, mustJSON(wsError{Type: "error", Error: err.Error()}))
			_ = conn.Close()
			return
		}
		observability.Logger.InfoContext(ctx, "websocket connected")

		client.IncomingHandler = func(c *notifications.Client, message []byte) {
			s.handleCommand(ctx, d, c, message)
		}

		// Initial snapshot so the client can render without a REST round trip.
		client.TrySend(mustJSON(models.RoomEvent{
			Type:      models.EventRoomsChanged,
			SessionID: sessionID,
			Rooms:     d.ListRooms(),
			At:        time.Now().UTC(),
		}))

		go client.WritePump()
		client.ReadPump()
		observability.Logger.InfoContext(ctx, "websocket disconnected")
	})
}

func (s *Server) handleCommand(ctx context.Context, d *dispatcher.Dispatcher, c *notifications.Client, message []byte) {
	var cmd wsCommand
	if err := json.Unmarshal(message, &cmd); err != nil {
		c.TrySend(mustJSON(wsError{Type: "error", Code: models.CodeValidation, Error: "invalid message format"}))
		return
	}

	var err error
	switch cmd.Type {
	case "active":
		err = d.SetActiveRoom(cmd.RoomID)
	case "read":
		_, err = d.MarkRoomRead(cmd.RoomID)
	case "typing":
		// Typing indicators are limited to 10 per 10 seconds per session.
		allowed, rlErr := middleware.CheckRateLimit(ctx, s.redis, "typing", "session:"+d.SessionID(), 10, 10*time.Second)
		if rlErr == nil && !allowed {
			return
		}
		var room models.ChatRoom
		if room, err = d.Room(cmd.RoomID); err == nil {
			user, _ := room.Participant(models.RoleUser)
			d.SetTyping(room.ID, user, cmd.IsTyping)
		}
	case "ping":
		c.TrySend([]byte(`{"type":"pong"}`))
	default:
		err = models.NewValidationError("unknown command " + cmd.Type)
	}

	if err != nil {
		c.TrySend(mustJSON(wsError{Type: "error", Code: models.ErrorCode(err), Error: err.Error()}))
	}
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"type":"error","error":"encode failed"}`)
	}
	return b
}
