package server

import (
	"io"
	"strings"

	"carelink/internal/attachment"
	"carelink/internal/dispatcher"
	"carelink/internal/models"

	"github.com/gofiber/fiber/v2"
)

// maxUploadFiles bounds the attachments accepted with one message.
const maxUploadFiles = 5

// GetRooms handles GET /api/rooms
func (s *Server) GetRooms(c *fiber.Ctx) error {
	d, err := sessionFor(c)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(d.ListRooms())
}

// CreateEmergencyRoom handles POST /api/rooms/emergency
func (s *Server) CreateEmergencyRoom(c *fiber.Ctx) error {
	d, err := sessionFor(c)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(d.CreateEmergencyRoom())
}

// SetActiveRoom handles PUT /api/rooms/:id/active
func (s *Server) SetActiveRoom(c *fiber.Ctx) error {
	d, err := sessionFor(c)
	if err != nil {
		return respondError(c, err)
	}
	if err := d.SetActiveRoom(c.Params("id")); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// DeactivateRoom handles DELETE /api/rooms/:id
func (s *Server) DeactivateRoom(c *fiber.Ctx) error {
	d, err := sessionFor(c)
	if err != nil {
		return respondError(c, err)
	}
	if err := d.DeactivateRoom(c.UserContext(), c.Params("id")); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// GetMessages handles GET /api/rooms/:id/messages
func (s *Server) GetMessages(c *fiber.Ctx) error {
	d, err := sessionFor(c)
	if err != nil {
		return respondError(c, err)
	}
	msgs, err := d.ListMessages(c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(msgs)
}

// SendMessage handles POST /api/rooms/:id/messages. The body is JSON, or a
// multipart form with "content", "replyTo" and up to five "files".
func (s *Server) SendMessage(c *fiber.Ctx) error {
	d, err := sessionFor(c)
	if err != nil {
		return respondError(c, err)
	}

	in := dispatcher.SendInput{RoomID: c.Params("id")}
	if strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEMultipartForm) {
		if err := parseMultipartSend(c, &in); err != nil {
			return respondError(c, err)
		}
	} else {
		var req struct {
			Content string `json:"content"`
			ReplyTo string `json:"replyTo,omitempty"`
		}
		if err := c.BodyParser(&req); err != nil {
			return models.RespondWithError(c, fiber.StatusBadRequest,
				models.NewValidationError("Invalid request body"))
		}
		in.Content = req.Content
		in.ReplyTo = req.ReplyTo
	}

	msg, err := d.SendMessage(c.UserContext(), in)
	if err != nil {
		return respondError(c, err)
	}

	status := fiber.StatusCreated
	if msg.Status == models.StatusError {
		status = fiber.StatusBadGateway
	}
	return c.Status(status).JSON(msg)
}

func parseMultipartSend(c *fiber.Ctx, in *dispatcher.SendInput) error {
	form, err := c.MultipartForm()
	if err != nil {
		return models.NewValidationError("Invalid multipart form")
	}
	if v := form.Value["content"]; len(v) > 0 {
		in.Content = v[0]
	}
	if v := form.Value["replyTo"]; len(v) > 0 {
		in.ReplyTo = v[0]
	}

	files := form.File["files"]
	if len(files) > maxUploadFiles {
		return models.NewValidationError("too many attachments")
	}
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			return models.NewValidationError("unreadable attachment " + fh.Filename)
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			return models.NewValidationError("unreadable attachment " + fh.Filename)
		}
		in.Attachments = append(in.Attachments, attachment.Upload{
			Name:        fh.Filename,
			ContentType: fh.Header.Get(fiber.HeaderContentType),
			Data:        data,
		})
	}
	return nil
}

// MarkRead handles POST /api/rooms/:id/messages/:messageId/read
func (s *Server) MarkRead(c *fiber.Ctx) error {
	d, err := sessionFor(c)
	if err != nil {
		return respondError(c, err)
	}
	msg, err := d.MarkRead(c.Params("id"), c.Params("messageId"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(msg)
}

// MarkDelivered handles POST /api/rooms/:id/messages/:messageId/delivered
func (s *Server) MarkDelivered(c *fiber.Ctx) error {
	d, err := sessionFor(c)
	if err != nil {
		return respondError(c, err)
	}
	msg, err := d.MarkDelivered(c.Params("id"), c.Params("messageId"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(msg)
}

// MarkRoomRead handles POST /api/rooms/:id/read
func (s *Server) MarkRoomRead(c *fiber.Ctx) error {
	d, err := sessionFor(c)
	if err != nil {
		return respondError(c, err)
	}
	n, err := d.MarkRoomRead(c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"marked": n})
}

// GetTyping handles GET /api/rooms/:id/typing
func (s *Server) GetTyping(c *fiber.Ctx) error {
	d, err := sessionFor(c)
	if err != nil {
		return respondError(c, err)
	}
	typing, err := d.Typing(c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	if typing == nil {
		typing = []models.Typing{}
	}
	return c.JSON(typing)
}

// SetPresence handles PUT /api/rooms/:id/participants/:participantId/presence
func (s *Server) SetPresence(c *fiber.Ctx) error {
	d, err := sessionFor(c)
	if err != nil {
		return respondError(c, err)
	}
	var req struct {
		Online bool `json:"online"`
	}
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}
	if err := d.SetParticipantOnline(c.Params("id"), c.Params("participantId"), req.Online); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// SetLanguage handles PUT /api/session/language
func (s *Server) SetLanguage(c *fiber.Ctx) error {
	d, err := sessionFor(c)
	if err != nil {
		return respondError(c, err)
	}
	var req struct {
		Language string `json:"language"`
	}
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}
	if err := d.SetLanguage(req.Language); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"language": d.Language()})
}

// EndSession handles DELETE /api/session
func (s *Server) EndSession(c *fiber.Ctx) error {
	d, err := sessionFor(c)
	if err != nil {
		return respondError(c, err)
	}
	if err := s.sessions.Close(c.UserContext(), d.SessionID()); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// GetRecentAlerts handles GET /api/alerts
func (s *Server) GetRecentAlerts(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 20)
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	alerts, err := s.notifier.RecentAlerts(c.UserContext(), int64(limit))
	if err != nil {
		return models.RespondWithError(c, fiber.StatusInternalServerError, models.NewInternalError(err))
	}
	if alerts == nil {
		alerts = []models.Notification{}
	}
	return c.JSON(alerts)
}

// ServeMemoryAttachment serves blobs staged in the in-memory store.
func (s *Server) ServeMemoryAttachment(store *attachment.MemoryBlobStore) fiber.Handler {
	return func(c *fiber.Ctx) error {
		data, ok := store.Get(c.Params("*"))
		if !ok {
			return models.RespondWithError(c, fiber.StatusNotFound, models.NewNotFoundError("attachment", c.Params("*")))
		}
		c.Set(fiber.HeaderContentType, detectContentType(data))
		return c.Send(data)
	}
}
