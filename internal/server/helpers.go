package server

import (
	"errors"
	"strings"

	"carelink/internal/dispatcher"
	"carelink/internal/middleware"
	"carelink/internal/models"
	"carelink/internal/session"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gofiber/fiber/v2"
)

const dispatcherLocal = "dispatcher"

// respondError writes err with the status its code maps to.
func respondError(c *fiber.Ctx, err error) error {
	return models.RespondWithError(c, models.StatusForError(err), err)
}

// profileFromRequest reads the optional patient identity headers.
func profileFromRequest(c *fiber.Ctx) session.Profile {
	return session.Profile{
		UserID:   strings.TrimSpace(c.Get("X-User-ID")),
		Name:     strings.TrimSpace(c.Get("X-User-Name")),
		Language: preferredLanguage(c.Get(fiber.HeaderAcceptLanguage)),
	}
}

// preferredLanguage returns the primary subtag of the first Accept-Language entry.
func preferredLanguage(header string) string {
	first, _, _ := strings.Cut(header, ",")
	first, _, _ = strings.Cut(first, ";")
	first = strings.TrimSpace(first)
	if first == "" || first == "*" {
		return ""
	}
	tag, _, _ := strings.Cut(first, "-")
	return strings.ToLower(tag)
}

// SessionRequired resolves the caller's session from X-Session-ID, creating it
// on first use, and stores its dispatcher in locals.
func (s *Server) SessionRequired() fiber.Handler {
	return func(c *fiber.Ctx) error {
		d, err := s.sessions.Get(c.UserContext(), c.Get(middleware.SessionHeader), profileFromRequest(c))
		if err != nil {
			return respondError(c, err)
		}
		c.Locals(dispatcherLocal, d)
		return c.Next()
	}
}

// sessionFor returns the dispatcher SessionRequired resolved.
func sessionFor(c *fiber.Ctx) (*dispatcher.Dispatcher, error) {
	d, ok := c.Locals(dispatcherLocal).(*dispatcher.Dispatcher)
	if !ok || d == nil {
		return nil, models.NewInternalError(errors.New("session not resolved"))
	}
	return d, nil
}

// detectContentType sniffs stored attachment bytes.
func detectContentType(data []byte) string {
	return mimetype.Detect(data).String()
}
