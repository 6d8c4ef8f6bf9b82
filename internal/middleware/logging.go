// Package middleware holds the Fiber middleware shared by the HTTP surface.
package middleware

import (
	"log/slog"
	"time"

	"carelink/internal/observability"

	"github.com/gofiber/fiber/v2"
)

// SessionHeader carries the chat session id on REST requests.
const SessionHeader = "X-Session-ID"

// ContextMiddleware copies the request id and session id into the request
// context so the context-aware logger picks them up in deeper layers.
func ContextMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx := c.UserContext()

		if rid, ok := c.Locals("requestid").(string); ok && rid != "" {
			ctx = observability.WithRequestID(ctx, rid)
		}
		if sid := c.Get(SessionHeader); sid != "" {
			ctx = observability.WithSessionID(ctx, sid)
		}

		c.SetUserContext(ctx)
		return c.Next()
	}
}

// StructuredLogger logs every request with slog.
func StructuredLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		fields := []any{
			slog.Int("status", c.Response().StatusCode()),
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.String("ip", c.IP()),
			slog.Duration("latency", time.Since(start)),
			slog.String("user_agent", c.Get("User-Agent")),
		}

		if err != nil {
			fields = append(fields, slog.String("error", err.Error()))
			observability.Logger.ErrorContext(c.UserContext(), "request failed", fields...)
		} else {
			observability.Logger.InfoContext(c.UserContext(), "request processed", fields...)
		}

		return err
	}
}
