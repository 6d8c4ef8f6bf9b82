package middleware

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"carelink/internal/observability"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestCheckRateLimit(t *testing.T) {
	mr, rdb := newRedis(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := CheckRateLimit(ctx, rdb, "send", "session:a", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := CheckRateLimit(ctx, rdb, "send", "session:a", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = CheckRateLimit(ctx, rdb, "send", "session:b", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(time.Minute + time.Second)
	ok, err = CheckRateLimit(ctx, rdb, "send", "session:a", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = CheckRateLimit(ctx, nil, "send", "x", 1, time.Minute)
	assert.ErrorIs(t, err, ErrNoStore)
}

func TestRateLimit_KeysBySession(t *testing.T) {
	_, rdb := newRedis(t)
	app := fiber.New()
	app.Post("/send", RateLimit(rdb, 1, time.Minute, "send"), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})

	do := func(session string) int {
		req := httptest.NewRequest(fiber.MethodPost, "/send", nil)
		req.Header.Set(SessionHeader, session)
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp.StatusCode
	}

	assert.Equal(t, fiber.StatusNoContent, do("a"))
	assert.Equal(t, fiber.StatusTooManyRequests, do("a"))
	assert.Equal(t, fiber.StatusNoContent, do("b"))
}

func TestRateLimit_FailPolicies(t *testing.T) {
	handler := func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) }

	app := fiber.New()
	app.Get("/open", RateLimit(nil, 1, time.Minute, "open"), handler)
	app.Get("/closed", RateLimitWithPolicy(nil, 1, time.Minute, FailClosed, "closed"), handler)
	app.Get("/off", RateLimitWithPolicy(nil, 0, time.Minute, FailClosed, "off"), handler)

	for path, want := range map[string]int{
		"/open":   fiber.StatusNoContent,
		"/closed": fiber.StatusServiceUnavailable,
		"/off":    fiber.StatusNoContent,
	} {
		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, path, nil))
		require.NoError(t, err)
		assert.Equal(t, want, resp.StatusCode, path)
	}
}

func TestContextMiddleware(t *testing.T) {
	app := fiber.New()
	app.Use(requestid.New(), ContextMiddleware(), StructuredLogger())
	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendString(observability.SessionID(c.UserContext()))
	})

	req := httptest.NewRequest(fiber.MethodGet, "/", nil)
	req.Header.Set(SessionHeader, "s-42")
	resp, err := app.Test(req)
	require.NoError(t, err)

	body := make([]byte, 16)
	n, _ := resp.Body.Read(body)
	assert.Equal(t, "s-42", string(body[:n]))
}

func TestTracingMiddleware_SetsTraceHeader(t *testing.T) {
	app := fiber.New()
	app.Use(TracingMiddleware())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Header.Get("X-Trace-ID"))
}
