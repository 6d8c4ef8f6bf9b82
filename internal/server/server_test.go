package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"carelink/internal/config"
	"carelink/internal/dispatcher"
	"carelink/internal/escalation"
	"carelink/internal/middleware"
	"carelink/internal/models"
	"carelink/internal/registry"
	"carelink/internal/testutil"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testEventuallyTimeout = 3 * time.Second
	testPollInterval      = 25 * time.Millisecond
)

func testConfig() *config.Config {
	return &config.Config{
		Port:                   "0",
		Env:                    "test",
		AITimeoutSeconds:       2,
		SendTimeoutSeconds:     2,
		SendRateLimitPerMin:    30,
		SessionIdleTimeoutMn:   30,
		AttachmentMaxSizeMB:    1,
		AttachmentAllowedTypes: "image/*,application/pdf",
	}
}

func newTestServer(t *testing.T, cfg *config.Config, rdb *redis.Client) *Server {
	t.Helper()
	rooms, err := registry.DefaultSeed()
	require.NoError(t, err)

	s, err := NewServerWithDeps(cfg, Deps{
		Redis:     rdb,
		Completer: testutil.StaticCompleter("Rest and drink plenty of fluids.", 5*time.Millisecond),
		Ledger:    escalation.NewMemoryLedger(),
		Transport: dispatcher.TransportFunc(func(context.Context, models.Message) error { return nil }),
		Rooms:     rooms,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func newMiniRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func request(method, path, session string, body any) *http.Request {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	if session != "" {
		req.Header.Set(middleware.SessionHeader, session)
	}
	return req
}

func do(t *testing.T, app *fiber.App, req *http.Request, out any) int {
	t.Helper()
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func multipartSend(t *testing.T, path, session, content string, files map[string][]byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("content", content))
	for name, data := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="files"; filename="`+name+`"`)
		h.Set("Content-Type", "application/octet-stream")
		part, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(fiber.MethodPost, path, &buf)
	req.Header.Set(fiber.HeaderContentType, w.FormDataContentType())
	req.Header.Set(middleware.SessionHeader, session)
	return req
}

func TestHealthChecks(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	app := s.App()

	assert.Equal(t, fiber.StatusOK, do(t, app, request(fiber.MethodGet, "/health/live", "", nil), nil))

	var ready struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	assert.Equal(t, fiber.StatusOK, do(t, app, request(fiber.MethodGet, "/health/ready", "", nil), &ready))
	assert.Equal(t, "healthy", ready.Status)
	assert.Equal(t, "disabled", ready.Checks["redis"])
	assert.Equal(t, "memory", ready.Checks["ledger"])
}

func TestRoutes_RequireSession(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)

	var body models.ErrorResponse
	status := do(t, s.App(), request(fiber.MethodGet, "/api/rooms", "", nil), &body)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, models.CodeValidation, body.Code)

	status = do(t, s.App(), request(fiber.MethodGet, "/api/rooms", "bad id!", nil), &body)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)

	var body models.ErrorResponse
	status := do(t, s.App(), request(fiber.MethodGet, "/api/nope", "", nil), &body)
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, models.CodeNotFound, body.Code)
}

func TestGetRooms_SeedsSession(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)

	var rooms []models.ChatRoom
	status := do(t, s.App(), request(fiber.MethodGet, "/api/rooms", "s-1", nil), &rooms)
	require.Equal(t, fiber.StatusOK, status)
	assert.Len(t, rooms, 4)
	assert.Equal(t, 1, s.Sessions().Count())
}

func TestSessions_KeepIdsAcrossRequests(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	app := s.App()

	req := request(fiber.MethodPost, "/api/rooms/support/messages", "session-aaaa", fiber.Map{"content": "Is the clinic open today?"})
	req.Header.Set("X-User-ID", "user-aaaa")
	var sent models.Message
	require.Equal(t, fiber.StatusCreated, do(t, app, req, &sent))

	// Later requests reuse the server's request buffers.
	for _, id := range []string{"session-bbbb", "session-cccc", "session-dddd", "session-eeee", "session-ffff"} {
		other := request(fiber.MethodGet, "/api/rooms", id, nil)
		other.Header.Set("X-User-ID", "user-"+id)
		require.Equal(t, fiber.StatusOK, do(t, app, other, nil))
	}

	assert.Equal(t, 6, s.Sessions().Count())
	d, ok := s.Sessions().Lookup("session-aaaa")
	require.True(t, ok)
	assert.Equal(t, "session-aaaa", d.SessionID())

	room, err := d.Room("support")
	require.NoError(t, err)
	user, ok := room.Participant(models.RoleUser)
	require.True(t, ok)
	assert.Equal(t, "user-aaaa", user.ID)

	var msgs []models.Message
	require.Equal(t, fiber.StatusOK, do(t, app, request(fiber.MethodGet, "/api/rooms/support/messages", "session-aaaa", nil), &msgs))
	require.NotEmpty(t, msgs)
	assert.Equal(t, sent.ID, msgs[0].ID)
	assert.Equal(t, 6, s.Sessions().Count(), "existing session must be found, not recreated")
}

func TestSendMessage_AssistantReplies(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	app := s.App()

	var sent models.Message
	status := do(t, app, request(fiber.MethodPost, "/api/rooms/ai-assistant/messages", "s-1",
		fiber.Map{"content": "I have a fever and headache"}), &sent)
	require.Equal(t, fiber.StatusCreated, status)
	assert.Equal(t, models.StatusSent, sent.Status)
	assert.Equal(t, models.RoleUser, sent.SenderType)
	assert.NotEmpty(t, sent.ID)

	assert.Eventually(t, func() bool {
		var msgs []models.Message
		do(t, app, request(fiber.MethodGet, "/api/rooms/ai-assistant/messages", "s-1", nil), &msgs)
		return len(msgs) == 2 && msgs[1].SenderType == models.RoleAI
	}, testEventuallyTimeout, testPollInterval)
}

func TestSendMessage_Errors(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	app := s.App()

	tests := []struct {
		name   string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown room", "/api/rooms/nowhere/messages", fiber.Map{"content": "hi"}, fiber.StatusNotFound, models.CodeInvalidRoom},
		{"empty content", "/api/rooms/support/messages", fiber.Map{"content": "   "}, fiber.StatusBadRequest, models.CodeValidation},
		{"malformed body", "/api/rooms/support/messages", "not an object", fiber.StatusBadRequest, models.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body models.ErrorResponse
			status := do(t, app, request(fiber.MethodPost, tt.path, "s-1", tt.body), &body)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, body.Code)
		})
	}
}

func TestSendMessage_WithAttachment(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	app := s.App()

	var sent models.Message
	req := multipartSend(t, "/api/rooms/dr-sarah-johnson/messages", "s-1", "my rash",
		map[string][]byte{"rash.png": testutil.TinyPNG(t, 4, 4)})
	require.Equal(t, fiber.StatusCreated, do(t, app, req, &sent))
	require.Len(t, sent.Attachments, 1)
	assert.Equal(t, models.AttachmentKindImage, sent.Attachments[0].Kind)
	assert.Equal(t, models.MessageKindImage, sent.Kind)

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, sent.Attachments[0].URL, nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get(fiber.HeaderContentType))
}

func TestSendMessage_RejectsUnsupportedAttachment(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	app := s.App()

	var body models.ErrorResponse
	req := multipartSend(t, "/api/rooms/dr-sarah-johnson/messages", "s-1", "notes",
		map[string][]byte{"notes.txt": []byte("plain text notes")})
	assert.Equal(t, fiber.StatusUnsupportedMediaType, do(t, app, req, &body))
	assert.Equal(t, models.CodeUnsupportedType, body.Code)

	var msgs []models.Message
	do(t, app, request(fiber.MethodGet, "/api/rooms/dr-sarah-johnson/messages", "s-1", nil), &msgs)
	assert.Empty(t, msgs)
}

func TestMessageStatusRoutes(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	app := s.App()

	var sent models.Message
	require.Equal(t, fiber.StatusCreated, do(t, app, request(fiber.MethodPost, "/api/rooms/support/messages", "s-1",
		fiber.Map{"content": "billing question"}), &sent))

	path := "/api/rooms/support/messages/" + sent.ID
	var updated models.Message
	assert.Equal(t, fiber.StatusOK, do(t, app, request(fiber.MethodPost, path+"/delivered", "s-1", nil), &updated))
	assert.Equal(t, models.StatusDelivered, updated.Status)

	assert.Equal(t, fiber.StatusOK, do(t, app, request(fiber.MethodPost, path+"/read", "s-1", nil), &updated))
	assert.Equal(t, models.StatusRead, updated.Status)

	var body models.ErrorResponse
	assert.Equal(t, fiber.StatusConflict, do(t, app, request(fiber.MethodPost, path+"/delivered", "s-1", nil), &body))
	assert.Equal(t, models.CodeInvalidTransition, body.Code)

	assert.Equal(t, fiber.StatusNotFound,
		do(t, app, request(fiber.MethodPost, "/api/rooms/support/messages/missing/read", "s-1", nil), nil))

	var marked struct {
		Marked int `json:"marked"`
	}
	assert.Equal(t, fiber.StatusOK, do(t, app, request(fiber.MethodPost, "/api/rooms/support/read", "s-1", nil), &marked))
	assert.Zero(t, marked.Marked)
}

func TestRoomLifecycleRoutes(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	app := s.App()

	var room models.ChatRoom
	require.Equal(t, fiber.StatusCreated, do(t, app, request(fiber.MethodPost, "/api/rooms/emergency", "s-1", nil), &room))
	assert.Equal(t, models.RoomKindEmergency, room.Kind)
	assert.True(t, room.IsActive)

	assert.Equal(t, fiber.StatusNoContent, do(t, app, request(fiber.MethodPut, "/api/rooms/"+room.ID+"/active", "s-1", nil), nil))
	assert.Equal(t, fiber.StatusNoContent, do(t, app, request(fiber.MethodPut,
		"/api/rooms/dr-michael-chen/participants/doctor-michael-chen/presence", "s-1", fiber.Map{"online": true}), nil))

	var typing []models.Typing
	assert.Equal(t, fiber.StatusOK, do(t, app, request(fiber.MethodGet, "/api/rooms/ai-assistant/typing", "s-1", nil), &typing))
	assert.Empty(t, typing)

	assert.Equal(t, fiber.StatusNoContent, do(t, app, request(fiber.MethodDelete, "/api/rooms/"+room.ID, "s-1", nil), nil))

	var body models.ErrorResponse
	status := do(t, app, request(fiber.MethodPost, "/api/rooms/"+room.ID+"/messages", "s-1", fiber.Map{"content": "help"}), &body)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestSessionRoutes(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	app := s.App()

	var lang struct {
		Language string `json:"language"`
	}
	assert.Equal(t, fiber.StatusOK, do(t, app, request(fiber.MethodPut, "/api/session/language", "s-1", fiber.Map{"language": "es"}), &lang))
	assert.Equal(t, "es", lang.Language)
	assert.Equal(t, fiber.StatusBadRequest, do(t, app, request(fiber.MethodPut, "/api/session/language", "s-1", fiber.Map{"language": "xx"}), nil))

	assert.Equal(t, fiber.StatusNoContent, do(t, app, request(fiber.MethodDelete, "/api/session", "s-1", nil), nil))
	assert.Zero(t, s.Sessions().Count())
}

func TestSendMessage_RateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.SendRateLimitPerMin = 1
	s := newTestServer(t, cfg, newMiniRedis(t))
	app := s.App()

	assert.Equal(t, fiber.StatusCreated, do(t, app, request(fiber.MethodPost, "/api/rooms/support/messages", "s-1", fiber.Map{"content": "one"}), nil))
	assert.Equal(t, fiber.StatusTooManyRequests, do(t, app, request(fiber.MethodPost, "/api/rooms/support/messages", "s-1", fiber.Map{"content": "two"}), nil))
	assert.Equal(t, fiber.StatusCreated, do(t, app, request(fiber.MethodPost, "/api/rooms/support/messages", "s-2", fiber.Map{"content": "one"}), nil))
}

func TestRecentAlerts(t *testing.T) {
	s := newTestServer(t, testConfig(), newMiniRedis(t))
	app := s.App()

	var emergency models.ChatRoom
	require.Equal(t, fiber.StatusCreated, do(t, app, request(fiber.MethodPost, "/api/rooms/emergency", "s-1", nil), &emergency))
	require.Equal(t, fiber.StatusCreated, do(t, app, request(fiber.MethodPost, "/api/rooms/"+emergency.ID+"/messages", "s-1",
		fiber.Map{"content": "chest pain"}), nil))

	assert.Eventually(t, func() bool {
		var alerts []models.Notification
		do(t, app, request(fiber.MethodGet, "/api/alerts", "", nil), &alerts)
		return len(alerts) == 1 && alerts[0].RoomID == emergency.ID
	}, testEventuallyTimeout, testPollInterval)
}

func TestWebSocket_RequiresUpgrade(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	assert.Equal(t, fiber.StatusUpgradeRequired, do(t, s.App(), request(fiber.MethodGet, "/ws?session=s-1", "", nil), nil))
}

func TestWebSocket_StreamsRoomEvents(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	app := s.App()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws?session=ws-1", nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() models.RoomEvent {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(testEventuallyTimeout)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var ev models.RoomEvent
		require.NoError(t, json.Unmarshal(data, &ev))
		return ev
	}

	first := read()
	assert.Equal(t, models.EventRoomsChanged, first.Type)
	assert.Len(t, first.Rooms, 4)

	require.NoError(t, conn.WriteJSON(wsCommand{Type: "active", RoomID: "support"}))
	assert.Equal(t, models.EventRoomsChanged, read().Type)

	d, ok := s.Sessions().Lookup("ws-1")
	require.True(t, ok)
	_, err = d.SendMessage(context.Background(), dispatcher.SendInput{RoomID: "support", Content: "hello"})
	require.NoError(t, err)

	for {
		ev := read()
		if ev.Type == models.EventMessageAppended {
			require.NotNil(t, ev.Message)
			assert.Equal(t, "hello", ev.Message.Content)
			assert.Equal(t, "ws-1", ev.SessionID)
			assert.False(t, ev.Background)
			return
		}
	}
}
