package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"carelink/internal/attachment"
	"carelink/internal/dispatcher"
	"carelink/internal/models"
	"carelink/internal/registry"
	"carelink/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testDeps(t *testing.T) Deps {
	t.Helper()
	rooms, err := registry.DefaultSeed()
	require.NoError(t, err)
	return Deps{
		Rooms:             rooms,
		Completer:         testutil.StaticCompleter("ok", 0),
		Blobs:             attachment.NewMemoryBlobStore("memory://test"),
		Limits:            attachment.DefaultLimits(),
		Transport:         dispatcher.SimulatedTransport{},
		AITimeout:         time.Second,
		EmergencyAckDelay: time.Millisecond,
	}
}

func TestManager_GetCreatesOncePerSession(t *testing.T) {
	m := NewManager(testDeps(t).Factory(), time.Minute)
	ctx := context.Background()

	a, err := m.Get(ctx, "abc-123", Profile{Name: "Pat"})
	require.NoError(t, err)
	again, err := m.Get(ctx, "abc-123", Profile{Name: "Someone else"})
	require.NoError(t, err)
	assert.Same(t, a, again)

	other, err := m.Get(ctx, "def-456", Profile{})
	require.NoError(t, err)
	assert.NotSame(t, a, other)
	assert.Equal(t, 2, m.Count())

	room, err := a.Room("ai-assistant")
	require.NoError(t, err)
	user, ok := room.Participant(models.RoleUser)
	require.True(t, ok)
	assert.Equal(t, "patient-abc-123", user.ID)
	assert.Equal(t, "Pat", user.Name)

	require.NoError(t, m.Shutdown(ctx))
	assert.Zero(t, m.Count())
}

func TestManager_SessionsAreIsolated(t *testing.T) {
	m := NewManager(testDeps(t).Factory(), time.Minute)
	ctx := context.Background()
	defer func() { _ = m.Shutdown(ctx) }()

	a, err := m.Get(ctx, "a", Profile{})
	require.NoError(t, err)
	b, err := m.Get(ctx, "b", Profile{})
	require.NoError(t, err)

	_, err = a.SendMessage(ctx, dispatcher.SendInput{RoomID: "support", Content: "hi"})
	require.NoError(t, err)

	msgs, err := b.ListMessages("support")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestManager_RejectsBadSessionIDs(t *testing.T) {
	m := NewManager(testDeps(t).Factory(), time.Minute)
	for _, id := range []string{"", "has space", "slash/y", string(make([]byte, MaxSessionIDLength+1))} {
		_, err := m.Get(context.Background(), id, Profile{})
		assert.Equal(t, models.CodeValidation, models.ErrorCode(err), "id %q", id)
	}
	assert.NoError(t, ValidateID("Session_1.ok-2"))
}

func TestManager_FactoryErrorIsReturned(t *testing.T) {
	boom := errors.New("boom")
	m := NewManager(func(string, Profile) (*dispatcher.Dispatcher, error) { return nil, boom }, time.Minute)
	_, err := m.Get(context.Background(), "x", Profile{})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, m.Count())
}

func TestManager_CloseRunsCallback(t *testing.T) {
	var closed []string
	m := NewManager(testDeps(t).Factory(), time.Minute, WithOnClose(func(id string) { closed = append(closed, id) }))
	ctx := context.Background()

	d, err := m.Get(ctx, "s1", Profile{})
	require.NoError(t, err)
	require.NoError(t, m.Close(ctx, "s1"))
	require.NoError(t, m.Close(ctx, "s1"))

	assert.True(t, d.Closed())
	assert.Equal(t, []string{"s1"}, closed)
	_, ok := m.Lookup("s1")
	assert.False(t, ok)
}

func TestManager_ReapIdle(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	m := NewManager(testDeps(t).Factory(), 10*time.Minute, WithClock(clock.Now))
	ctx := context.Background()

	idle, err := m.Get(ctx, "idle", Profile{})
	require.NoError(t, err)
	_, err = m.Get(ctx, "busy", Profile{})
	require.NoError(t, err)

	clock.Advance(6 * time.Minute)
	_, ok := m.Lookup("busy")
	require.True(t, ok)
	clock.Advance(6 * time.Minute)

	assert.Equal(t, 1, m.ReapIdle(ctx))
	assert.True(t, idle.Closed())
	_, ok = m.Lookup("idle")
	assert.False(t, ok)
	_, ok = m.Lookup("busy")
	assert.True(t, ok)

	require.NoError(t, m.Shutdown(ctx))
}

func TestManager_ReaperStopsOnShutdown(t *testing.T) {
	m := NewManager(testDeps(t).Factory(), time.Nanosecond)
	ctx := context.Background()
	_, err := m.Get(ctx, "s", Profile{})
	require.NoError(t, err)

	m.StartReaper(5 * time.Millisecond)
	assert.Eventually(t, func() bool { return m.Count() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Shutdown(ctx))
	require.NoError(t, m.Shutdown(ctx))
}

func TestManager_ShutdownWaitsForReplies(t *testing.T) {
	deps := testDeps(t)
	deps.Completer = testutil.StaticCompleter("answer", 30*time.Millisecond)
	m := NewManager(deps.Factory(), time.Minute)
	ctx := context.Background()

	d, err := m.Get(ctx, "s", Profile{})
	require.NoError(t, err)
	_, err = d.SendMessage(ctx, dispatcher.SendInput{RoomID: "ai-assistant", Content: "hi"})
	require.NoError(t, err)

	require.NoError(t, m.Shutdown(ctx))
	msgs, err := d.ListMessages("ai-assistant")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}
