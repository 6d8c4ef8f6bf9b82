package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"carelink/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_RegisterAndBroadcast(t *testing.T) {
	hub := NewHub(nil)

	a, err := hub.Register("s1", nil)
	require.NoError(t, err)
	b, err := hub.Register("s1", nil)
	require.NoError(t, err)
	other, err := hub.Register("s2", nil)
	require.NoError(t, err)

	hub.Broadcast("s1", []byte("hello"))

	assert.Equal(t, "hello", string(<-a.Send))
	assert.Equal(t, "hello", string(<-b.Send))
	assert.Empty(t, other.Send)
	assert.Equal(t, 2, hub.Count("s1"))

	hub.UnregisterClient(a)
	hub.UnregisterClient(a) // second call is a no-op
	assert.Equal(t, 1, hub.Count("s1"))
	_, open := <-a.Send
	assert.False(t, open)

	require.NoError(t, hub.Shutdown(context.Background()))
	assert.Equal(t, 0, hub.Count("s1"))
}

func TestHub_SessionConnectionLimit(t *testing.T) {
	hub := NewHub(nil)
	for i := 0; i < maxConnsPerSession; i++ {
		_, err := hub.Register("s1", nil)
		require.NoError(t, err)
	}
	_, err := hub.Register("s1", nil)
	assert.True(t, errors.Is(err, ErrConnectionLimit))

	_, err = hub.Register("s2", nil)
	assert.NoError(t, err)
	_ = hub.Shutdown(context.Background())
}

func TestHub_TrySendDropsWhenFull(t *testing.T) {
	hub := NewHub(nil)
	c, err := hub.Register("s1", nil)
	require.NoError(t, err)

	for i := 0; i < sendBuffer+10; i++ {
		c.TrySend([]byte("x"))
	}
	assert.Len(t, c.Send, sendBuffer)

	hub.CloseSession("s1")
	assert.NotPanics(t, func() { c.TrySend([]byte("late")) })
}

func TestHub_PublishWithoutRedisDeliversLocally(t *testing.T) {
	hub := NewHub(NewNotifier(nil))
	c, err := hub.Register("s1", nil)
	require.NoError(t, err)

	hub.Publish(context.Background(), models.RoomEvent{Type: models.EventRoomsChanged, SessionID: "s1", RoomID: "ai"})

	var ev models.RoomEvent
	require.NoError(t, json.Unmarshal(<-c.Send, &ev))
	assert.Equal(t, models.EventRoomsChanged, ev.Type)
	_ = hub.Shutdown(context.Background())
}

func TestHub_PublishThroughRedis(t *testing.T) {
	rdb := newRedis(t)
	hub := NewHub(NewNotifier(rdb))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, hub.StartWiring(ctx))

	c, err := hub.Register("s1", nil)
	require.NoError(t, err)

	hub.Publish(ctx, models.RoomEvent{
		Type:      models.EventMessageAppended,
		SessionID: "s1",
		RoomID:    "ai",
		Message:   &models.Message{ID: "m1", Content: "hi"},
	})

	assert.Eventually(t, func() bool { return len(c.Send) == 1 }, testEventuallyTimeout, testPollInterval)
	var ev models.RoomEvent
	require.NoError(t, json.Unmarshal(<-c.Send, &ev))
	require.NotNil(t, ev.Message)
	assert.Equal(t, "m1", ev.Message.ID)
	_ = hub.Shutdown(context.Background())
}
