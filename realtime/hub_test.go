package realtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engagekit/core"
	"engagekit/engine"
)

func pointsEvent(t *testing.T, user core.UserID) core.Event {
	t.Helper()
	ev, err := core.NewTypedEvent("test", core.PointsAwarded{UserID: user, ActionType: "quiz", Delta: 10, Balance: 10})
	require.NoError(t, err)
	return ev
}

func TestHubSubscribeBroadcastUnsubscribe(t *testing.T) {
	h := NewHub()
	id, ch := h.Subscribe(1, Filter{})

	h.Broadcast(context.Background(), pointsEvent(t, "bob"))

	received := <-ch
	u, _ := received.UserID()
	assert.Equal(t, core.UserID("bob"), u)
	assert.Equal(t, core.TopicPointsAwarded, received.Type)

	h.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok, "expected channel closed after unsubscribe")
	assert.Equal(t, 0, h.Clients())
}

func TestHubFilters(t *testing.T) {
	h := NewHub()
	streakOnly, err := engine.ParsePattern("gamification.streak.*")
	require.NoError(t, err)
	_, bobCh := h.Subscribe(4, Filter{UserID: "bob"})
	_, streakCh := h.Subscribe(4, Filter{Pattern: &streakOnly})

	require.NoError(t, h.Handle(context.Background(), pointsEvent(t, "alice")))
	require.NoError(t, h.Handle(context.Background(), pointsEvent(t, "bob")))
	st, err := core.NewTypedEvent("test", core.StreakUpdated{UserID: "alice", Kind: "daily_activity", Current: 2})
	require.NoError(t, err)
	require.NoError(t, h.Handle(context.Background(), st))

	assert.Len(t, bobCh, 1)
	require.Len(t, streakCh, 1)
	assert.Equal(t, core.TopicStreakUpdated, (<-streakCh).Type)
}

func TestHubDropsForSlowClients(t *testing.T) {
	h := NewHub()
	_, ch := h.Subscribe(1, Filter{})
	for i := 0; i < 3; i++ {
		h.Broadcast(context.Background(), pointsEvent(t, "a"))
	}
	assert.Len(t, ch, 1)
	assert.Equal(t, int64(2), h.Dropped())
}

func TestMarshalJSON(t *testing.T) {
	ev := pointsEvent(t, "alice")
	out, err := core.Decode(MarshalJSON(ev))
	require.NoError(t, err)
	assert.Equal(t, ev.ID, out.ID)
}
