package achievements

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engagekit/core"
)

type recorder struct {
	mu     sync.Mutex
	events []core.Event
}

func (r *recorder) Publish(_ context.Context, ev core.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) unlocked(t *testing.T) []core.AchievementUnlocked {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.AchievementUnlocked
	for _, ev := range r.events {
		p, err := core.DecodePayload[core.AchievementUnlocked](ev)
		require.NoError(t, err)
		out = append(out, p)
	}
	return out
}

func awarded(t *testing.T, user core.UserID, action string, delta int64) core.Event {
	t.Helper()
	ev, err := core.NewTypedEvent("points", core.PointsAwarded{UserID: user, TransactionID: "tx", ActionType: action, BaseAmount: delta, Delta: delta, Balance: delta})
	require.NoError(t, err)
	return ev
}

func TestUnlocksOnceAtThreshold(t *testing.T) {
	rec := &recorder{}
	e, err := New(WithPublisher(rec))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, e.Handle(ctx, awarded(t, "u1", "quiz", 60)))
	assert.Empty(t, e.Unlocked("u1"))

	require.NoError(t, e.Handle(ctx, awarded(t, "u1", "quiz", 60)))
	got := e.Unlocked("u1")
	require.Len(t, got, 1)
	assert.Equal(t, "points_100", got[0].Achievement.ID)

	require.NoError(t, e.Handle(ctx, awarded(t, "u1", "quiz", 1)))
	assert.Len(t, e.Unlocked("u1"), 1)

	pub := rec.unlocked(t)
	require.Len(t, pub, 1)
	assert.Equal(t, core.UserID("u1"), pub[0].UserID)
	assert.Equal(t, "bronze", pub[0].Tier)
}

func TestReplayedEventIgnored(t *testing.T) {
	e, err := New()
	require.NoError(t, err)
	ev := awarded(t, "u1", "quiz", 80)
	for i := 0; i < 5; i++ {
		require.NoError(t, e.Handle(context.Background(), ev))
	}
	p := e.Progress("u1")
	assert.Equal(t, int64(80), p.LifetimePoints)
	assert.Equal(t, int64(1), p.Transactions)
	assert.Empty(t, e.Unlocked("u1"))
}

func TestStreakAndActionKinds(t *testing.T) {
	rec := &recorder{}
	e, err := New(WithPublisher(rec))
	require.NoError(t, err)
	ctx := context.Background()

	ev, err := core.NewTypedEvent("streaks", core.StreakUpdated{UserID: "u2", Kind: "daily", Current: 7, Longest: 7})
	require.NoError(t, err)
	require.NoError(t, e.Handle(ctx, ev))

	for i := 0; i < 10; i++ {
		act, err := core.NewTypedEvent("app", core.UserActivity{UserID: "u2", Action: "quiz"})
		require.NoError(t, err)
		require.NoError(t, e.Handle(ctx, act))
	}

	ids := map[string]bool{}
	for _, u := range e.Unlocked("u2") {
		ids[u.Achievement.ID] = true
	}
	assert.True(t, ids["streak_7"])
	assert.True(t, ids["quiz_10"])
	assert.False(t, ids["streak_30"])
	assert.Len(t, rec.unlocked(t), 2)
}

func TestRegisterValidates(t *testing.T) {
	e, err := New(WithCatalog(nil))
	require.NoError(t, err)

	err = e.Register(Achievement{ID: "x", Tier: "diamond", Kind: KindTransactions, Threshold: 1})
	assert.ErrorIs(t, err, core.ErrValidation)
	err = e.Register(Achievement{ID: "x", Tier: TierGold, Kind: KindActionCount, Threshold: 1})
	assert.ErrorIs(t, err, core.ErrValidation)

	require.NoError(t, e.Register(Achievement{ID: "first", Name: "First", Tier: TierBronze, Kind: KindTransactions, Threshold: 1}))
	assert.ErrorIs(t, e.Register(Achievement{ID: "first", Tier: TierBronze, Kind: KindTransactions, Threshold: 1}), core.ErrValidation)

	require.NoError(t, e.Handle(context.Background(), awarded(t, "u3", "x", 1)))
	assert.Len(t, e.Unlocked("u3"), 1)
}

func TestConcurrentHandlersUnlockOnce(t *testing.T) {
	rec := &recorder{}
	e, err := New(WithPublisher(rec), WithClock(func() time.Time { return time.Unix(0, 0) }))
	require.NoError(t, err)

	events := make([]core.Event, 50)
	for i := range events {
		events[i] = awarded(t, "u4", "quiz", 10)
	}
	var wg sync.WaitGroup
	for _, ev := range events {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.Handle(context.Background(), ev)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(500), e.Progress("u4").LifetimePoints)
	count := 0
	for _, u := range rec.unlocked(t) {
		if u.AchievementID == "points_100" {
			count++
		}
	}
	assert.Equal(t, 1, count)
	lvl, err := e.Level(context.Background(), "u4")
	require.NoError(t, err)
	assert.Equal(t, core.DefaultLevel(500), lvl)
}

func TestIgnoresEventsWithoutUser(t *testing.T) {
	e, err := New()
	require.NoError(t, err)
	ev, err := core.NewEvent(core.TopicSystemError, "test", map[string]any{"message": "boom"})
	require.NoError(t, err)
	assert.NoError(t, e.Handle(context.Background(), ev))
}
