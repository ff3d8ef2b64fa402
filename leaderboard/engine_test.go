package leaderboard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engagekit/core"
	"engagekit/streaks"
)

type changes struct {
	mu  sync.Mutex
	got []core.LeaderboardChanged
}

func (c *changes) Publish(_ context.Context, ev core.Event) error {
	p, err := core.DecodePayload[core.LeaderboardChanged](ev)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.got = append(c.got, p)
	c.mu.Unlock()
	return nil
}

func award(t *testing.T, user core.UserID, delta int64, at time.Time) core.Event {
	t.Helper()
	ev, err := core.NewTypedEvent("points", core.PointsAwarded{UserID: user, ActionType: "quiz", Delta: delta}, core.WithTimestamp(at))
	require.NoError(t, err)
	return ev
}

func users(s []Standing) []core.UserID {
	out := make([]core.UserID, len(s))
	for i, st := range s {
		out[i] = st.User
	}
	return out
}

func TestPointsFeedWeeklyAndTotal(t *testing.T) {
	e := New()
	ctx := context.Background()
	require.NoError(t, e.Handle(ctx, award(t, "a", 50, t0)))
	require.NoError(t, e.Handle(ctx, award(t, "b", 80, t0)))
	require.NoError(t, e.Handle(ctx, award(t, "c", 50, t0.Add(time.Minute))))

	ded, err := core.NewTypedEvent("points", core.PointsDeducted{UserID: "b", Delta: -40, Reason: "shop"})
	require.NoError(t, err)
	require.NoError(t, e.Handle(ctx, ded))

	total, err := e.Top(TotalPoints, 10)
	require.NoError(t, err)
	assert.Equal(t, []core.UserID{"a", "c", "b"}, users(total))

	weekly, err := e.Top(WeeklyPoints, 10)
	require.NoError(t, err)
	assert.Equal(t, []core.UserID{"b", "a", "c"}, users(weekly))

	assert.Equal(t, 3, e.ResetWeekly())
	weekly, err = e.Top(WeeklyPoints, 10)
	require.NoError(t, err)
	assert.Empty(t, weekly)
	assert.Equal(t, 3, e.Len(TotalPoints))
}

func TestReplayIsIgnored(t *testing.T) {
	e := New()
	ev := award(t, "a", 10, t0)
	for i := 0; i < 3; i++ {
		require.NoError(t, e.Handle(context.Background(), ev))
	}
	st, ok, err := e.Rank("a", TotalPoints)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(10), st.Score)
}

func TestOptOutHidesButKeepsScoring(t *testing.T) {
	e := New()
	ctx := context.Background()
	require.NoError(t, e.Handle(ctx, award(t, "a", 100, t0)))
	require.NoError(t, e.Handle(ctx, award(t, "b", 90, t0)))
	require.NoError(t, e.Handle(ctx, award(t, "c", 80, t0)))

	e.SetOptOut("a", true)
	require.NoError(t, e.Handle(ctx, award(t, "a", 5, t0)))

	top, err := e.Top(TotalPoints, 2)
	require.NoError(t, err)
	assert.Equal(t, []core.UserID{"b", "c"}, users(top))
	assert.Equal(t, 1, top[0].Rank)

	st, ok, err := e.Rank("c", TotalPoints)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, st.Rank)

	hidden, ok, err := e.Rank("a", TotalPoints)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, hidden.Hidden)
	assert.Equal(t, int64(105), hidden.Score)

	e.SetOptOut("a", false)
	top, err = e.Top(TotalPoints, 1)
	require.NoError(t, err)
	assert.Equal(t, core.UserID("a"), top[0].User)
}

func TestStreakCategory(t *testing.T) {
	e := New()
	ctx := context.Background()
	for _, tc := range []struct {
		user core.UserID
		kind string
		cur  int
	}{{"a", streaks.KindDaily, 3}, {"b", streaks.KindDaily, 9}, {"c", "reading", 50}} {
		ev, err := core.NewTypedEvent("streaks", core.StreakUpdated{UserID: tc.user, Kind: tc.kind, Current: tc.cur})
		require.NoError(t, err)
		require.NoError(t, e.Handle(ctx, ev))
	}
	top, err := e.Top(CurrentStreak, 5)
	require.NoError(t, err)
	assert.Equal(t, []core.UserID{"b", "a"}, users(top))
}

func TestPublishesMovesInsideTopWindow(t *testing.T) {
	pub := &changes{}
	e := New(WithPublisher(pub), WithTopWindow(2))
	ctx := context.Background()

	require.NoError(t, e.Handle(ctx, award(t, "a", 100, t0)))
	require.NoError(t, e.Handle(ctx, award(t, "b", 50, t0)))
	require.NoError(t, e.Handle(ctx, award(t, "c", 10, t0)))
	pub.mu.Lock()
	pub.got = nil
	pub.mu.Unlock()

	// c jumps from 3rd to 1st on both boards
	require.NoError(t, e.Handle(ctx, award(t, "c", 500, t0)))
	require.Len(t, pub.got, 2)
	for _, ch := range pub.got {
		assert.Equal(t, core.UserID("c"), ch.UserID)
		assert.Equal(t, 3, ch.OldRank)
		assert.Equal(t, 1, ch.NewRank)
	}

	pub.got = nil
	// a stays 2nd: no event
	require.NoError(t, e.Handle(ctx, award(t, "a", 1, t0)))
	assert.Empty(t, pub.got)
}

func TestUnknownCategory(t *testing.T) {
	e := New()
	_, err := e.Top("monthly", 5)
	assert.ErrorIs(t, err, core.ErrValidation)
	_, _, err = e.Rank("a", "monthly")
	assert.ErrorIs(t, err, core.ErrValidation)
}
