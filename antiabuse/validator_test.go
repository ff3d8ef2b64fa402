package antiabuse

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engagekit/core"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock { return &fakeClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newValidator(cfg Config) (*Validator, *fakeClock) {
	clk := newClock()
	return New(NewMemoryStore(0, 0), WithConfig(cfg), WithClock(clk.Now)), clk
}

func TestPerActionRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ActionLimits = map[string]int{"quiz": 3}
	v, clk := newValidator(cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := v.Validate(ctx, "u1", "quiz", nil)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAllow, d.Outcome)
		clk.Advance(5 * time.Second)
	}
	d, err := v.Validate(ctx, "u1", "quiz", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeny, d.Outcome)
	assert.Equal(t, core.ReasonRateLimited, d.Reason)

	// other actions are unaffected
	d, err = v.Validate(ctx, "u1", "daily_login", nil)
	require.NoError(t, err)
	assert.True(t, d.Allowed())

	// the window slides
	clk.Advance(time.Hour)
	d, err = v.Validate(ctx, "u1", "quiz", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAllow, d.Outcome)
}

func TestRapidFireAcrossActions(t *testing.T) {
	v, clk := newValidator(DefaultConfig())
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		d, err := v.Validate(ctx, "u1", fmt.Sprintf("act_%d", i), nil)
		require.NoError(t, err)
		require.Equal(t, OutcomeAllow, d.Outcome, "action %d", i)
		clk.Advance(time.Second)
	}
	d, err := v.Validate(ctx, "u1", "act_x", nil)
	require.NoError(t, err)
	assert.Equal(t, core.ReasonRapidFire, d.Reason)
}

func TestRepeatedContextIsDenied(t *testing.T) {
	v, clk := newValidator(DefaultConfig())
	ctx := context.Background()
	payload := map[string]any{"answer": "b", "question": 7}
	for i := 0; i < 5; i++ {
		d, err := v.Validate(ctx, "u1", "quiz", payload)
		require.NoError(t, err)
		require.Equal(t, OutcomeAllow, d.Outcome)
		clk.Advance(10 * time.Second)
	}
	d, err := v.Validate(ctx, "u1", "quiz", map[string]any{"question": 7, "answer": "b"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeny, d.Outcome)
	assert.Equal(t, core.ReasonRepeatedContext, d.Reason)
}

func TestMultiAccountFromOneNetwork(t *testing.T) {
	v, _ := newValidator(DefaultConfig())
	ctx := context.Background()
	net := map[string]any{"ip": "10.0.0.1"}
	for _, u := range []core.UserID{"a", "b", "c"} {
		d, err := v.Validate(ctx, u, "daily_login", net)
		require.NoError(t, err)
		require.True(t, d.Allowed())
	}
	d, err := v.Validate(ctx, "d", "daily_login", net)
	require.NoError(t, err)
	assert.Equal(t, core.ReasonMultiAccount, d.Reason)

	d, err = v.Validate(ctx, "e", "daily_login", map[string]any{"ip": "10.0.0.2"})
	require.NoError(t, err)
	assert.True(t, d.Allowed())
}

func TestLongSessionIsPenalized(t *testing.T) {
	v, clk := newValidator(DefaultConfig())
	ctx := context.Background()
	var d Decision
	var err error
	for i := 0; i < 20; i++ {
		d, err = v.Validate(ctx, "u1", "chat", nil)
		require.NoError(t, err)
		clk.Advance(20 * time.Minute)
	}
	assert.Equal(t, OutcomePenalize, d.Outcome)
	assert.Equal(t, core.ReasonSessionTooLong, d.Reason)
	assert.Equal(t, 0.5, d.PenaltyFactor)

	// a break longer than the session gap starts over
	clk.Advance(time.Hour)
	d, err = v.Validate(ctx, "u1", "chat", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAllow, d.Outcome)
}

func TestEscalationPenaltyThenCooldown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ActionLimits = map[string]int{"spam": 1}
	v, clk := newValidator(cfg)
	ctx := context.Background()

	d, err := v.Validate(ctx, "u1", "spam", nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeAllow, d.Outcome)

	for i := 0; i < 3; i++ {
		d, err = v.Validate(ctx, "u1", "spam", nil)
		require.NoError(t, err)
		require.Equal(t, core.ReasonRateLimited, d.Reason)
	}
	assert.Equal(t, 15*time.Minute, d.RetryAfter)

	d, err = v.Validate(ctx, "u1", "daily_login", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeny, d.Outcome)
	assert.Equal(t, core.ReasonCooldownActive, d.Reason)
	assert.Equal(t, 15*time.Minute, d.RetryAfter)

	clk.Advance(16 * time.Minute)
	d, err = v.Validate(ctx, "u1", "daily_login", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomePenalize, d.Outcome)
	assert.Equal(t, core.ReasonPenaltyActive, d.Reason)
	assert.Equal(t, 0.5, d.PenaltyFactor)

	clk.Advance(15 * time.Minute)
	d, err = v.Validate(ctx, "u1", "daily_login", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAllow, d.Outcome, "penalties are temporary")
}

func TestForceAllowIsOneShotAndAudited(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ActionLimits = map[string]int{"quiz": 1}
	v, _ := newValidator(cfg)
	ctx := context.Background()

	_, err := v.Validate(ctx, "u1", "quiz", nil)
	require.NoError(t, err)
	d, err := v.Validate(ctx, "u1", "quiz", nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeDeny, d.Outcome)

	require.NoError(t, v.ForceAllow(ctx, "u1", "quiz", "admin_7"))
	d, err = v.Validate(ctx, "u1", "quiz", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAllow, d.Outcome)
	assert.True(t, d.Forced)
	assert.Equal(t, "admin_7", d.ApprovedBy)

	d, err = v.Validate(ctx, "u1", "quiz", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeny, d.Outcome)

	audit := v.Audit()
	require.Len(t, audit, 1)
	assert.Equal(t, "admin_7", audit[0].AdminID)
	assert.Equal(t, core.UserID("u1"), audit[0].UserID)

	assert.ErrorIs(t, v.ForceAllow(ctx, "u1", "quiz", ""), core.ErrValidation)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []core.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev core.Event) error {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return nil
}

func TestForceAllowPublishesAdminAction(t *testing.T) {
	pub := &recordingPublisher{}
	v := New(NewMemoryStore(0, 0), WithPublisher(pub))
	ctx := context.Background()

	require.NoError(t, v.ForceAllow(ctx, "u1", "quiz", "admin_7"))
	require.Len(t, pub.events, 1)
	assert.Equal(t, core.TopicAdminAction, pub.events[0].Type)
	p, err := core.DecodePayload[core.AdminAction](pub.events[0])
	require.NoError(t, err)
	assert.Equal(t, "admin_7", p.AdminID)
	assert.Equal(t, core.UserID("u1"), p.UserID)
	assert.Equal(t, "quiz", p.Details["action_type"])

	assert.Error(t, v.ForceAllow(ctx, "u1", "quiz", ""))
	assert.Len(t, pub.events, 1, "rejected overrides publish nothing")
}

func TestResetClearsState(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ActionLimits = map[string]int{"quiz": 1}
	v, _ := newValidator(cfg)
	ctx := context.Background()
	_, _ = v.Validate(ctx, "u1", "quiz", nil)
	require.NoError(t, v.Reset(ctx))
	d, err := v.Validate(ctx, "u1", "quiz", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAllow, d.Outcome)
}

func TestMemoryStoreIsBounded(t *testing.T) {
	s := NewMemoryStore(8, time.Hour)
	ctx := context.Background()
	now := time.Now()
	for i := 0; i < 100; i++ {
		_, err := s.Hit(ctx, fmt.Sprintf("k%d", i), now, time.Minute)
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, s.Len(), 8)
}

func TestMemoryStoreFlagExpiry(t *testing.T) {
	s := NewMemoryStore(0, 0)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.SetFlag(ctx, "f", "v", now, time.Minute))
	v, ok, err := s.GetFlag(ctx, "f", now.Add(30*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)
	_, ok, err = s.GetFlag(ctx, "f", now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
}
