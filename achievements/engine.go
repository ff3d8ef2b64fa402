// Package achievements folds ledger and activity events into per-user
// progress and unlocks tiered achievements exactly once.
package achievements

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"engagekit/core"
	"engagekit/engine"
)

// Progress is the cumulative state achievements are evaluated against.
type Progress struct {
	LifetimePoints int64            `json:"lifetime_points"`
	Transactions   int64            `json:"transactions"`
	LongestStreak  int              `json:"longest_streak"`
	Actions        map[string]int64 `json:"actions"`
}

func (p Progress) clone() Progress {
	cp := p
	cp.Actions = make(map[string]int64, len(p.Actions))
	for k, v := range p.Actions {
		cp.Actions[k] = v
	}
	return cp
}

type Unlock struct {
	Achievement Achievement `json:"achievement"`
	UnlockedAt  time.Time   `json:"unlocked_at"`
	TriggerID   string      `json:"trigger_event_id"`
}

type userState struct {
	progress Progress
	unlocked map[string]Unlock
}

type Option func(*Engine)

func WithPublisher(p engine.Publisher) Option { return func(e *Engine) { e.bus = p } }
func WithCatalog(c []Achievement) Option      { return func(e *Engine) { e.catalog = c } }
func WithClock(now func() time.Time) Option   { return func(e *Engine) { e.now = now } }
func WithDedupe(size int, ttl time.Duration) Option {
	return func(e *Engine) { e.dedupeSize, e.dedupeTTL = size, ttl }
}
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// Engine is an engine.Handler. Replayed events (same event id) are ignored
// while the id is remembered, and each (user, achievement) unlocks at most once.
type Engine struct {
	bus        engine.Publisher
	logger     *slog.Logger
	now        func() time.Time
	dedupeSize int
	dedupeTTL  time.Duration
	seen       *expirable.LRU[string, struct{}]

	mu      sync.Mutex
	catalog []Achievement
	users   map[core.UserID]*userState
}

func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		logger:     slog.Default(),
		now:        time.Now,
		catalog:    DefaultCatalog(),
		dedupeSize: 100_000,
		dedupeTTL:  24 * time.Hour,
		users:      make(map[core.UserID]*userState),
	}
	for _, o := range opts {
		o(e)
	}
	for _, a := range e.catalog {
		if err := a.validate(); err != nil {
			return nil, fmt.Errorf("achievement %q: %w", a.ID, err)
		}
	}
	e.seen = expirable.NewLRU[string, struct{}](e.dedupeSize, nil, e.dedupeTTL)
	e.logger = e.logger.With("component", "achievements")
	return e, nil
}

// Register adds an achievement to the catalog. Existing progress is evaluated
// against it on the user's next event.
func (e *Engine) Register(a Achievement) error {
	if err := a.validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.catalog {
		if existing.ID == a.ID {
			return &core.ValidationError{Field: "id", Reason: fmt.Sprintf("achievement %q already registered", a.ID)}
		}
	}
	e.catalog = append(e.catalog, a)
	return nil
}

func (e *Engine) Catalog() []Achievement {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Achievement(nil), e.catalog...)
}

// Patterns lists the subscriptions Handle expects.
func (e *Engine) Patterns() []string {
	return []string{"gamification.points.*", string(core.TopicStreakUpdated), string(core.TopicUserActivity)}
}

func (e *Engine) Handle(ctx context.Context, ev core.Event) error {
	if e.seen.Contains(ev.ID) {
		return nil
	}
	user, ok := ev.UserID()
	if !ok {
		return nil
	}

	e.mu.Lock()
	if e.seen.Contains(ev.ID) {
		e.mu.Unlock()
		return nil
	}
	st := e.state(user)
	if err := fold(&st.progress, ev); err != nil {
		e.mu.Unlock()
		return err
	}
	var fresh []Unlock
	for _, a := range e.catalog {
		if _, done := st.unlocked[a.ID]; done || !a.Met(st.progress) {
			continue
		}
		u := Unlock{Achievement: a, UnlockedAt: e.now().UTC(), TriggerID: ev.ID}
		st.unlocked[a.ID] = u
		fresh = append(fresh, u)
	}
	e.seen.Add(ev.ID, struct{}{})
	e.mu.Unlock()

	for _, u := range fresh {
		e.logger.InfoContext(ctx, "achievement unlocked", "user_id", user, "achievement", u.Achievement.ID)
		e.publish(ctx, user, u, ev)
	}
	return nil
}

func fold(p *Progress, ev core.Event) error {
	switch ev.Type {
	case core.TopicPointsAwarded:
		pl, err := core.DecodePayload[core.PointsAwarded](ev)
		if err != nil {
			return err
		}
		lifetime, err := core.AddSafe(p.LifetimePoints, pl.Delta)
		if err != nil {
			return err
		}
		p.LifetimePoints = lifetime
		p.Transactions++
		p.Actions[pl.ActionType]++
	case core.TopicPointsDeducted:
		p.Transactions++
	case core.TopicStreakUpdated:
		pl, err := core.DecodePayload[core.StreakUpdated](ev)
		if err != nil {
			return err
		}
		if pl.Current > p.LongestStreak {
			p.LongestStreak = pl.Current
		}
		if pl.Longest > p.LongestStreak {
			p.LongestStreak = pl.Longest
		}
	case core.TopicUserActivity:
		pl, err := core.DecodePayload[core.UserActivity](ev)
		if err != nil {
			return err
		}
		if pl.Action != "" {
			p.Actions[pl.Action]++
		}
	}
	return nil
}

func (e *Engine) state(user core.UserID) *userState {
	st, ok := e.users[user]
	if !ok {
		st = &userState{progress: Progress{Actions: map[string]int64{}}, unlocked: map[string]Unlock{}}
		e.users[user] = st
	}
	return st
}

func (e *Engine) publish(ctx context.Context, user core.UserID, u Unlock, trigger core.Event) {
	if e.bus == nil {
		return
	}
	opts := []core.EventOption{}
	if trigger.CorrelationID != nil {
		opts = append(opts, core.WithCorrelationID(*trigger.CorrelationID))
	}
	ev, err := core.NewTypedEvent("achievements", core.AchievementUnlocked{
		UserID:        user,
		AchievementID: u.Achievement.ID,
		Name:          u.Achievement.Name,
		Tier:          string(u.Achievement.Tier),
		TriggerEvent:  trigger.ID,
	}, opts...)
	if err != nil {
		e.logger.ErrorContext(ctx, "build unlock event", "error", err)
		return
	}
	if err := e.bus.Publish(ctx, ev); err != nil {
		e.logger.WarnContext(ctx, "publish unlock", "user_id", user, "achievement", u.Achievement.ID, "error", err)
	}
}

// Unlocked lists a user's achievements in unlock order.
func (e *Engine) Unlocked(user core.UserID) []Unlock {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.users[user]
	if !ok {
		return nil
	}
	out := make([]Unlock, 0, len(st.unlocked))
	for _, u := range st.unlocked {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UnlockedAt.Equal(out[j].UnlockedAt) {
			return out[i].Achievement.ID < out[j].Achievement.ID
		}
		return out[i].UnlockedAt.Before(out[j].UnlockedAt)
	})
	return out
}

func (e *Engine) Progress(user core.UserID) Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.users[user]
	if !ok {
		return Progress{Actions: map[string]int64{}}
	}
	return st.progress.clone()
}

// Level derives a level from lifetime points with core.DefaultLevel.
func (e *Engine) Level(_ context.Context, user core.UserID) (int64, error) {
	return core.DefaultLevel(e.Progress(user).LifetimePoints), nil
}

var _ engine.Handler = (*Engine)(nil)
