// Package streaks tracks consecutive qualifying days per user and streak kind.
//
// Days are calendar days in the configured location. A streak survives gaps of
// up to GraceDays missed days; a longer gap consumes a freeze when one is held
// and otherwise breaks the streak. Reaching a milestone pays a forced bonus
// through the points engine.
package streaks

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"engagekit/core"
	"engagekit/engine"
	"engagekit/points"
)

// KindDaily is the streak fed by any qualifying activity or award.
const KindDaily = "daily_activity"

// BonusAction is the action type milestone bonuses are awarded under.
const BonusAction = "streak_bonus"

type Streak struct {
	UserID    core.UserID `json:"user_id"`
	Kind      string      `json:"kind"`
	Current   int         `json:"current"`
	Longest   int         `json:"longest"`
	LastDay   time.Time   `json:"last_day"`
	Freezes   int         `json:"freezes"`
	UpdatedAt time.Time   `json:"updated_at"`

	last int64
}

// Awarder pays milestone bonuses. *points.Engine satisfies it.
type Awarder interface {
	Award(ctx context.Context, req points.AwardRequest) (points.TransactionResult, error)
}

type Config struct {
	GraceDays   int            `json:"grace_days" env:"GRACE_DAYS"`
	Milestones  []int          `json:"milestones" env:"MILESTONES" envSeparator:","`
	BonusPerDay int64          `json:"bonus_per_day" env:"BONUS_PER_DAY"`
	MaxFreezes  int            `json:"max_freezes" env:"MAX_FREEZES"`
	Location    *time.Location `json:"-"`
}

func DefaultConfig() Config {
	return Config{
		Milestones:  []int{7, 30, 100, 365},
		BonusPerDay: 10,
		MaxFreezes:  3,
		Location:    time.UTC,
	}
}

type Option func(*Engine)

func WithConfig(c Config) Option              { return func(e *Engine) { e.cfg = c } }
func WithAwarder(a Awarder) Option            { return func(e *Engine) { e.awarder = a } }
func WithPublisher(p engine.Publisher) Option { return func(e *Engine) { e.bus = p } }
func WithClock(now func() time.Time) Option   { return func(e *Engine) { e.now = now } }
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

type key struct {
	user core.UserID
	kind string
}

type Engine struct {
	cfg     Config
	awarder Awarder
	bus     engine.Publisher
	logger  *slog.Logger
	now     func() time.Time
	seen    *expirable.LRU[string, struct{}]

	mu      sync.Mutex
	streaks map[key]*Streak
}

func New(opts ...Option) *Engine {
	e := &Engine{
		cfg:     DefaultConfig(),
		logger:  slog.Default(),
		now:     time.Now,
		streaks: make(map[key]*Streak),
	}
	for _, o := range opts {
		o(e)
	}
	if e.cfg.Location == nil {
		e.cfg.Location = time.UTC
	}
	if e.cfg.GraceDays < 0 {
		e.cfg.GraceDays = 0
	}
	slices.Sort(e.cfg.Milestones)
	e.seen = expirable.NewLRU[string, struct{}](100_000, nil, 48*time.Hour)
	e.logger = e.logger.With("component", "streaks")
	return e
}

// SetAwarder attaches the points engine after construction, since the points
// engine itself reads streaks for its multiplier.
func (e *Engine) SetAwarder(a Awarder) {
	e.mu.Lock()
	e.awarder = a
	e.mu.Unlock()
}

func (e *Engine) dayOf(t time.Time) int64 {
	y, m, d := t.In(e.cfg.Location).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400
}

func (e *Engine) dayStart(day int64) time.Time {
	u := time.Unix(day*86400, 0).UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, e.cfg.Location)
}

func (e *Engine) alive(s *Streak, today int64) bool {
	return s.Current > 0 && today-s.last <= int64(1+e.cfg.GraceDays)
}

// change is computed under the mutex and acted on after it is released.
type change struct {
	streak    Streak
	milestone int
	broken    bool
	awarder   Awarder
}

// Record registers a qualifying activity for user at time at.
func (e *Engine) Record(ctx context.Context, user core.UserID, kind string, at time.Time) (Streak, error) {
	user, err := core.NormalizeUserID(user)
	if err != nil {
		return Streak{}, err
	}
	if kind == "" {
		kind = KindDaily
	}
	day := e.dayOf(at)

	e.mu.Lock()
	s := e.get(user, kind)
	if s.Current > 0 && day <= s.last {
		out := *s
		e.mu.Unlock()
		return out, nil
	}
	c := change{awarder: e.awarder}
	switch {
	case s.Current == 0:
		s.Current = 1
	case day-s.last <= int64(1+e.cfg.GraceDays):
		s.Current++
	case s.Freezes > 0:
		s.Freezes--
		s.Current++
		e.logger.InfoContext(ctx, "freeze consumed", "user_id", user, "kind", kind, "remaining", s.Freezes)
	default:
		c.broken = true
		s.Current = 1
	}
	if s.Current > s.Longest {
		s.Longest = s.Current
	}
	s.last = day
	s.LastDay = e.dayStart(day)
	s.UpdatedAt = e.now().UTC()
	if slices.Contains(e.cfg.Milestones, s.Current) {
		c.milestone = s.Current
	}
	c.streak = *s
	e.mu.Unlock()

	e.apply(ctx, c)
	return c.streak, nil
}

func (e *Engine) apply(ctx context.Context, c change) {
	var bonus int64
	if c.milestone > 0 && c.awarder != nil && e.cfg.BonusPerDay > 0 {
		res, err := c.awarder.Award(ctx, points.AwardRequest{
			UserID:     c.streak.UserID,
			ActionType: BonusAction,
			BaseAmount: int64(c.milestone) * e.cfg.BonusPerDay,
			Force:      true,
		})
		switch {
		case err != nil:
			e.logger.ErrorContext(ctx, "streak bonus failed", "user_id", c.streak.UserID, "milestone", c.milestone, "error", err)
		case res.Success:
			bonus = res.EffectiveAmount
		}
	}
	if c.milestone > 0 {
		e.logger.InfoContext(ctx, "streak milestone", "user_id", c.streak.UserID, "kind", c.streak.Kind, "days", c.milestone, "bonus", bonus)
	}
	e.publish(ctx, core.StreakUpdated{
		UserID:    c.streak.UserID,
		Kind:      c.streak.Kind,
		Current:   c.streak.Current,
		Longest:   c.streak.Longest,
		Milestone: c.milestone,
		Broken:    c.broken,
		Bonus:     bonus,
	})
}

func (e *Engine) publish(ctx context.Context, p core.StreakUpdated) {
	if e.bus == nil {
		return
	}
	ev, err := core.NewTypedEvent("streaks", p)
	if err != nil {
		e.logger.ErrorContext(ctx, "build streak event", "error", err)
		return
	}
	if err := e.bus.Publish(ctx, ev); err != nil {
		e.logger.WarnContext(ctx, "publish streak update", "user_id", p.UserID, "error", err)
	}
}

// ExpireStale resets every streak whose grace window has passed by now. A
// held freeze is consumed instead and keeps the streak alive for one more day.
// It returns how many streaks were reset.
func (e *Engine) ExpireStale(ctx context.Context, now time.Time) int {
	today := e.dayOf(now)
	limit := int64(1 + e.cfg.GraceDays)

	var resets []change
	e.mu.Lock()
	for _, s := range e.streaks {
		if s.Current == 0 || today-s.last <= limit {
			continue
		}
		if s.Freezes > 0 {
			s.Freezes--
			s.last = today - 1
			s.LastDay = e.dayStart(s.last)
			s.UpdatedAt = now.UTC()
			continue
		}
		s.Current = 0
		s.UpdatedAt = now.UTC()
		resets = append(resets, change{streak: *s, broken: true})
	}
	e.mu.Unlock()

	for _, c := range resets {
		e.apply(ctx, c)
	}
	if len(resets) > 0 {
		e.logger.InfoContext(ctx, "stale streaks reset", "count", len(resets))
	}
	return len(resets)
}

// GrantFreeze gives a user n freezes on a streak kind, capped at MaxFreezes.
func (e *Engine) GrantFreeze(user core.UserID, kind string, n int) (int, error) {
	user, err := core.NormalizeUserID(user)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, &core.ValidationError{Field: "freezes", Reason: fmt.Sprintf("must be positive, got %d", n)}
	}
	if kind == "" {
		kind = KindDaily
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.get(user, kind)
	s.Freezes += n
	if e.cfg.MaxFreezes > 0 && s.Freezes > e.cfg.MaxFreezes {
		s.Freezes = e.cfg.MaxFreezes
	}
	return s.Freezes, nil
}

func (e *Engine) Get(user core.UserID, kind string) (Streak, bool) {
	if kind == "" {
		kind = KindDaily
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.streaks[key{user, kind}]
	if !ok {
		return Streak{}, false
	}
	return *s, true
}

// List returns every streak a user has, ordered by kind.
func (e *Engine) List(user core.UserID) []Streak {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Streak
	for k, s := range e.streaks {
		if k.user == user {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// CurrentStreak reports the live daily streak length. A streak past its grace
// window counts as zero unless a freeze can still bridge it.
func (e *Engine) CurrentStreak(_ context.Context, user core.UserID) (int, error) {
	today := e.dayOf(e.now())
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.streaks[key{user, KindDaily}]
	if !ok {
		return 0, nil
	}
	if e.alive(s, today) || (s.Current > 0 && s.Freezes > 0) {
		return s.Current, nil
	}
	return 0, nil
}

func (e *Engine) get(user core.UserID, kind string) *Streak {
	k := key{user, kind}
	s, ok := e.streaks[k]
	if !ok {
		s = &Streak{UserID: user, Kind: kind}
		e.streaks[k] = s
	}
	return s
}

// Patterns lists the subscriptions Handle expects.
func (e *Engine) Patterns() []string {
	return []string{string(core.TopicUserActivity), string(core.TopicPointsAwarded)}
}

// Handle feeds bus events into Record. Each event id is applied once; bonus
// awards do not count as activity.
func (e *Engine) Handle(ctx context.Context, ev core.Event) error {
	e.mu.Lock()
	dup := e.seen.Contains(ev.ID)
	if !dup {
		e.seen.Add(ev.ID, struct{}{})
	}
	e.mu.Unlock()
	if dup {
		return nil
	}
	var (
		user core.UserID
		kind = KindDaily
	)
	switch ev.Type {
	case core.TopicUserActivity:
		p, err := core.DecodePayload[core.UserActivity](ev)
		if err != nil {
			return err
		}
		user = p.UserID
		if p.Kind != "" {
			kind = p.Kind
		}
	case core.TopicPointsAwarded:
		p, err := core.DecodePayload[core.PointsAwarded](ev)
		if err != nil {
			return err
		}
		if p.ActionType == BonusAction {
			return nil
		}
		user = p.UserID
	default:
		return nil
	}
	if user == "" {
		return nil
	}
	_, err := e.Record(ctx, user, kind, ev.Timestamp)
	return err
}

var (
	_ engine.Handler      = (*Engine)(nil)
	_ points.StreakReader = (*Engine)(nil)
)
