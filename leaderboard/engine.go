package leaderboard

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"engagekit/core"
	"engagekit/engine"
	"engagekit/streaks"
)

// Standing is a user's public position on one category.
type Standing struct {
	Category Category    `json:"category"`
	User     core.UserID `json:"user_id"`
	Score    int64       `json:"score"`
	Rank     int         `json:"rank"`
	Hidden   bool        `json:"hidden,omitempty"`
}

type Option func(*Engine)

func WithPublisher(p engine.Publisher) Option { return func(e *Engine) { e.bus = p } }

// WithTopWindow sets how many leading ranks produce change events.
func WithTopWindow(n int) Option            { return func(e *Engine) { e.window = n } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// Engine keeps one skip list per category, updated incrementally from bus
// events. Opted-out users are scored but left out of public output.
type Engine struct {
	boards map[Category]Board
	bus    engine.Publisher
	window int
	now    func() time.Time
	logger *slog.Logger
	seen   *expirable.LRU[string, struct{}]

	optMu  sync.RWMutex
	hidden map[core.UserID]struct{}

	// serializes event application so before/after ranks are coherent
	mu sync.Mutex
}

func New(opts ...Option) *Engine {
	e := &Engine{
		boards: make(map[Category]Board, 3),
		window: 10,
		now:    time.Now,
		logger: slog.Default(),
		hidden: map[core.UserID]struct{}{},
	}
	for _, c := range Categories() {
		e.boards[c] = NewSkipList()
	}
	for _, o := range opts {
		o(e)
	}
	e.seen = expirable.NewLRU[string, struct{}](100_000, nil, 24*time.Hour)
	e.logger = e.logger.With("component", "leaderboard")
	return e
}

func (e *Engine) board(c Category) (Board, error) {
	b, ok := e.boards[c]
	if !ok {
		return nil, &core.ValidationError{Field: "category", Reason: fmt.Sprintf("unknown category %q", c)}
	}
	return b, nil
}

// SetOptOut hides or shows user in public rankings. Scores keep updating.
func (e *Engine) SetOptOut(user core.UserID, out bool) {
	e.optMu.Lock()
	defer e.optMu.Unlock()
	if out {
		e.hidden[user] = struct{}{}
	} else {
		delete(e.hidden, user)
	}
}

func (e *Engine) OptedOut(user core.UserID) bool {
	e.optMu.RLock()
	defer e.optMu.RUnlock()
	_, ok := e.hidden[user]
	return ok
}

func (e *Engine) hiddenSnapshot() map[core.UserID]struct{} {
	e.optMu.RLock()
	defer e.optMu.RUnlock()
	cp := make(map[core.UserID]struct{}, len(e.hidden))
	for u := range e.hidden {
		cp[u] = struct{}{}
	}
	return cp
}

// Top returns the first n visible users of a category with public ranks.
func (e *Engine) Top(c Category, n int) ([]Standing, error) {
	b, err := e.board(c)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	hidden := e.hiddenSnapshot()
	if len(hidden) == 0 {
		entries := b.TopN(n)
		out := make([]Standing, len(entries))
		for i, en := range entries {
			out[i] = Standing{Category: c, User: en.User, Score: en.Score, Rank: i + 1}
		}
		return out, nil
	}
	out := make([]Standing, 0, n)
	b.Walk(func(_ int, en Entry) bool {
		if _, skip := hidden[en.User]; skip {
			return true
		}
		out = append(out, Standing{Category: c, User: en.User, Score: en.Score, Rank: len(out) + 1})
		return len(out) < n
	})
	return out, nil
}

// Rank reports user's public rank: one plus the visible users ahead of them.
// Opted-out users still get their rank, flagged Hidden.
func (e *Engine) Rank(user core.UserID, c Category) (Standing, bool, error) {
	b, err := e.board(c)
	if err != nil {
		return Standing{}, false, err
	}
	en, ok := b.Get(user)
	if !ok {
		return Standing{}, false, nil
	}
	raw, _ := b.Rank(user)
	return Standing{
		Category: c,
		User:     user,
		Score:    en.Score,
		Rank:     raw - e.hiddenAhead(b, user, raw),
		Hidden:   e.OptedOut(user),
	}, true, nil
}

func (e *Engine) hiddenAhead(b Board, user core.UserID, raw int) int {
	n := 0
	for u := range e.hiddenSnapshot() {
		if u == user {
			continue
		}
		if r, ok := b.Rank(u); ok && r < raw {
			n++
		}
	}
	return n
}

// ResetWeekly clears the weekly board and returns how many users it held.
func (e *Engine) ResetWeekly() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.boards[WeeklyPoints]
	n := b.Len()
	b.Reset()
	e.logger.Info("weekly leaderboard reset", "users", n)
	return n
}

func (e *Engine) Len(c Category) int {
	if b, ok := e.boards[c]; ok {
		return b.Len()
	}
	return 0
}

// Patterns lists the subscriptions Handle expects.
func (e *Engine) Patterns() []string {
	return []string{"gamification.points.*", string(core.TopicStreakUpdated)}
}

func (e *Engine) Handle(ctx context.Context, ev core.Event) error {
	e.mu.Lock()
	if e.seen.Contains(ev.ID) {
		e.mu.Unlock()
		return nil
	}
	changes, err := e.apply(ev)
	if err == nil {
		e.seen.Add(ev.ID, struct{}{})
	}
	e.mu.Unlock()
	if err != nil {
		return err
	}
	for _, ch := range changes {
		e.publish(ctx, ch)
	}
	return nil
}

type move struct {
	category Category
	user     core.UserID
	before   int
	after    int
	score    int64
}

func (e *Engine) apply(ev core.Event) ([]core.LeaderboardChanged, error) {
	at := ev.Timestamp
	if at.IsZero() {
		at = e.now()
	}
	var moves []move
	step := func(c Category, user core.UserID, fn func(Board) (Entry, error)) error {
		b := e.boards[c]
		before := e.publicRank(b, user)
		en, err := fn(b)
		if err != nil {
			return err
		}
		moves = append(moves, move{category: c, user: user, before: before, after: e.publicRank(b, user), score: en.Score})
		return nil
	}

	switch ev.Type {
	case core.TopicPointsAwarded:
		p, err := core.DecodePayload[core.PointsAwarded](ev)
		if err != nil {
			return nil, err
		}
		if err := step(TotalPoints, p.UserID, func(b Board) (Entry, error) { return b.Add(p.UserID, p.Delta, at) }); err != nil {
			return nil, err
		}
		if p.Delta > 0 {
			if err := step(WeeklyPoints, p.UserID, func(b Board) (Entry, error) { return b.Add(p.UserID, p.Delta, at) }); err != nil {
				return nil, err
			}
		}
	case core.TopicPointsDeducted:
		p, err := core.DecodePayload[core.PointsDeducted](ev)
		if err != nil {
			return nil, err
		}
		if err := step(TotalPoints, p.UserID, func(b Board) (Entry, error) { return b.Add(p.UserID, p.Delta, at) }); err != nil {
			return nil, err
		}
	case core.TopicStreakUpdated:
		p, err := core.DecodePayload[core.StreakUpdated](ev)
		if err != nil {
			return nil, err
		}
		if p.Kind != streaks.KindDaily {
			return nil, nil
		}
		if err := step(CurrentStreak, p.UserID, func(b Board) (Entry, error) { return b.Set(p.UserID, int64(p.Current), at), nil }); err != nil {
			return nil, err
		}
	default:
		return nil, nil
	}

	var out []core.LeaderboardChanged
	for _, m := range moves {
		if m.before == m.after || m.after == 0 {
			continue
		}
		if !e.inWindow(m.before) && !e.inWindow(m.after) {
			continue
		}
		out = append(out, core.LeaderboardChanged{Category: string(m.category), UserID: m.user, OldRank: m.before, NewRank: m.after, Score: m.score})
	}
	return out, nil
}

// publicRank is 0 for absent or opted-out users.
func (e *Engine) publicRank(b Board, user core.UserID) int {
	if e.OptedOut(user) {
		return 0
	}
	raw, ok := b.Rank(user)
	if !ok {
		return 0
	}
	return raw - e.hiddenAhead(b, user, raw)
}

func (e *Engine) inWindow(rank int) bool {
	return rank > 0 && rank <= e.window
}

func (e *Engine) publish(ctx context.Context, p core.LeaderboardChanged) {
	if e.bus == nil {
		return
	}
	ev, err := core.NewTypedEvent("leaderboard", p)
	if err != nil {
		e.logger.ErrorContext(ctx, "build leaderboard event", "error", err)
		return
	}
	if err := e.bus.Publish(ctx, ev); err != nil {
		e.logger.WarnContext(ctx, "publish leaderboard change", "category", p.Category, "user_id", p.UserID, "error", err)
	}
}

var _ engine.Handler = (*Engine)(nil)
