package points

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"engagekit/antiabuse"
	"engagekit/core"
)

// StreakTier grants Factor once a streak reaches MinDays.
type StreakTier struct {
	MinDays int     `json:"min_days"`
	Factor  float64 `json:"factor"`
}

// Promotion is an operator-defined multiplier, optionally limited to some
// action types and to a time window.
type Promotion struct {
	Name    string    `json:"name"`
	Factor  float64   `json:"factor"`
	Actions []string  `json:"actions,omitempty"`
	Starts  time.Time `json:"starts,omitempty"`
	Ends    time.Time `json:"ends,omitempty"`
}

func (p Promotion) activeFor(action string, now time.Time) bool {
	if !p.Starts.IsZero() && now.Before(p.Starts) {
		return false
	}
	if !p.Ends.IsZero() && !now.Before(p.Ends) {
		return false
	}
	if len(p.Actions) == 0 {
		return true
	}
	for _, a := range p.Actions {
		if a == action {
			return true
		}
	}
	return false
}

func (p Promotion) validate() error {
	if p.Name == "" {
		return &core.ValidationError{Field: "name", Reason: "promotion name cannot be empty"}
	}
	if p.Factor <= 0 || math.IsInf(p.Factor, 0) || math.IsNaN(p.Factor) {
		return &core.ValidationError{Field: "factor", Reason: fmt.Sprintf("invalid factor %v", p.Factor)}
	}
	return nil
}

// SetPromotion adds or replaces a promotion by name.
func (e *Engine) SetPromotion(p Promotion) error {
	if err := p.validate(); err != nil {
		return err
	}
	e.promoMu.Lock()
	e.promos[p.Name] = p
	e.promoMu.Unlock()
	e.logger.Info("promotion set", "name", p.Name, "factor", p.Factor)
	return nil
}

func (e *Engine) ClearPromotion(name string) {
	e.promoMu.Lock()
	delete(e.promos, name)
	e.promoMu.Unlock()
}

func (e *Engine) Promotions() []Promotion {
	e.promoMu.RLock()
	defer e.promoMu.RUnlock()
	out := make([]Promotion, 0, len(e.promos))
	for _, p := range e.promos {
		out = append(out, p)
	}
	return out
}

// multipliers looks up every factor for an award. It runs before the user
// lock is taken. Collaborator failures are logged and count as factor 1.
func (e *Engine) multipliers(ctx context.Context, user core.UserID, action string, d antiabuse.Decision) []core.Multiplier {
	var out []core.Multiplier
	add := func(name string, f float64) {
		if f != 1 && f > 0 {
			out = append(out, core.Multiplier{Name: name, Factor: f})
		}
	}

	if e.profiles != nil {
		vip, err, _ := e.sf.Do("vip:"+string(user), func() (any, error) {
			return e.profiles.IsVIP(ctx, user)
		})
		if err != nil {
			e.logger.WarnContext(ctx, "vip lookup failed", "user_id", user, "error", err)
		} else if vip.(bool) {
			add("vip", e.cfg.VIPFactor)
		}

		lvl, err, _ := e.sf.Do("level:"+string(user), func() (any, error) {
			return e.profiles.GetLevel(ctx, user)
		})
		if err != nil {
			e.logger.WarnContext(ctx, "level lookup failed", "user_id", user, "error", err)
		} else {
			add("level", e.levelFactor(lvl.(int64)))
		}
	}

	if sr := e.streakReader(); sr != nil {
		days, err := sr.CurrentStreak(ctx, user)
		if err != nil {
			e.logger.WarnContext(ctx, "streak lookup failed", "user_id", user, "error", err)
		} else {
			add("streak", e.streakFactor(days))
		}
	}

	now := e.now()
	promos := e.Promotions()
	sort.Slice(promos, func(i, j int) bool { return promos[i].Name < promos[j].Name })
	for _, p := range promos {
		if p.activeFor(action, now) {
			add("promo:"+p.Name, p.Factor)
		}
	}

	if d.Outcome == antiabuse.OutcomePenalize && d.PenaltyFactor > 0 {
		add("abuse_penalty", d.PenaltyFactor)
	}
	return out
}

func (e *Engine) levelFactor(level int64) float64 {
	if level <= 1 {
		return 1
	}
	f := 1 + e.cfg.LevelStep*float64(level-1)
	if f > e.cfg.LevelCap {
		f = e.cfg.LevelCap
	}
	return f
}

func (e *Engine) streakFactor(days int) float64 {
	best := 1.0
	top := 0
	for _, t := range e.cfg.StreakTiers {
		if days >= t.MinDays && t.MinDays >= top {
			best, top = t.Factor, t.MinDays
		}
	}
	return best
}

// Effective multiplies base by every factor and rounds half away from zero.
func Effective(base int64, ms []core.Multiplier) (int64, error) {
	v := float64(base)
	for _, m := range ms {
		v *= m.Factor
	}
	r := math.Round(v)
	if r >= math.MaxInt64 || r < math.MinInt64 || math.IsNaN(r) {
		return 0, &core.ValidationError{Field: "base_amount", Reason: "effective amount out of range"}
	}
	return int64(r), nil
}
