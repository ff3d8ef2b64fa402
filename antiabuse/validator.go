// Package antiabuse decides whether a point award is legitimate before the
// ledger commits it. Decisions are values, not errors: only store failures
// surface as errors.
package antiabuse

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"engagekit/core"
	"engagekit/engine"
	"engagekit/metrics"
)

type Outcome string

const (
	OutcomeAllow    Outcome = "allow"
	OutcomeDeny     Outcome = "deny"
	OutcomePenalize Outcome = "penalize"
)

// Decision is the validator verdict for one award request. ApprovedBy names
// the admin whose one-shot pass let a forced award through.
type Decision struct {
	Outcome       Outcome         `json:"outcome"`
	Reason        core.ReasonCode `json:"reason,omitempty"`
	PenaltyFactor float64         `json:"penalty_factor,omitempty"`
	RetryAfter    time.Duration   `json:"retry_after,omitempty"`
	Forced        bool            `json:"forced,omitempty"`
	ApprovedBy    string          `json:"approved_by,omitempty"`
}

func (d Decision) Allowed() bool { return d.Outcome != OutcomeDeny }

// Config holds thresholds. Windows are sliding.
type Config struct {
	ActionLimit           int            `json:"action_limit" env:"ACTION_LIMIT"`
	ActionWindow          time.Duration  `json:"action_window" env:"ACTION_WINDOW"`
	ActionLimits          map[string]int `json:"action_limits" env:"ACTION_LIMITS"`
	RapidFireLimit        int            `json:"rapid_fire_limit" env:"RAPID_FIRE_LIMIT"`
	RapidFireWindow       time.Duration  `json:"rapid_fire_window" env:"RAPID_FIRE_WINDOW"`
	RepeatLimit           int            `json:"repeat_limit" env:"REPEAT_LIMIT"`
	RepeatWindow          time.Duration  `json:"repeat_window" env:"REPEAT_WINDOW"`
	MaxSession            time.Duration  `json:"max_session" env:"MAX_SESSION"`
	SessionGap            time.Duration  `json:"session_gap" env:"SESSION_GAP"`
	MaxAccountsPerNetwork int            `json:"max_accounts_per_network" env:"MAX_ACCOUNTS_PER_NETWORK"`
	NetworkWindow         time.Duration  `json:"network_window" env:"NETWORK_WINDOW"`
	ViolationWindow       time.Duration  `json:"violation_window" env:"VIOLATION_WINDOW"`
	PenaltyAfter          int            `json:"penalty_after" env:"PENALTY_AFTER"`
	CooldownAfter         int            `json:"cooldown_after" env:"COOLDOWN_AFTER"`
	PenaltyFactor         float64        `json:"penalty_factor" env:"PENALTY_FACTOR"`
	PenaltyDuration       time.Duration  `json:"penalty_duration" env:"PENALTY_DURATION"`
	CooldownDuration      time.Duration  `json:"cooldown_duration" env:"COOLDOWN_DURATION"`
}

func DefaultConfig() Config {
	return Config{
		ActionLimit:           20,
		ActionWindow:          time.Hour,
		RapidFireLimit:        10,
		RapidFireWindow:       30 * time.Second,
		RepeatLimit:           5,
		RepeatWindow:          10 * time.Minute,
		MaxSession:            6 * time.Hour,
		SessionGap:            30 * time.Minute,
		MaxAccountsPerNetwork: 3,
		NetworkWindow:         24 * time.Hour,
		ViolationWindow:       time.Hour,
		PenaltyAfter:          2,
		CooldownAfter:         3,
		PenaltyFactor:         0.5,
		PenaltyDuration:       30 * time.Minute,
		CooldownDuration:      15 * time.Minute,
	}
}

func (c Config) limitFor(action string) int {
	if n, ok := c.ActionLimits[action]; ok && n > 0 {
		return n
	}
	return c.ActionLimit
}

// AuditEntry records an administrative override.
type AuditEntry struct {
	At         time.Time   `json:"at"`
	AdminID    string      `json:"admin_id"`
	UserID     core.UserID `json:"user_id"`
	ActionType string      `json:"action_type"`
}

const maxAudit = 1024

type Option func(*Validator)

func WithConfig(c Config) Option              { return func(v *Validator) { v.cfg = c } }
func WithClock(now func() time.Time) Option   { return func(v *Validator) { v.now = now } }
func WithMetrics(m *metrics.Collector) Option { return func(v *Validator) { v.metrics = m } }

// WithPublisher emits an admin action event for every ForceAllow.
func WithPublisher(p engine.Publisher) Option { return func(v *Validator) { v.bus = p } }
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) {
		if l != nil {
			v.logger = l
		}
	}
}

// Validator applies the abuse checks in a fixed order and escalates repeat
// offenders to a temporary penalty and then a temporary cooldown.
type Validator struct {
	cfg     Config
	store   Store
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Collector
	bus     engine.Publisher

	auditMu sync.Mutex
	audit   []AuditEntry
}

func New(store Store, opts ...Option) *Validator {
	if store == nil {
		store = NewMemoryStore(0, 0)
	}
	v := &Validator{cfg: DefaultConfig(), store: store, now: time.Now, logger: slog.Default()}
	for _, o := range opts {
		o(v)
	}
	v.logger = v.logger.With("component", "antiabuse")
	return v
}

// Validate decides on one award for user. actx is the award's free-form
// context; its network_id or ip field feeds the multi-account check.
func (v *Validator) Validate(ctx context.Context, user core.UserID, action string, actx map[string]any) (Decision, error) {
	d, err := v.validate(ctx, user, action, actx)
	if err != nil {
		v.metrics.ObserveDecision("error", "")
		return Decision{}, err
	}
	v.metrics.ObserveDecision(string(d.Outcome), string(d.Reason))
	if d.Outcome != OutcomeAllow {
		v.logger.InfoContext(ctx, "award flagged", "user_id", user, "action", action,
			"outcome", d.Outcome, "reason", d.Reason)
	}
	return d, nil
}

func (v *Validator) validate(ctx context.Context, user core.UserID, action string, actx map[string]any) (Decision, error) {
	now := v.now()
	u := string(user)

	if admin, ok, err := v.store.GetFlag(ctx, forceKey(u, action), now); err != nil {
		return Decision{}, err
	} else if ok {
		if err := v.store.DeleteFlag(ctx, forceKey(u, action)); err != nil {
			return Decision{}, err
		}
		return Decision{Outcome: OutcomeAllow, Forced: true, ApprovedBy: admin}, nil
	}

	if until, ok, err := v.flagTime(ctx, "cooldown:"+u, now); err != nil {
		return Decision{}, err
	} else if ok {
		return Decision{Outcome: OutcomeDeny, Reason: core.ReasonCooldownActive, RetryAfter: until.Sub(now)}, nil
	}

	n, err := v.store.Hit(ctx, "action:"+u+":"+action, now, v.cfg.ActionWindow)
	if err != nil {
		return Decision{}, err
	}
	if n > v.cfg.limitFor(action) {
		return v.violation(ctx, u, now, core.ReasonRateLimited)
	}

	n, err = v.store.Hit(ctx, "rapid:"+u, now, v.cfg.RapidFireWindow)
	if err != nil {
		return Decision{}, err
	}
	if n > v.cfg.RapidFireLimit {
		return v.violation(ctx, u, now, core.ReasonRapidFire)
	}

	if fp := fingerprint(actx); fp != "" {
		n, err = v.store.Hit(ctx, "ctx:"+u+":"+fp, now, v.cfg.RepeatWindow)
		if err != nil {
			return Decision{}, err
		}
		if n > v.cfg.RepeatLimit {
			return v.violation(ctx, u, now, core.ReasonRepeatedContext)
		}
	}

	d := Decision{Outcome: OutcomeAllow}
	long, err := v.sessionTooLong(ctx, u, now)
	if err != nil {
		return Decision{}, err
	}
	if long {
		d = Decision{Outcome: OutcomePenalize, Reason: core.ReasonSessionTooLong, PenaltyFactor: v.cfg.PenaltyFactor}
	}

	if network := networkID(actx); network != "" {
		n, err = v.store.AddMember(ctx, "net:"+network, u, now, v.cfg.NetworkWindow)
		if err != nil {
			return Decision{}, err
		}
		if n > v.cfg.MaxAccountsPerNetwork {
			return v.violation(ctx, u, now, core.ReasonMultiAccount)
		}
	}

	if raw, ok, err := v.store.GetFlag(ctx, "penalty:"+u, now); err != nil {
		return Decision{}, err
	} else if ok && d.Outcome == OutcomeAllow {
		factor, perr := strconv.ParseFloat(raw, 64)
		if perr != nil || factor <= 0 || factor > 1 {
			factor = v.cfg.PenaltyFactor
		}
		d = Decision{Outcome: OutcomePenalize, Reason: core.ReasonPenaltyActive, PenaltyFactor: factor}
	}
	return d, nil
}

// violation denies the request and escalates: the PenaltyAfter-th violation
// in ViolationWindow starts a penalty, the CooldownAfter-th a cooldown.
func (v *Validator) violation(ctx context.Context, u string, now time.Time, reason core.ReasonCode) (Decision, error) {
	n, err := v.store.Hit(ctx, "violations:"+u, now, v.cfg.ViolationWindow)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{Outcome: OutcomeDeny, Reason: reason}
	switch {
	case v.cfg.CooldownAfter > 0 && n >= v.cfg.CooldownAfter:
		until := now.Add(v.cfg.CooldownDuration)
		if err := v.store.SetFlag(ctx, "cooldown:"+u, strconv.FormatInt(until.UnixNano(), 10), now, v.cfg.CooldownDuration); err != nil {
			return Decision{}, err
		}
		d.RetryAfter = v.cfg.CooldownDuration
		v.logger.Warn("cooldown started", "user_id", u, "violations", n, "until", until)
	case v.cfg.PenaltyAfter > 0 && n >= v.cfg.PenaltyAfter:
		factor := strconv.FormatFloat(v.cfg.PenaltyFactor, 'f', -1, 64)
		if err := v.store.SetFlag(ctx, "penalty:"+u, factor, now, v.cfg.PenaltyDuration); err != nil {
			return Decision{}, err
		}
		v.logger.Warn("penalty started", "user_id", u, "violations", n, "factor", v.cfg.PenaltyFactor)
	}
	return d, nil
}

// sessionTooLong tracks a continuous session; a gap over SessionGap starts a new one.
func (v *Validator) sessionTooLong(ctx context.Context, u string, now time.Time) (bool, error) {
	start, ok, err := v.flagTime(ctx, "session:"+u, now)
	if err != nil {
		return false, err
	}
	if !ok {
		start = now
	}
	if err := v.store.SetFlag(ctx, "session:"+u, strconv.FormatInt(start.UnixNano(), 10), now, v.cfg.SessionGap); err != nil {
		return false, err
	}
	return now.Sub(start) > v.cfg.MaxSession, nil
}

func (v *Validator) flagTime(ctx context.Context, key string, now time.Time) (time.Time, bool, error) {
	raw, ok, err := v.store.GetFlag(ctx, key, now)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	ns, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, nil
	}
	return time.Unix(0, ns), true, nil
}

// ForceAllow grants a one-shot pass for the next Validate of (user, action)
// and records the override in the audit trail.
func (v *Validator) ForceAllow(ctx context.Context, user core.UserID, action, adminID string) error {
	if adminID == "" {
		return &core.ValidationError{Field: "admin_id", Reason: "force allow requires an admin"}
	}
	if action == "" {
		return &core.ValidationError{Field: "action_type", Reason: "action type cannot be empty"}
	}
	now := v.now()
	if err := v.store.SetFlag(ctx, forceKey(string(user), action), adminID, now, v.cfg.ActionWindow); err != nil {
		return fmt.Errorf("store force pass: %w", err)
	}
	entry := AuditEntry{At: now.UTC(), AdminID: adminID, UserID: user, ActionType: action}
	v.auditMu.Lock()
	v.audit = append(v.audit, entry)
	if len(v.audit) > maxAudit {
		v.audit = v.audit[len(v.audit)-maxAudit:]
	}
	v.auditMu.Unlock()
	v.logger.WarnContext(ctx, "force allow granted", "admin_id", adminID, "user_id", user, "action", action)
	v.publishOverride(ctx, entry)
	return nil
}

func (v *Validator) publishOverride(ctx context.Context, entry AuditEntry) {
	if v.bus == nil {
		return
	}
	ev, err := core.NewTypedEvent("antiabuse", core.AdminAction{
		AdminID: entry.AdminID,
		Action:  "antiabuse.force_allow",
		UserID:  entry.UserID,
		Details: map[string]any{"action_type": entry.ActionType},
	})
	if err != nil {
		v.logger.ErrorContext(ctx, "build event", "error", err)
		return
	}
	if err := v.bus.Publish(ctx, ev); err != nil {
		v.logger.WarnContext(ctx, "publish force allow", "event_id", ev.ID, "error", err)
	}
}

// Audit returns the recorded overrides, oldest first.
func (v *Validator) Audit() []AuditEntry {
	v.auditMu.Lock()
	defer v.auditMu.Unlock()
	return append([]AuditEntry(nil), v.audit...)
}

// Reset clears all counters and flags.
func (v *Validator) Reset(ctx context.Context) error { return v.store.Reset(ctx) }

func forceKey(u, action string) string { return "force:" + u + ":" + action }

// fingerprint hashes the canonical JSON of the context; map keys marshal sorted.
func fingerprint(actx map[string]any) string {
	if len(actx) == 0 {
		return ""
	}
	b, err := json.Marshal(actx)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:12])
}

func networkID(actx map[string]any) string {
	for _, k := range []string{"network_id", "ip"} {
		if s, ok := actx[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
