// Package points is the authoritative points ledger: it gates awards through
// the anti-abuse validator, computes multipliers, commits transactions under a
// per-user lock and announces them on the event bus.
package points

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"golang.org/x/sync/singleflight"

	"engagekit/antiabuse"
	"engagekit/core"
	"engagekit/engine"
	"engagekit/metrics"
)

// Config holds multiplier tables and commit tuning.
type Config struct {
	Source           string       `json:"source" env:"SOURCE"`
	NodeID           int64        `json:"node_id" env:"NODE_ID"`
	VIPFactor        float64      `json:"vip_factor" env:"VIP_FACTOR"`
	LevelStep        float64      `json:"level_step" env:"LEVEL_STEP"`
	LevelCap         float64      `json:"level_cap" env:"LEVEL_CAP"`
	StreakTiers      []StreakTier `json:"streak_tiers"`
	MaxCommitRetries int          `json:"max_commit_retries" env:"MAX_COMMIT_RETRIES"`
}

func DefaultConfig() Config {
	return Config{
		Source:    "points",
		NodeID:    1,
		VIPFactor: 1.5,
		LevelStep: 0.05,
		LevelCap:  1.5,
		StreakTiers: []StreakTier{
			{MinDays: 3, Factor: 1.1},
			{MinDays: 7, Factor: 1.2},
			{MinDays: 30, Factor: 1.5},
		},
		MaxCommitRetries: 3,
	}
}

// AwardRequest asks for BaseAmount points for ActionType. Force skips the
// validator; forced awards are recorded as approved by AdminID, or by
// "system" when no admin is given.
type AwardRequest struct {
	UserID        core.UserID    `json:"user_id"`
	ActionType    string         `json:"action_type"`
	BaseAmount    int64          `json:"base_amount"`
	Context       map[string]any `json:"context,omitempty"`
	Force         bool           `json:"force,omitempty"`
	AdminID       string         `json:"admin_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// DeductRequest removes Amount points. Balances never go negative, including
// for admin deductions.
type DeductRequest struct {
	UserID        core.UserID `json:"user_id"`
	Amount        int64       `json:"amount"`
	Reason        string      `json:"reason"`
	AdminID       string      `json:"admin_id,omitempty"`
	CorrelationID string      `json:"correlation_id,omitempty"`
}

// TransactionResult reports the outcome of an award or deduction. A refusal
// (abuse denial, insufficient balance) is Success=false with a Reason and a
// nil error; errors mean nothing was committed and the caller may retry.
type TransactionResult struct {
	Success            bool              `json:"success"`
	NewBalance         int64             `json:"new_balance"`
	TransactionID      string            `json:"transaction_id,omitempty"`
	MultipliersApplied []core.Multiplier `json:"multipliers_applied,omitempty"`
	EffectiveAmount    int64             `json:"effective_amount,omitempty"`
	Reason             core.ReasonCode   `json:"reason,omitempty"`
}

var errInsufficient = errors.New("insufficient balance")

type Option func(*Engine)

func WithConfig(c Config) Option              { return func(e *Engine) { e.cfg = c } }
func WithValidator(v Validator) Option        { return func(e *Engine) { e.validator = v } }
func WithProfiles(p ProfileProvider) Option   { return func(e *Engine) { e.profiles = p } }
func WithStreaks(s StreakReader) Option       { return func(e *Engine) { e.streaks = s } }
func WithPublisher(p engine.Publisher) Option { return func(e *Engine) { e.bus = p } }
func WithMetrics(m *metrics.Collector) Option { return func(e *Engine) { e.metrics = m } }
func WithClock(now func() time.Time) Option   { return func(e *Engine) { e.now = now } }
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// Engine serializes ledger writes per user; different users never share a lock.
type Engine struct {
	ledger    Ledger
	validator Validator
	profiles  ProfileProvider
	bus       engine.Publisher
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Collector
	now       func() time.Time

	ids   *snowflake.Node
	locks *userLocks
	sf    singleflight.Group

	streakMu sync.RWMutex
	streaks  StreakReader

	promoMu sync.RWMutex
	promos  map[string]Promotion
}

func New(ledger Ledger, opts ...Option) (*Engine, error) {
	if ledger == nil {
		return nil, errors.New("points: ledger is required")
	}
	e := &Engine{
		ledger: ledger,
		cfg:    DefaultConfig(),
		logger: slog.Default(),
		now:    time.Now,
		locks:  newUserLocks(),
		promos: make(map[string]Promotion),
	}
	for _, o := range opts {
		o(e)
	}
	if e.cfg.MaxCommitRetries <= 0 {
		e.cfg.MaxCommitRetries = 1
	}
	node, err := snowflake.NewNode(e.cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("points: transaction id node: %w", err)
	}
	e.ids = node
	e.logger = e.logger.With("component", "points")
	return e, nil
}

// SetStreakReader attaches the streak engine after construction; the streak
// engine itself awards through this Engine, so the two are wired in two steps.
func (e *Engine) SetStreakReader(s StreakReader) {
	e.streakMu.Lock()
	e.streaks = s
	e.streakMu.Unlock()
}

func (e *Engine) streakReader() StreakReader {
	e.streakMu.RLock()
	defer e.streakMu.RUnlock()
	return e.streaks
}

// Award validates, prices and commits an award, then publishes
// gamification.points.awarded. Publishing is best-effort.
func (e *Engine) Award(ctx context.Context, req AwardRequest) (TransactionResult, error) {
	start := e.now()
	res, err := e.award(ctx, req)
	e.metrics.ObserveLedger("award", outcome(res, err), res.EffectiveAmount, time.Since(start))
	return res, err
}

func (e *Engine) award(ctx context.Context, req AwardRequest) (TransactionResult, error) {
	user, err := core.NormalizeUserID(req.UserID)
	if err != nil {
		return TransactionResult{}, err
	}
	if req.ActionType == "" {
		return TransactionResult{}, &core.ValidationError{Field: "action_type", Reason: "action type cannot be empty"}
	}
	if req.BaseAmount <= 0 {
		return TransactionResult{}, &core.ValidationError{Field: "base_amount", Reason: "base amount must be positive"}
	}

	decision := antiabuse.Decision{Outcome: antiabuse.OutcomeAllow}
	if !req.Force && e.validator != nil {
		decision, err = e.validator.Validate(ctx, user, req.ActionType, req.Context)
		if err != nil {
			return TransactionResult{}, fmt.Errorf("abuse check: %w", err)
		}
		if !decision.Allowed() {
			res := TransactionResult{Success: false, Reason: decision.Reason}
			if bal, err := e.ledger.GetBalance(ctx, user); err != nil {
				e.logger.WarnContext(ctx, "balance read after denial", "user_id", user, "error", err)
			} else {
				res.NewBalance = bal.Balance
			}
			return res, nil
		}
	}

	mults := e.multipliers(ctx, user, req.ActionType, decision)
	amount, err := Effective(req.BaseAmount, mults)
	if err != nil {
		return TransactionResult{}, err
	}
	if amount < 1 {
		amount = 1
	}

	tx := core.PointTransaction{
		ID:          e.ids.Generate().String(),
		UserID:      user,
		Delta:       amount,
		BaseAmount:  req.BaseAmount,
		Multipliers: mults,
		ActionType:  req.ActionType,
		Context:     req.Context,
		Timestamp:   e.now().UTC(),
		Approved:    true,
		AdminID:     req.AdminID,
	}
	switch {
	case req.Force && req.AdminID != "":
		tx.ApprovedBy = req.AdminID
	case decision.Forced && decision.ApprovedBy != "":
		tx.ApprovedBy = decision.ApprovedBy
		if tx.AdminID == "" {
			tx.AdminID = decision.ApprovedBy
		}
	case req.Force || decision.Forced:
		tx.ApprovedBy = "system"
	default:
		tx.ApprovedBy = "antiabuse"
	}
	tx = tx.Clone()

	committed, bal, err := e.commit(ctx, tx)
	if err != nil {
		return TransactionResult{}, err
	}

	e.publish(ctx, core.PointsAwarded{
		UserID:        user,
		TransactionID: committed.ID,
		ActionType:    committed.ActionType,
		BaseAmount:    committed.BaseAmount,
		Delta:         committed.Delta,
		Balance:       bal.Balance,
		Multipliers:   committed.Multipliers,
		Forced:        req.Force || decision.Forced,
	}, req.CorrelationID)

	return TransactionResult{
		Success:            true,
		NewBalance:         bal.Balance,
		TransactionID:      committed.ID,
		MultipliersApplied: committed.Multipliers,
		EffectiveAmount:    committed.Delta,
	}, nil
}

// Deduct removes points. Amounts above the current balance are refused with
// reason insufficient_balance for every caller.
func (e *Engine) Deduct(ctx context.Context, req DeductRequest) (TransactionResult, error) {
	start := e.now()
	res, err := e.deduct(ctx, req)
	e.metrics.ObserveLedger("deduct", outcome(res, err), res.EffectiveAmount, time.Since(start))
	return res, err
}

func (e *Engine) deduct(ctx context.Context, req DeductRequest) (TransactionResult, error) {
	user, err := core.NormalizeUserID(req.UserID)
	if err != nil {
		return TransactionResult{}, err
	}
	if req.Amount <= 0 {
		return TransactionResult{}, &core.ValidationError{Field: "amount", Reason: "amount must be positive"}
	}
	action := "deduction"
	if req.AdminID != "" {
		action = "admin_deduction"
	}
	tx := core.PointTransaction{
		ID:         e.ids.Generate().String(),
		UserID:     user,
		Delta:      -req.Amount,
		BaseAmount: req.Amount,
		ActionType: action,
		Context:    map[string]any{"reason": req.Reason},
		Timestamp:  e.now().UTC(),
		Approved:   true,
		ApprovedBy: req.AdminID,
		AdminID:    req.AdminID,
	}

	committed, bal, err := e.commit(ctx, tx)
	if errors.Is(err, errInsufficient) {
		e.logger.InfoContext(ctx, "deduction refused", "user_id", user, "amount", req.Amount, "balance", bal.Balance)
		return TransactionResult{Success: false, NewBalance: bal.Balance, Reason: core.ReasonInsufficientBalance}, nil
	}
	if err != nil {
		return TransactionResult{}, err
	}

	e.publish(ctx, core.PointsDeducted{
		UserID:        user,
		TransactionID: committed.ID,
		Reason:        req.Reason,
		Delta:         committed.Delta,
		Balance:       bal.Balance,
		AdminID:       req.AdminID,
	}, req.CorrelationID)
	if req.AdminID != "" {
		e.publish(ctx, core.AdminAction{
			AdminID: req.AdminID,
			Action:  "points.deduct",
			UserID:  user,
			Details: map[string]any{"amount": req.Amount, "reason": req.Reason, "transaction_id": committed.ID},
		}, req.CorrelationID)
	}

	return TransactionResult{
		Success:         true,
		NewBalance:      bal.Balance,
		TransactionID:   committed.ID,
		EffectiveAmount: committed.Delta,
	}, nil
}

// commit is the only place that holds a user lock. Inside it the engine
// talks to the ledger alone: no validator, profile, streak or bus calls.
// Ledger calls ignore caller cancellation so a commit finishes or fails whole.
func (e *Engine) commit(ctx context.Context, tx core.PointTransaction) (core.PointTransaction, core.UserBalance, error) {
	ctx = context.WithoutCancel(ctx)
	unlock := e.locks.Lock(tx.UserID)
	defer unlock()

	var cur core.UserBalance
	for attempt := 1; attempt <= e.cfg.MaxCommitRetries; attempt++ {
		var err error
		cur, err = e.ledger.GetBalance(ctx, tx.UserID)
		if err != nil {
			return tx, cur, fmt.Errorf("read balance: %w", err)
		}
		next, err := core.AddSafe(cur.Balance, tx.Delta)
		if err != nil {
			return tx, cur, e.integrity(ctx, tx.UserID, "balance overflow", err)
		}
		if next < 0 {
			if tx.Delta < 0 {
				return tx, cur, errInsufficient
			}
			return tx, cur, e.integrity(ctx, tx.UserID, "negative balance", nil)
		}
		tx.BalanceAfter = next

		bal, err := e.ledger.AppendTransaction(ctx, tx, cur.Balance)
		if errors.Is(err, core.ErrBalanceConflict) {
			e.logger.WarnContext(ctx, "balance conflict, retrying", "user_id", tx.UserID, "attempt", attempt)
			continue
		}
		if err != nil {
			if errors.Is(err, core.ErrIntegrity) {
				e.logger.Log(ctx, core.LevelCritical, "ledger rejected transaction", "user_id", tx.UserID, "tx_id", tx.ID, "error", err)
			}
			return tx, cur, fmt.Errorf("append transaction: %w", err)
		}
		if bal.Balance != next {
			return tx, bal, e.integrity(ctx, tx.UserID, fmt.Sprintf("ledger stored %d, expected %d", bal.Balance, next), nil)
		}
		return tx, bal, nil
	}
	return tx, cur, fmt.Errorf("commit for %s after %d attempts: %w", tx.UserID, e.cfg.MaxCommitRetries, core.ErrBalanceConflict)
}

func (e *Engine) integrity(ctx context.Context, user core.UserID, reason string, cause error) error {
	if cause != nil {
		reason = reason + ": " + cause.Error()
	}
	ierr := &core.IntegrityError{UserID: user, Reason: reason}
	e.logger.Log(ctx, core.LevelCritical, "ledger integrity violation", "user_id", user, "reason", reason)
	return ierr
}

func (e *Engine) publish(ctx context.Context, p core.Payload, correlationID string) {
	if e.bus == nil {
		return
	}
	ev, err := core.NewTypedEvent(e.cfg.Source, p, core.WithCorrelationID(correlationID))
	if err != nil {
		e.logger.ErrorContext(ctx, "build event", "topic", p.Topic(), "error", err)
		return
	}
	if err := e.bus.Publish(ctx, ev); err != nil {
		e.logger.WarnContext(ctx, "publish ledger event", "topic", p.Topic(), "event_id", ev.ID, "error", err)
	}
}

func (e *Engine) GetBalance(ctx context.Context, user core.UserID) (int64, error) {
	u, err := core.NormalizeUserID(user)
	if err != nil {
		return 0, err
	}
	bal, err := e.ledger.GetBalance(ctx, u)
	if err != nil {
		return 0, err
	}
	return bal.Balance, nil
}

// GetHistory returns a page of transactions, newest first.
func (e *Engine) GetHistory(ctx context.Context, user core.UserID, page core.Page) ([]core.PointTransaction, error) {
	u, err := core.NormalizeUserID(user)
	if err != nil {
		return nil, err
	}
	return e.ledger.History(ctx, u, page.Normalize())
}

// Reconcile checks balance == sum(deltas) for one user under the user lock.
func (e *Engine) Reconcile(ctx context.Context, user core.UserID) (core.UserBalance, error) {
	u, err := core.NormalizeUserID(user)
	if err != nil {
		return core.UserBalance{}, err
	}
	unlock := e.locks.Lock(u)
	defer unlock()

	bal, err := e.ledger.GetBalance(ctx, u)
	if err != nil {
		return bal, err
	}
	var sum int64
	page := core.Page{Limit: core.MaxPageLimit}
	for {
		txs, err := e.ledger.History(ctx, u, page)
		if err != nil {
			return bal, err
		}
		for _, t := range txs {
			if sum, err = core.AddSafe(sum, t.Delta); err != nil {
				return bal, e.integrity(ctx, u, "history sum overflow", err)
			}
		}
		if len(txs) < page.Limit {
			break
		}
		page.Offset += page.Limit
	}
	if sum != bal.Balance {
		return bal, e.integrity(ctx, u, fmt.Sprintf("balance %d != sum of deltas %d", bal.Balance, sum), nil)
	}
	return bal, nil
}

// ReconcileAll runs Reconcile for every user the ledger knows about and
// returns the users that failed.
func (e *Engine) ReconcileAll(ctx context.Context) (map[core.UserID]error, error) {
	lister, ok := e.ledger.(UserLister)
	if !ok {
		return nil, errors.New("ledger cannot list users")
	}
	users, err := lister.Users(ctx)
	if err != nil {
		return nil, err
	}
	failed := make(map[core.UserID]error)
	for _, u := range users {
		if err := ctx.Err(); err != nil {
			return failed, err
		}
		if _, err := e.Reconcile(ctx, u); err != nil {
			failed[u] = err
		}
	}
	return failed, nil
}

func outcome(res TransactionResult, err error) string {
	switch {
	case err != nil:
		return "error"
	case !res.Success:
		return "denied"
	default:
		return "ok"
	}
}
