package core

import (
	"errors"
	"math"
	"strings"
	"time"
)

// UserID uniquely identifies a user of the chat application.
type UserID string

// Multiplier is a named multiplicative factor applied to a base amount.
type Multiplier struct {
	Name   string  `json:"name"`
	Factor float64 `json:"factor"`
}

// PointTransaction is one committed ledger entry. Transactions are append-only:
// once committed they are never updated or deleted.
type PointTransaction struct {
	ID           string         `json:"transaction_id" db:"id"`
	UserID       UserID         `json:"user_id" db:"user_id"`
	Delta        int64          `json:"delta" db:"delta"`
	BaseAmount   int64          `json:"base_amount" db:"base_amount"`
	Multipliers  []Multiplier   `json:"multipliers,omitempty" db:"-"`
	BalanceAfter int64          `json:"balance_after" db:"balance_after"`
	ActionType   string         `json:"action_type" db:"action_type"`
	Context      map[string]any `json:"context,omitempty" db:"-"`
	Timestamp    time.Time      `json:"timestamp" db:"created_at"`
	Approved     bool           `json:"approved" db:"approved"`
	ApprovedBy   string         `json:"approved_by,omitempty" db:"approved_by"`
	AdminID      string         `json:"admin_id,omitempty" db:"admin_id"`
}

// Clone returns a deep copy of the transaction.
func (t PointTransaction) Clone() PointTransaction {
	cp := t
	if t.Multipliers != nil {
		cp.Multipliers = append([]Multiplier(nil), t.Multipliers...)
	}
	cp.Context = cloneMap(t.Context)
	return cp
}

// UserBalance is the materialized balance of one user. Balance always equals
// the sum of the deltas of that user's committed transactions.
type UserBalance struct {
	UserID            UserID    `json:"user_id" db:"user_id"`
	Balance           int64     `json:"balance" db:"balance"`
	LastTransactionID string    `json:"last_transaction_id,omitempty" db:"last_transaction_id"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

// Page selects a window of a user's history, newest first.
type Page struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

// Normalize clamps the page to sane bounds.
func (p Page) Normalize() Page {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p
}

// AddSafe adds delta to base ensuring no signed overflow occurs.
func AddSafe(base int64, delta int64) (int64, error) {
	if (delta > 0 && base > math.MaxInt64-delta) || (delta < 0 && base < math.MinInt64-delta) {
		return 0, errors.New("integer overflow in AddSafe")
	}
	return base + delta, nil
}

// NormalizeUserID trims and lowercases user identifiers.
func NormalizeUserID(id UserID) (UserID, error) {
	s := strings.TrimSpace(string(id))
	if s == "" {
		return "", &ValidationError{Field: "user_id", Reason: "empty user id"}
	}
	return UserID(strings.ToLower(s)), nil
}

// DefaultLevel computes a level from lifetime points using a sublinear curve.
// level = floor(sqrt(points)/10) + 1, ensuring at least 1.
func DefaultLevel(lifetime int64) int64 {
	if lifetime <= 0 {
		return 1
	}
	lvl := int64(math.Floor(math.Sqrt(float64(lifetime))/10.0)) + 1
	if lvl < 1 {
		return 1
	}
	return lvl
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = cloneValue(v)
	}
	return cp
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = cloneValue(x[i])
		}
		return out
	default:
		return v
	}
}
