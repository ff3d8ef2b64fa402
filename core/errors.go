package core

import (
	"errors"
	"fmt"
	"log/slog"
)

// LevelCritical is used for conditions that indicate a bug rather than bad input,
// such as a ledger write that would break the balance invariant.
const LevelCritical = slog.Level(12)

var (
	ErrValidation      = errors.New("validation error")
	ErrTransientBroker = errors.New("transient broker error")
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrIntegrity       = errors.New("ledger integrity violation")
	ErrBalanceConflict = errors.New("balance changed concurrently")
	ErrNotStarted      = errors.New("event bus not started")
	ErrBusClosed       = errors.New("event bus closed")
)

// ValidationError reports a malformed event or request. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Reason
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// IntegrityError aborts a ledger operation that would violate the balance invariant.
type IntegrityError struct {
	UserID UserID
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("ledger integrity violation for %s: %s", e.UserID, e.Reason)
}

func (e *IntegrityError) Is(target error) bool { return target == ErrIntegrity }

// HandlerError wraps a failure raised by a subscriber.
type HandlerError struct {
	SubscriptionID string
	Topic          Topic
	Err            error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s failed on %s: %v", e.SubscriptionID, e.Topic, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// ReasonCode is a machine-readable explanation for a non-exceptional refusal.
type ReasonCode string

const (
	ReasonNone                ReasonCode = ""
	ReasonRateLimited         ReasonCode = "rate_limited"
	ReasonRapidFire           ReasonCode = "rapid_fire"
	ReasonRepeatedContext     ReasonCode = "repeated_context"
	ReasonSessionTooLong      ReasonCode = "session_too_long"
	ReasonMultiAccount        ReasonCode = "multi_account"
	ReasonCooldownActive      ReasonCode = "cooldown_active"
	ReasonPenaltyActive       ReasonCode = "penalty_active"
	ReasonInsufficientBalance ReasonCode = "insufficient_balance"
)
