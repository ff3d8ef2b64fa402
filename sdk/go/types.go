package sdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// AwardRequest is the body of an award call.
type AwardRequest struct {
	ActionType    string         `json:"action_type"`
	BaseAmount    int64          `json:"base_amount"`
	Context       map[string]any `json:"context,omitempty"`
	Force         bool           `json:"force,omitempty"`
	AdminID       string         `json:"admin_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// DeductRequest is the body of a deduct call.
type DeductRequest struct {
	Amount        int64  `json:"amount"`
	Reason        string `json:"reason"`
	AdminID       string `json:"admin_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

type Multiplier struct {
	Name   string  `json:"name"`
	Factor float64 `json:"factor"`
}

// Result reports a ledger operation. Success=false with a Reason is a refusal,
// not an error.
type Result struct {
	Success            bool         `json:"success"`
	NewBalance         int64        `json:"new_balance"`
	TransactionID      string       `json:"transaction_id,omitempty"`
	MultipliersApplied []Multiplier `json:"multipliers_applied,omitempty"`
	EffectiveAmount    int64        `json:"effective_amount,omitempty"`
	Reason             string       `json:"reason,omitempty"`
}

type Transaction struct {
	ID           string         `json:"transaction_id"`
	UserID       string         `json:"user_id"`
	Delta        int64          `json:"delta"`
	BaseAmount   int64          `json:"base_amount"`
	BalanceAfter int64          `json:"balance_after"`
	ActionType   string         `json:"action_type"`
	Multipliers  []Multiplier   `json:"multipliers,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	ApprovedBy   string         `json:"approved_by,omitempty"`
}

type Achievement struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Tier        string `json:"tier"`
	Threshold   int64  `json:"threshold"`
}

type Unlock struct {
	Achievement Achievement `json:"achievement"`
	UnlockedAt  time.Time   `json:"unlocked_at"`
}

// Achievements is a user's level, progress counters and unlocks.
type Achievements struct {
	UserID   string          `json:"user_id"`
	Level    int64           `json:"level"`
	Progress json.RawMessage `json:"progress"`
	Unlocked []Unlock        `json:"unlocked"`
}

type Streak struct {
	Kind      string    `json:"kind"`
	Current   int       `json:"current"`
	Longest   int       `json:"longest"`
	Freezes   int       `json:"freezes"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Standing struct {
	Category string `json:"category"`
	User     string `json:"user_id"`
	Score    int64  `json:"score"`
	Rank     int    `json:"rank"`
}

// Leaderboard is a page of public standings, plus the caller's own standing
// when requested.
type Leaderboard struct {
	Category string     `json:"category"`
	Entries  []Standing `json:"entries"`
	User     *Standing  `json:"user,omitempty"`
}

// HealthStatus describes the /healthz response.
type HealthStatus struct {
	Status  string `json:"status"`
	Circuit string `json:"circuit"`
	Broker  struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	} `json:"broker"`
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed: status %d: %s: %s", e.Status, e.Code, e.Message)
}

// Retryable reports whether the server asked the caller to retry.
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusServiceUnavailable || e.Status == http.StatusTooManyRequests
}

func decodeJSON(resp *http.Response, target any) error {
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}
	if target == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

// ErrEmptyUserID is returned when user id is empty.
var ErrEmptyUserID = errors.New("user id is required")
