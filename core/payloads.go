package core

import (
	"encoding/json"
	"fmt"
)

// Payload is one of the closed set of typed event bodies. Each variant is bound
// to exactly one topic, so handlers decode by type instead of inspecting maps.
type Payload interface {
	Topic() Topic
}

type PointsAwarded struct {
	UserID        UserID       `json:"user_id"`
	TransactionID string       `json:"transaction_id"`
	ActionType    string       `json:"action_type"`
	BaseAmount    int64        `json:"base_amount"`
	Delta         int64        `json:"delta"`
	Balance       int64        `json:"balance"`
	Multipliers   []Multiplier `json:"multipliers,omitempty"`
	Forced        bool         `json:"forced,omitempty"`
}

func (PointsAwarded) Topic() Topic { return TopicPointsAwarded }

type PointsDeducted struct {
	UserID        UserID `json:"user_id"`
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason"`
	Delta         int64  `json:"delta"`
	Balance       int64  `json:"balance"`
	AdminID       string `json:"admin_id,omitempty"`
}

func (PointsDeducted) Topic() Topic { return TopicPointsDeducted }

type AchievementUnlocked struct {
	UserID        UserID `json:"user_id"`
	AchievementID string `json:"achievement_id"`
	Name          string `json:"name"`
	Tier          string `json:"tier"`
	TriggerEvent  string `json:"trigger_event_id"`
}

func (AchievementUnlocked) Topic() Topic { return TopicAchievementUnlocked }

type StreakUpdated struct {
	UserID    UserID `json:"user_id"`
	Kind      string `json:"kind"`
	Current   int    `json:"current"`
	Longest   int    `json:"longest"`
	Milestone int    `json:"milestone,omitempty"`
	Broken    bool   `json:"broken,omitempty"`
	Bonus     int64  `json:"bonus,omitempty"`
}

func (StreakUpdated) Topic() Topic { return TopicStreakUpdated }

type LeaderboardChanged struct {
	Category string `json:"category"`
	UserID   UserID `json:"user_id"`
	OldRank  int    `json:"old_rank"`
	NewRank  int    `json:"new_rank"`
	Score    int64  `json:"score"`
}

func (LeaderboardChanged) Topic() Topic { return TopicLeaderboardChanged }

type UserActivity struct {
	UserID UserID `json:"user_id"`
	Kind   string `json:"kind,omitempty"`
	Action string `json:"action,omitempty"`
}

func (UserActivity) Topic() Topic { return TopicUserActivity }

type AdminAction struct {
	AdminID string         `json:"admin_id"`
	Action  string         `json:"action"`
	UserID  UserID         `json:"user_id,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func (AdminAction) Topic() Topic { return TopicAdminAction }

// PayloadTopics lists the topic bound to every typed payload variant.
func PayloadTopics() map[string]Topic {
	return map[string]Topic{
		"PointsAwarded":       TopicPointsAwarded,
		"PointsDeducted":      TopicPointsDeducted,
		"AchievementUnlocked": TopicAchievementUnlocked,
		"StreakUpdated":       TopicStreakUpdated,
		"LeaderboardChanged":  TopicLeaderboardChanged,
		"UserActivity":        TopicUserActivity,
		"AdminAction":         TopicAdminAction,
	}
}

// NewTypedEvent builds an envelope for a typed payload.
func NewTypedEvent(source string, p Payload, opts ...EventOption) (Event, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return Event{}, &ValidationError{Field: "payload", Reason: err.Error()}
	}
	m := map[string]any{}
	if err := json.Unmarshal(b, &m); err != nil {
		return Event{}, &ValidationError{Field: "payload", Reason: err.Error()}
	}
	return NewEvent(p.Topic(), source, m, opts...)
}

// DecodePayload resolves the typed variant carried by ev.
func DecodePayload[T Payload](ev Event) (T, error) {
	var out T
	if ev.Type != out.Topic() {
		return out, &ValidationError{Field: "event_type", Reason: fmt.Sprintf("topic %s does not carry %T", ev.Type, out)}
	}
	b, err := json.Marshal(ev.Payload)
	if err != nil {
		return out, &ValidationError{Field: "payload", Reason: err.Error()}
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, &ValidationError{Field: "payload", Reason: err.Error()}
	}
	return out, nil
}
