package core

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Topic is a dot-separated event category such as gamification.points.awarded.
type Topic string

const (
	TopicPointsAwarded       Topic = "gamification.points.awarded"
	TopicPointsDeducted      Topic = "gamification.points.deducted"
	TopicAchievementUnlocked Topic = "gamification.achievement.unlocked"
	TopicStreakUpdated       Topic = "gamification.streak.updated"
	TopicLeaderboardChanged  Topic = "gamification.leaderboard.changed"
	TopicUserRegistered      Topic = "user.registered"
	TopicUserActivity        Topic = "user.activity"
	TopicChapterCompleted    Topic = "narrative.chapter.completed"
	TopicAdminAction         Topic = "admin.action.performed"
	TopicSystemError         Topic = "system.error.occurred"
)

var topicRE = regexp.MustCompile(`^[a-z_]+(\.[a-z_]+)+$`)

// ValidateTopic checks the topic against the routing grammar.
func ValidateTopic(t Topic) error {
	if t == "" {
		return &ValidationError{Field: "event_type", Reason: "topic cannot be empty"}
	}
	if !topicRE.MatchString(string(t)) {
		return &ValidationError{Field: "event_type", Reason: fmt.Sprintf("invalid topic %q", t)}
	}
	return nil
}

// Priority orders events for consumers that care; the bus itself does not reorder.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Event is the immutable message envelope carried by the bus.
// Construct it with NewEvent; the payload is copied at construction and every
// subscriber receives its own decoded copy.
type Event struct {
	ID            string         `json:"event_id"`
	Type          Topic          `json:"event_type"`
	Timestamp     time.Time      `json:"timestamp"`
	Source        string         `json:"source_service"`
	CorrelationID *string        `json:"correlation_id"`
	Priority      Priority       `json:"priority"`
	Payload       map[string]any `json:"payload"`
}

// EventOption customizes NewEvent.
type EventOption func(*Event)

func WithCorrelationID(id string) EventOption {
	return func(e *Event) {
		if id != "" {
			e.CorrelationID = &id
		}
	}
}

func WithPriority(p Priority) EventOption { return func(e *Event) { e.Priority = p } }

func WithTimestamp(t time.Time) EventOption { return func(e *Event) { e.Timestamp = t.UTC() } }

// NewEvent builds a validated envelope. The payload must be JSON-serializable.
func NewEvent(topic Topic, source string, payload map[string]any, opts ...EventOption) (Event, error) {
	if err := ValidateTopic(topic); err != nil {
		return Event{}, err
	}
	normalized, err := normalizePayload(payload)
	if err != nil {
		return Event{}, err
	}
	ev := Event{
		ID:        uuid.NewString(),
		Type:      topic,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Priority:  PriorityNormal,
		Payload:   normalized,
	}
	for _, o := range opts {
		o(&ev)
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Validate checks the envelope invariants.
func (e Event) Validate() error {
	if e.ID == "" {
		return &ValidationError{Field: "event_id", Reason: "missing event id"}
	}
	if err := ValidateTopic(e.Type); err != nil {
		return err
	}
	if e.Priority != "" && !e.Priority.valid() {
		return &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", e.Priority)}
	}
	return nil
}

// Clone returns a deep copy of the event.
func (e Event) Clone() Event {
	cp := e
	if e.CorrelationID != nil {
		id := *e.CorrelationID
		cp.CorrelationID = &id
	}
	cp.Payload = cloneMap(e.Payload)
	return cp
}

// UserID extracts the conventional user_id payload field, if present.
func (e Event) UserID() (UserID, bool) {
	s, ok := e.Payload["user_id"].(string)
	if !ok || s == "" {
		return "", false
	}
	return UserID(s), true
}

// Encode serializes the event for transport.
func Encode(e Event) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if e.Priority == "" {
		e.Priority = PriorityNormal
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, &ValidationError{Field: "payload", Reason: err.Error()}
	}
	return b, nil
}

// Decode parses a transported event and re-validates it.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, &ValidationError{Field: "event", Reason: err.Error()}
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

func normalizePayload(payload map[string]any) (map[string]any, error) {
	if payload == nil {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, &ValidationError{Field: "payload", Reason: "payload is not serializable: " + err.Error()}
	}
	out := map[string]any{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, &ValidationError{Field: "payload", Reason: err.Error()}
	}
	return out, nil
}
