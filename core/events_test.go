package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTopic(t *testing.T) {
	tests := []struct {
		topic Topic
		ok    bool
	}{
		{"gamification.points.awarded", true},
		{"user.activity", true},
		{"system.error_occurred", true},
		{"", false},
		{"single", false},
		{"Upper.case", false},
		{"trailing.", false},
		{"a..b", false},
		{"digits.1", false},
	}
	for _, tt := range tests {
		err := ValidateTopic(tt.topic)
		if tt.ok {
			assert.NoError(t, err, "topic %q", tt.topic)
		} else {
			assert.ErrorIs(t, err, ErrValidation, "topic %q", tt.topic)
		}
	}
}

func TestNewEventDefaultsAndCopy(t *testing.T) {
	payload := map[string]any{"user_id": "u1", "nested": map[string]any{"a": 1}}
	ev, err := NewEvent(TopicUserActivity, "chat", payload, WithCorrelationID("corr-1"))
	require.NoError(t, err)

	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, PriorityNormal, ev.Priority)
	require.NotNil(t, ev.CorrelationID)
	assert.Equal(t, "corr-1", *ev.CorrelationID)

	payload["user_id"] = "mutated"
	payload["nested"].(map[string]any)["a"] = 2
	assert.Equal(t, "u1", ev.Payload["user_id"])
	assert.Equal(t, float64(1), ev.Payload["nested"].(map[string]any)["a"])

	uid, ok := ev.UserID()
	assert.True(t, ok)
	assert.Equal(t, UserID("u1"), uid)
}

func TestNewEventRejectsBadInput(t *testing.T) {
	_, err := NewEvent("", "svc", nil)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = NewEvent(TopicUserActivity, "svc", map[string]any{"ch": make(chan int)})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = NewEvent(TopicUserActivity, "svc", nil, WithPriority("urgent"))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestEncodeDecodeWireFormat(t *testing.T) {
	ev, err := NewEvent(TopicPointsAwarded, "points", map[string]any{"delta": 5}, WithPriority(PriorityHigh))
	require.NoError(t, err)

	b, err := Encode(ev)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"event_type":"gamification.points.awarded"`)
	assert.Contains(t, string(b), `"correlation_id":null`)
	assert.Contains(t, string(b), `"source_service":"points"`)

	out, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, out.ID)
	assert.Equal(t, PriorityHigh, out.Priority)
	assert.True(t, ev.Timestamp.Equal(out.Timestamp))

	_, err = Decode([]byte(`{"event_id":"x","event_type":"bad"}`))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestTypedPayloadRoundTrip(t *testing.T) {
	ev, err := NewTypedEvent("points", PointsAwarded{
		UserID:      "u1",
		Delta:       150,
		Balance:     200,
		Multipliers: []Multiplier{{Name: "vip", Factor: 1.5}},
	})
	require.NoError(t, err)
	assert.Equal(t, TopicPointsAwarded, ev.Type)

	p, err := DecodePayload[PointsAwarded](ev)
	require.NoError(t, err)
	assert.Equal(t, int64(150), p.Delta)
	assert.Equal(t, 1.5, p.Multipliers[0].Factor)

	_, err = DecodePayload[StreakUpdated](ev)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestPayloadTopicsAreCatalogued(t *testing.T) {
	for name, topic := range PayloadTopics() {
		assert.NoError(t, ValidateTopic(topic), name)
	}
}
