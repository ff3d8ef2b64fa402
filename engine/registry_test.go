package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engagekit/core"
)

func TestPatternMatch(t *testing.T) {
	cases := []struct {
		pattern string
		topic   core.Topic
		want    bool
	}{
		{"a.b.*", "a.b.c", true},
		{"a.b.*", "a.b.c.d", true},
		{"a.b.*", "a.bc.d", false},
		{"a.b.*", "a.x.y", false},
		{"a.b.*", "a.b", false},
		{"a.*.c", "a.b.c", true},
		{"a.*.c", "a.b.x.c", false},
		{"gamification.*", "gamification.points.awarded", true},
		{"gamification.points.awarded", "gamification.points.awarded", true},
		{"gamification.points.awarded", "gamification.points.awarded_bonus", false},
		{"*", "user.activity", true},
		{"user.*", "users.activity", false},
	}
	for _, tc := range cases {
		p, err := ParsePattern(tc.pattern)
		require.NoError(t, err, tc.pattern)
		assert.Equal(t, tc.want, p.Match(tc.topic), "%s vs %s", tc.pattern, tc.topic)
	}
}

func TestParsePatternRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "a..b", "A.b", "a.b-c", "a.b."} {
		_, err := ParsePattern(s)
		assert.ErrorIs(t, err, core.ErrValidation, s)
	}
}

func TestRegistryMatchKeepsRegistrationOrder(t *testing.T) {
	r := newRegistry()
	mk := func(id, pattern string) *subscription {
		p, err := ParsePattern(pattern)
		require.NoError(t, err)
		s := &subscription{id: id, pattern: p}
		r.add(s)
		return s
	}
	mk("1", "a.*")
	mk("2", "a.b.c")
	mk("3", "x.*")
	mk("4", "*")

	var ids []string
	for _, s := range r.match("a.b.c") {
		ids = append(ids, s.id)
	}
	assert.Equal(t, []string{"1", "2", "4"}, ids)

	_, ok := r.remove("2")
	assert.True(t, ok)
	_, ok = r.remove("2")
	assert.False(t, ok)
	assert.Len(t, r.match("a.b.c"), 2)
	assert.Len(t, r.all(), 3)
}
