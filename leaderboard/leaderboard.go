package leaderboard

import (
	"time"

	"engagekit/core"
)

// Entry is one user's standing on a board. AchievedAt is when the user reached
// Score and breaks ties in favour of whoever got there first.
type Entry struct {
	User       core.UserID `json:"user_id"`
	Score      int64       `json:"score"`
	AchievedAt time.Time   `json:"achieved_at"`
}

// Board abstracts leaderboard operations.
type Board interface {
	Set(user core.UserID, score int64, at time.Time) Entry
	Add(user core.UserID, delta int64, at time.Time) (Entry, error)
	Remove(user core.UserID)
	TopN(n int) []Entry
	Range(offset, limit int) []Entry
	Rank(user core.UserID) (int, bool)
	Walk(fn func(rank int, e Entry) bool)
	Get(user core.UserID) (Entry, bool)
	Len() int
	Reset()
}

type Category string

const (
	WeeklyPoints  Category = "weekly_points"
	TotalPoints   Category = "total_points"
	CurrentStreak Category = "current_streak"
)

func Categories() []Category { return []Category{WeeklyPoints, TotalPoints, CurrentStreak} }

func (c Category) Valid() bool {
	switch c {
	case WeeklyPoints, TotalPoints, CurrentStreak:
		return true
	}
	return false
}
