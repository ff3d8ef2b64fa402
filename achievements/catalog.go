package achievements

import (
	"fmt"

	"engagekit/core"
)

type Tier string

const (
	TierBronze   Tier = "bronze"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
)

// Kind selects which progress counter an achievement is measured against.
type Kind string

const (
	KindLifetimePoints Kind = "lifetime_points"
	KindTransactions   Kind = "transactions"
	KindStreakDays     Kind = "streak_days"
	KindActionCount    Kind = "action_count"
)

type Achievement struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Tier        Tier   `json:"tier"`
	Kind        Kind   `json:"kind"`
	Action      string `json:"action,omitempty"`
	Threshold   int64  `json:"threshold"`
}

// Met reports whether p satisfies the unlock condition.
func (a Achievement) Met(p Progress) bool {
	switch a.Kind {
	case KindLifetimePoints:
		return p.LifetimePoints >= a.Threshold
	case KindTransactions:
		return p.Transactions >= a.Threshold
	case KindStreakDays:
		return int64(p.LongestStreak) >= a.Threshold
	case KindActionCount:
		return p.Actions[a.Action] >= a.Threshold
	}
	return false
}

func (a Achievement) validate() error {
	if a.ID == "" {
		return &core.ValidationError{Field: "id", Reason: "achievement id cannot be empty"}
	}
	switch a.Tier {
	case TierBronze, TierSilver, TierGold, TierPlatinum:
	default:
		return &core.ValidationError{Field: "tier", Reason: fmt.Sprintf("unknown tier %q", a.Tier)}
	}
	switch a.Kind {
	case KindLifetimePoints, KindTransactions, KindStreakDays:
	case KindActionCount:
		if a.Action == "" {
			return &core.ValidationError{Field: "action", Reason: "action_count achievements need an action"}
		}
	default:
		return &core.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", a.Kind)}
	}
	if a.Threshold <= 0 {
		return &core.ValidationError{Field: "threshold", Reason: "threshold must be positive"}
	}
	return nil
}

// DefaultCatalog is a tiered starter set.
func DefaultCatalog() []Achievement {
	return []Achievement{
		{ID: "points_100", Name: "Pocket Change", Tier: TierBronze, Kind: KindLifetimePoints, Threshold: 100},
		{ID: "points_1000", Name: "Saver", Tier: TierSilver, Kind: KindLifetimePoints, Threshold: 1_000},
		{ID: "points_10000", Name: "Treasurer", Tier: TierGold, Kind: KindLifetimePoints, Threshold: 10_000},
		{ID: "points_100000", Name: "Tycoon", Tier: TierPlatinum, Kind: KindLifetimePoints, Threshold: 100_000},
		{ID: "tx_10", Name: "Regular", Tier: TierBronze, Kind: KindTransactions, Threshold: 10},
		{ID: "tx_100", Name: "Fixture", Tier: TierSilver, Kind: KindTransactions, Threshold: 100},
		{ID: "streak_7", Name: "One Week", Tier: TierBronze, Kind: KindStreakDays, Threshold: 7},
		{ID: "streak_30", Name: "One Month", Tier: TierSilver, Kind: KindStreakDays, Threshold: 30},
		{ID: "streak_100", Name: "Centurion", Tier: TierGold, Kind: KindStreakDays, Threshold: 100},
		{ID: "streak_365", Name: "Year Round", Tier: TierPlatinum, Kind: KindStreakDays, Threshold: 365},
		{ID: "quiz_10", Name: "Curious", Tier: TierBronze, Kind: KindActionCount, Action: "quiz", Threshold: 10},
		{ID: "quiz_100", Name: "Scholar", Tier: TierGold, Kind: KindActionCount, Action: "quiz", Threshold: 100},
	}
}
