package points

import (
	"context"

	"engagekit/antiabuse"
	"engagekit/core"
)

// Ledger persists transactions and balances. AppendTransaction must append tx
// and set the balance to tx.BalanceAfter as one atomic unit, and only if the
// stored balance still equals expected; otherwise it returns
// core.ErrBalanceConflict and writes nothing.
type Ledger interface {
	GetBalance(ctx context.Context, user core.UserID) (core.UserBalance, error)
	AppendTransaction(ctx context.Context, tx core.PointTransaction, expected int64) (core.UserBalance, error)
	// History returns transactions newest first.
	History(ctx context.Context, user core.UserID, page core.Page) ([]core.PointTransaction, error)
}

// UserLister is implemented by ledgers that can enumerate their users.
type UserLister interface {
	Users(ctx context.Context) ([]core.UserID, error)
}

// ProfileProvider is the read-only identity collaborator.
type ProfileProvider interface {
	IsVIP(ctx context.Context, user core.UserID) (bool, error)
	GetLevel(ctx context.Context, user core.UserID) (int64, error)
}

// StreakReader reports the length of a user's current streak in days.
type StreakReader interface {
	CurrentStreak(ctx context.Context, user core.UserID) (int, error)
}

// Validator gates awards; *antiabuse.Validator implements it.
type Validator interface {
	Validate(ctx context.Context, user core.UserID, action string, actx map[string]any) (antiabuse.Decision, error)
}
