package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engagekit/core"
)

func tx(id string, user core.UserID, delta, after int64) core.PointTransaction {
	return core.PointTransaction{ID: id, UserID: user, Delta: delta, BalanceAfter: after, ActionType: "test"}
}

func TestLedgerAppendAndHistory(t *testing.T) {
	l := NewLedger()
	ctx := context.Background()

	bal, err := l.GetBalance(ctx, "u")
	require.NoError(t, err)
	assert.Zero(t, bal.Balance)

	_, err = l.AppendTransaction(ctx, tx("1", "u", 50, 50), 0)
	require.NoError(t, err)
	bal, err = l.AppendTransaction(ctx, tx("2", "u", -20, 30), 50)
	require.NoError(t, err)
	assert.Equal(t, int64(30), bal.Balance)
	assert.Equal(t, "2", bal.LastTransactionID)

	hist, err := l.History(ctx, "u", core.Page{})
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "2", hist[0].ID, "newest first")

	hist, err = l.History(ctx, "u", core.Page{Offset: 1, Limit: 5})
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "1", hist[0].ID)
}

func TestLedgerRejectsStaleExpectedBalance(t *testing.T) {
	l := NewLedger()
	ctx := context.Background()
	_, err := l.AppendTransaction(ctx, tx("1", "u", 10, 10), 0)
	require.NoError(t, err)

	_, err = l.AppendTransaction(ctx, tx("2", "u", 10, 10), 0)
	assert.ErrorIs(t, err, core.ErrBalanceConflict)

	_, err = l.AppendTransaction(ctx, tx("3", "u", -20, -10), 10)
	assert.ErrorIs(t, err, core.ErrIntegrity)

	hist, _ := l.History(ctx, "u", core.Page{})
	assert.Len(t, hist, 1, "rejected writes leave no trace")
}

func TestLedgerUsersAreIndependent(t *testing.T) {
	l := NewLedger()
	ctx := context.Background()
	var wg sync.WaitGroup
	for _, u := range []core.UserID{"a", "b", "c"} {
		wg.Add(1)
		go func(u core.UserID) {
			defer wg.Done()
			var bal int64
			for i := 0; i < 100; i++ {
				_, err := l.AppendTransaction(ctx, tx("x", u, 1, bal+1), bal)
				if err == nil {
					bal++
				}
			}
		}(u)
	}
	wg.Wait()
	users, _ := l.Users(ctx)
	assert.Equal(t, []core.UserID{"a", "b", "c"}, users)
	for _, u := range users {
		bal, _ := l.GetBalance(ctx, u)
		assert.Equal(t, int64(100), bal.Balance)
	}
}

func TestProfilesDefaults(t *testing.T) {
	p := NewProfiles()
	ctx := context.Background()
	vip, _ := p.IsVIP(ctx, "u")
	lvl, _ := p.GetLevel(ctx, "u")
	assert.False(t, vip)
	assert.Equal(t, int64(1), lvl)
	p.SetVIP("u", true)
	p.SetLevel("u", 4)
	vip, _ = p.IsVIP(ctx, "u")
	lvl, _ = p.GetLevel(ctx, "u")
	assert.True(t, vip)
	assert.Equal(t, int64(4), lvl)
}
