package sqlx_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storage "engagekit/adapters/sqlx"
	"engagekit/core"
	"engagekit/points"
)

func newSQLite(t *testing.T) *storage.Store {
	t.Helper()
	cfg := storage.DefaultConfig(storage.DriverSQLite)
	cfg.DSN = filepath.Join(t.TempDir(), "ledger.db")
	s, err := storage.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLite_MigrateIsIdempotent(t *testing.T) {
	s := newSQLite(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
}

func TestSQLite_BacksPointsEngine(t *testing.T) {
	s := newSQLite(t)
	eng, err := points.New(s)
	require.NoError(t, err)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = eng.Award(ctx, points.AwardRequest{UserID: "alice", ActionType: "quiz", BaseAmount: 4, Context: map[string]any{"n": 1}})
		}()
	}
	wg.Wait()

	res, err := eng.Deduct(ctx, points.DeductRequest{UserID: "alice", Amount: 30, Reason: "shop"})
	require.NoError(t, err)
	assert.True(t, res.Success)

	bal, err := eng.Reconcile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(70), bal.Balance)

	hist, err := s.History(ctx, "alice", core.Page{Limit: 500})
	require.NoError(t, err)
	require.Len(t, hist, 26)
	assert.Equal(t, "deduction", hist[0].ActionType)
	assert.Equal(t, int64(70), hist[0].BalanceAfter)

	users, err := s.Users(ctx)
	require.NoError(t, err)
	assert.Equal(t, []core.UserID{"alice"}, users)
}

func TestSQLite_Conflict(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	_, err := s.AppendTransaction(ctx, newTx("a", 10, 10), 0)
	require.NoError(t, err)
	bal, err := s.AppendTransaction(ctx, newTx("b", 10, 10), 0)
	require.ErrorIs(t, err, core.ErrBalanceConflict)
	assert.Equal(t, int64(10), bal.Balance)

	hist, err := s.History(ctx, "u1", core.Page{})
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}
