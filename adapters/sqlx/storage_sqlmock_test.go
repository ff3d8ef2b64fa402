package sqlx_test

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	libsqlx "github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	storage "engagekit/adapters/sqlx"
	"engagekit/core"
)

func newMockStore(t *testing.T) (*storage.Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	xdb := storage.NewWithDB(libsqlx.NewDb(db, "postgres"), storage.DriverPostgres)
	cleanup := func() {
		_ = db.Close()
	}
	return xdb, mock, cleanup
}

func newTx(id string, delta, after int64) core.PointTransaction {
	return core.PointTransaction{ID: id, UserID: "u1", Delta: delta, BaseAmount: delta, BalanceAfter: after, ActionType: "quiz", Timestamp: time.Now().UTC(), Approved: true, ApprovedBy: "system"}
}

func TestSQLMock_Append_Commits(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO point_balances .* ON CONFLICT \(user_id\) DO NOTHING`).
		WithArgs("u1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE point_balances SET balance = \$1`).
		WithArgs(int64(10), "tx1", sqlmock.AnyArg(), "u1", int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO point_transactions`).
		WithArgs("tx1", "u1", int64(10), int64(10), int64(10), "quiz", "null", "null", sqlmock.AnyArg(), true, "system", "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	bal, err := store.AppendTransaction(context.Background(), newTx("tx1", 10, 10), 0)
	require.NoError(t, err)
	require.Equal(t, int64(10), bal.Balance)
	require.Equal(t, "tx1", bal.LastTransactionID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_Append_ConflictRollsBack(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO point_balances`).
		WithArgs("u1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE point_balances`).
		WithArgs(int64(10), "tx2", sqlmock.AnyArg(), "u1", int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT balance FROM point_balances`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(5)))
	mock.ExpectRollback()

	bal, err := store.AppendTransaction(context.Background(), newTx("tx2", 10, 10), 0)
	require.ErrorIs(t, err, core.ErrBalanceConflict)
	require.Equal(t, int64(5), bal.Balance)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_Append_MismatchNeverTouchesDB(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	_, err := store.AppendTransaction(context.Background(), newTx("tx3", 10, 11), 0)
	require.ErrorIs(t, err, core.ErrIntegrity)
	_, err = store.AppendTransaction(context.Background(), newTx("tx4", -10, -10), 0)
	require.ErrorIs(t, err, core.ErrIntegrity)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_GetBalance(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT user_id, balance, last_transaction_id, updated_at FROM point_balances`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "balance", "last_transaction_id", "updated_at"}).
			AddRow("u1", int64(42), "tx9", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).UnixMicro()))
	mock.ExpectQuery(`SELECT user_id, balance`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "balance", "last_transaction_id", "updated_at"}))

	bal, err := store.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, int64(42), bal.Balance)
	require.Equal(t, 2025, bal.UpdatedAt.Year())

	bal, err = store.GetBalance(context.Background(), "ghost")
	require.NoError(t, err)
	require.Equal(t, int64(0), bal.Balance)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_History(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	cols := []string{"id", "user_id", "delta", "base_amount", "balance_after", "action_type", "multipliers", "context", "created_at", "approved", "approved_by", "admin_id"}
	mock.ExpectQuery(`SELECT id, user_id, delta, .* FROM point_transactions WHERE user_id = \$1 ORDER BY created_at DESC, id DESC LIMIT \$2 OFFSET \$3`).
		WithArgs("u1", int64(2), int64(0)).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("2", "u1", int64(15), int64(10), int64(25), "quiz", `[{"name":"vip","factor":1.5}]`, `{"ip":"1.2.3.4"}`, int64(2), true, "system", "").
			AddRow("1", "u1", int64(10), int64(10), int64(10), "quiz", "null", "null", int64(1), true, "system", ""))

	hist, err := store.History(context.Background(), "u1", core.Page{Limit: 2})
	require.NoError(t, err)
	require.Len(t, hist, 2)
	require.Equal(t, "2", hist[0].ID)
	require.Equal(t, []core.Multiplier{{Name: "vip", Factor: 1.5}}, hist[0].Multipliers)
	require.Equal(t, "1.2.3.4", hist[0].Context["ip"])
	require.Nil(t, hist[1].Multipliers)
	require.NoError(t, mock.ExpectationsWereMet())
}
