// Package sqlx is a points.Ledger on any SQL database sqlx can drive:
// PostgreSQL (lib/pq or pgx), MySQL and SQLite.
package sqlx

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"engagekit/core"
	"engagekit/points"
)

type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverPgx      Driver = "pgx"
	DriverMySQL    Driver = "mysql"
	DriverSQLite   Driver = "sqlite"
)

func (d Driver) Valid() bool {
	switch d {
	case DriverPostgres, DriverPgx, DriverMySQL, DriverSQLite:
		return true
	}
	return false
}

// Config holds SQL connection configuration
type Config struct {
	Driver          Driver        `json:"driver" env:"DRIVER"`
	DSN             string        `json:"dsn" env:"DSN"`
	MaxOpenConns    int           `json:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `json:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	AutoMigrate     bool          `json:"auto_migrate" env:"AUTO_MIGRATE"`
}

// DefaultConfig returns pool defaults for driver. SQLite gets a single
// connection since it serializes writers anyway.
func DefaultConfig(driver Driver) Config {
	cfg := Config{
		Driver:          driver,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		AutoMigrate:     true,
	}
	switch driver {
	case DriverPostgres, DriverPgx:
		cfg.DSN = "postgres://localhost:5432/engagekit?sslmode=disable"
	case DriverMySQL:
		cfg.DSN = "root@tcp(localhost:3306)/engagekit?parseTime=true"
	case DriverSQLite:
		cfg.DSN = "engagekit.db"
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
	}
	return cfg
}

// Store implements points.Ledger.
// Tables:
//   - point_balances: one row per user, updated by compare-and-set on balance
//   - point_transactions: append-only log
type Store struct {
	db     *sqlx.DB
	driver Driver
}

func New(cfg Config) (*Store, error) {
	if !cfg.Driver.Valid() {
		return nil, fmt.Errorf("unsupported sql driver %q", cfg.Driver)
	}
	db, err := sqlx.Open(string(cfg.Driver), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Driver, err)
	}
	s := NewWithDB(db, cfg.Driver)
	if cfg.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewWithDB wraps an open handle (useful for testing).
func NewWithDB(db *sqlx.DB, driver Driver) *Store {
	return &Store{db: db, driver: driver}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS point_balances (
		user_id VARCHAR(191) PRIMARY KEY,
		balance BIGINT NOT NULL DEFAULT 0,
		last_transaction_id VARCHAR(64) NOT NULL DEFAULT '',
		updated_at BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS point_transactions (
		id VARCHAR(64) PRIMARY KEY,
		user_id VARCHAR(191) NOT NULL,
		delta BIGINT NOT NULL,
		base_amount BIGINT NOT NULL,
		balance_after BIGINT NOT NULL,
		action_type VARCHAR(128) NOT NULL,
		multipliers TEXT NOT NULL,
		context TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		approved BOOLEAN NOT NULL,
		approved_by VARCHAR(191) NOT NULL DEFAULT '',
		admin_id VARCHAR(191) NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX idx_point_transactions_user ON point_transactions (user_id, created_at)`,
}

// Migrate creates the tables. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if i == len(schema)-1 {
			stmt = s.createIndex(stmt)
			if stmt == "" {
				continue
			}
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// MySQL has no CREATE INDEX IF NOT EXISTS, so there the index is only created
// when missing.
func (s *Store) createIndex(stmt string) string {
	if s.driver != DriverMySQL {
		return "CREATE INDEX IF NOT EXISTS" + stmt[len("CREATE INDEX"):]
	}
	var n int
	err := s.db.Get(&n, `SELECT COUNT(*) FROM information_schema.statistics
		WHERE table_schema = DATABASE() AND table_name = 'point_transactions' AND index_name = 'idx_point_transactions_user'`)
	if err != nil || n > 0 {
		return ""
	}
	return stmt
}

func (s *Store) insertBalanceIfMissing() string {
	if s.driver == DriverMySQL {
		return `INSERT IGNORE INTO point_balances (user_id, balance, last_transaction_id, updated_at) VALUES (?, 0, '', ?)`
	}
	return `INSERT INTO point_balances (user_id, balance, last_transaction_id, updated_at) VALUES (?, 0, '', ?) ON CONFLICT (user_id) DO NOTHING`
}

type balanceRow struct {
	UserID            string `db:"user_id"`
	Balance           int64  `db:"balance"`
	LastTransactionID string `db:"last_transaction_id"`
	UpdatedAt         int64  `db:"updated_at"`
}

func (r balanceRow) toBalance() core.UserBalance {
	b := core.UserBalance{UserID: core.UserID(r.UserID), Balance: r.Balance, LastTransactionID: r.LastTransactionID}
	if r.UpdatedAt > 0 {
		b.UpdatedAt = time.UnixMicro(r.UpdatedAt).UTC()
	}
	return b
}

type txRow struct {
	ID           string `db:"id"`
	UserID       string `db:"user_id"`
	Delta        int64  `db:"delta"`
	BaseAmount   int64  `db:"base_amount"`
	BalanceAfter int64  `db:"balance_after"`
	ActionType   string `db:"action_type"`
	Multipliers  string `db:"multipliers"`
	Context      string `db:"context"`
	CreatedAt    int64  `db:"created_at"`
	Approved     bool   `db:"approved"`
	ApprovedBy   string `db:"approved_by"`
	AdminID      string `db:"admin_id"`
}

func toRow(tx core.PointTransaction) (txRow, error) {
	ms, err := json.Marshal(tx.Multipliers)
	if err != nil {
		return txRow{}, err
	}
	cx, err := json.Marshal(tx.Context)
	if err != nil {
		return txRow{}, err
	}
	return txRow{
		ID:           tx.ID,
		UserID:       string(tx.UserID),
		Delta:        tx.Delta,
		BaseAmount:   tx.BaseAmount,
		BalanceAfter: tx.BalanceAfter,
		ActionType:   tx.ActionType,
		Multipliers:  string(ms),
		Context:      string(cx),
		CreatedAt:    tx.Timestamp.UTC().UnixMicro(),
		Approved:     tx.Approved,
		ApprovedBy:   tx.ApprovedBy,
		AdminID:      tx.AdminID,
	}, nil
}

func (r txRow) toTransaction() (core.PointTransaction, error) {
	tx := core.PointTransaction{
		ID:           r.ID,
		UserID:       core.UserID(r.UserID),
		Delta:        r.Delta,
		BaseAmount:   r.BaseAmount,
		BalanceAfter: r.BalanceAfter,
		ActionType:   r.ActionType,
		Timestamp:    time.UnixMicro(r.CreatedAt).UTC(),
		Approved:     r.Approved,
		ApprovedBy:   r.ApprovedBy,
		AdminID:      r.AdminID,
	}
	if r.Multipliers != "" && r.Multipliers != "null" {
		if err := json.Unmarshal([]byte(r.Multipliers), &tx.Multipliers); err != nil {
			return tx, err
		}
	}
	if r.Context != "" && r.Context != "null" {
		if err := json.Unmarshal([]byte(r.Context), &tx.Context); err != nil {
			return tx, err
		}
	}
	return tx, nil
}

func (s *Store) GetBalance(ctx context.Context, user core.UserID) (core.UserBalance, error) {
	var row balanceRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT user_id, balance, last_transaction_id, updated_at FROM point_balances WHERE user_id = ?`), string(user))
	if errors.Is(err, sql.ErrNoRows) {
		return core.UserBalance{UserID: user}, nil
	}
	if err != nil {
		return core.UserBalance{}, fmt.Errorf("failed to get balance: %w", err)
	}
	return row.toBalance(), nil
}

// AppendTransaction updates the balance row only where it still holds
// expected, then inserts the transaction, all in one database transaction.
func (s *Store) AppendTransaction(ctx context.Context, tx core.PointTransaction, expected int64) (core.UserBalance, error) {
	next, err := core.AddSafe(expected, tx.Delta)
	if err != nil || next != tx.BalanceAfter || next < 0 {
		return core.UserBalance{UserID: tx.UserID, Balance: expected}, &core.IntegrityError{UserID: tx.UserID, Reason: "transaction does not match balance"}
	}
	row, err := toRow(tx)
	if err != nil {
		return core.UserBalance{}, fmt.Errorf("encode transaction: %w", err)
	}
	now := time.Now().UTC()

	dbtx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return core.UserBalance{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = dbtx.Rollback() }()

	if _, err := dbtx.ExecContext(ctx, dbtx.Rebind(s.insertBalanceIfMissing()), string(tx.UserID), now.UnixMicro()); err != nil {
		return core.UserBalance{}, fmt.Errorf("ensure balance row: %w", err)
	}
	res, err := dbtx.ExecContext(ctx, dbtx.Rebind(
		`UPDATE point_balances SET balance = ?, last_transaction_id = ?, updated_at = ? WHERE user_id = ? AND balance = ?`),
		next, tx.ID, now.UnixMicro(), string(tx.UserID), expected)
	if err != nil {
		return core.UserBalance{}, fmt.Errorf("update balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.UserBalance{}, fmt.Errorf("update balance: %w", err)
	}
	if n == 0 {
		var current int64
		if err := dbtx.GetContext(ctx, &current, dbtx.Rebind(`SELECT balance FROM point_balances WHERE user_id = ?`), string(tx.UserID)); err != nil {
			return core.UserBalance{}, fmt.Errorf("read balance: %w", err)
		}
		return core.UserBalance{UserID: tx.UserID, Balance: current}, core.ErrBalanceConflict
	}

	if _, err := dbtx.NamedExecContext(ctx, `INSERT INTO point_transactions
		(id, user_id, delta, base_amount, balance_after, action_type, multipliers, context, created_at, approved, approved_by, admin_id)
		VALUES (:id, :user_id, :delta, :base_amount, :balance_after, :action_type, :multipliers, :context, :created_at, :approved, :approved_by, :admin_id)`, row); err != nil {
		return core.UserBalance{}, fmt.Errorf("insert transaction: %w", err)
	}
	if err := dbtx.Commit(); err != nil {
		return core.UserBalance{}, fmt.Errorf("commit: %w", err)
	}
	return core.UserBalance{UserID: tx.UserID, Balance: next, LastTransactionID: tx.ID, UpdatedAt: time.UnixMicro(now.UnixMicro()).UTC()}, nil
}

func (s *Store) History(ctx context.Context, user core.UserID, page core.Page) ([]core.PointTransaction, error) {
	page = page.Normalize()
	var rows []txRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT id, user_id, delta, base_amount, balance_after, action_type,
		multipliers, context, created_at, approved, approved_by, admin_id
		FROM point_transactions WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`),
		string(user), page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	out := make([]core.PointTransaction, 0, len(rows))
	for _, r := range rows {
		tx, err := r.toTransaction()
		if err != nil {
			return nil, &core.IntegrityError{UserID: user, Reason: "undecodable transaction: " + err.Error()}
		}
		out = append(out, tx)
	}
	return out, nil
}

func (s *Store) Users(ctx context.Context) ([]core.UserID, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, `SELECT user_id FROM point_balances ORDER BY user_id`); err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	out := make([]core.UserID, len(ids))
	for i, id := range ids {
		out[i] = core.UserID(id)
	}
	return out, nil
}

var (
	_ points.Ledger     = (*Store)(nil)
	_ points.UserLister = (*Store)(nil)
)
