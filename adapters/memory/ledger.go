package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"engagekit/core"
	"engagekit/points"
)

// Ledger is a concurrent in-memory points.Ledger. Each user has a record with
// its own mutex; the balance and the transaction log change together under it.
type Ledger struct {
	users sync.Map // map[core.UserID]*userRecord
}

type userRecord struct {
	mu      sync.Mutex
	balance core.UserBalance
	txs     []core.PointTransaction
}

func NewLedger() *Ledger { return &Ledger{} }

func (l *Ledger) record(user core.UserID) *userRecord {
	if v, ok := l.users.Load(user); ok {
		return v.(*userRecord)
	}
	rec := &userRecord{balance: core.UserBalance{UserID: user}}
	actual, _ := l.users.LoadOrStore(user, rec)
	return actual.(*userRecord)
}

func (l *Ledger) GetBalance(_ context.Context, user core.UserID) (core.UserBalance, error) {
	v, ok := l.users.Load(user)
	if !ok {
		return core.UserBalance{UserID: user}, nil
	}
	rec := v.(*userRecord)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.balance, nil
}

func (l *Ledger) AppendTransaction(_ context.Context, tx core.PointTransaction, expected int64) (core.UserBalance, error) {
	rec := l.record(tx.UserID)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.balance.Balance != expected {
		return rec.balance, core.ErrBalanceConflict
	}
	next, err := core.AddSafe(expected, tx.Delta)
	if err != nil || next != tx.BalanceAfter || next < 0 {
		return rec.balance, &core.IntegrityError{UserID: tx.UserID, Reason: "transaction does not match balance"}
	}
	rec.txs = append(rec.txs, tx.Clone())
	rec.balance = core.UserBalance{
		UserID:            tx.UserID,
		Balance:           next,
		LastTransactionID: tx.ID,
		UpdatedAt:         time.Now().UTC(),
	}
	return rec.balance, nil
}

func (l *Ledger) History(_ context.Context, user core.UserID, page core.Page) ([]core.PointTransaction, error) {
	v, ok := l.users.Load(user)
	if !ok {
		return nil, nil
	}
	page = page.Normalize()
	rec := v.(*userRecord)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	n := len(rec.txs)
	out := make([]core.PointTransaction, 0, page.Limit)
	for i := n - 1 - page.Offset; i >= 0 && len(out) < page.Limit; i-- {
		out = append(out, rec.txs[i].Clone())
	}
	return out, nil
}

func (l *Ledger) Users(_ context.Context) ([]core.UserID, error) {
	var out []core.UserID
	l.users.Range(func(k, _ any) bool {
		out = append(out, k.(core.UserID))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

var (
	_ points.Ledger     = (*Ledger)(nil)
	_ points.UserLister = (*Ledger)(nil)
)
