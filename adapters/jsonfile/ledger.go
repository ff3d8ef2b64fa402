package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"engagekit/core"
	"engagekit/points"
)

// Ledger persists every balance and transaction to a single JSON file.
// Suitable for demos and small deployments.
type Ledger struct {
	path string
	mu   sync.Mutex
	// in-memory cache for speed
	data map[core.UserID]*account
}

type account struct {
	Balance      core.UserBalance        `json:"balance"`
	Transactions []core.PointTransaction `json:"transactions"`
}

func New(path string) (*Ledger, error) {
	l := &Ledger{path: path, data: map[core.UserID]*account{}}
	if err := l.load(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return l, nil
}

func (l *Ledger) load() error {
	b, err := os.ReadFile(l.path)
	if err != nil {
		return err
	}
	var raw map[string]*account
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		l.data[core.UserID(k)] = v
	}
	return nil
}

// persist writes to a temp file and renames it over the old one, so a crash
// leaves either the previous or the new state on disk.
func (l *Ledger) persist() error {
	tmp := l.path + ".tmp"
	raw := make(map[string]*account, len(l.data))
	for k, v := range l.data {
		raw[string(k)] = v
	}
	b, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, l.path)
}

func (l *Ledger) GetBalance(_ context.Context, user core.UserID) (core.UserBalance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok := l.data[user]; ok {
		return a.Balance, nil
	}
	return core.UserBalance{UserID: user}, nil
}

func (l *Ledger) AppendTransaction(_ context.Context, tx core.PointTransaction, expected int64) (core.UserBalance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.data[tx.UserID]
	if !ok {
		a = &account{Balance: core.UserBalance{UserID: tx.UserID}}
	}
	if a.Balance.Balance != expected {
		return a.Balance, core.ErrBalanceConflict
	}
	next, err := core.AddSafe(expected, tx.Delta)
	if err != nil || next != tx.BalanceAfter || next < 0 {
		return a.Balance, &core.IntegrityError{UserID: tx.UserID, Reason: "transaction does not match balance"}
	}

	prev := *a
	a.Transactions = append(a.Transactions, tx.Clone())
	a.Balance = core.UserBalance{UserID: tx.UserID, Balance: next, LastTransactionID: tx.ID, UpdatedAt: time.Now().UTC()}
	l.data[tx.UserID] = a
	if err := l.persist(); err != nil {
		// roll back so memory matches disk
		if ok {
			*a = prev
		} else {
			delete(l.data, tx.UserID)
		}
		return prev.Balance, err
	}
	return a.Balance, nil
}

func (l *Ledger) History(_ context.Context, user core.UserID, page core.Page) ([]core.PointTransaction, error) {
	page = page.Normalize()
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.data[user]
	if !ok {
		return nil, nil
	}
	out := make([]core.PointTransaction, 0, page.Limit)
	for i := len(a.Transactions) - 1 - page.Offset; i >= 0 && len(out) < page.Limit; i-- {
		out = append(out, a.Transactions[i].Clone())
	}
	return out, nil
}

func (l *Ledger) Users(_ context.Context) ([]core.UserID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]core.UserID, 0, len(l.data))
	for u := range l.data {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

var (
	_ points.Ledger     = (*Ledger)(nil)
	_ points.UserLister = (*Ledger)(nil)
)
