package jsonfile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"engagekit/core"
)

func entry(id string, delta, after int64) core.PointTransaction {
	return core.PointTransaction{ID: id, UserID: "alice", Delta: delta, BaseAmount: delta, BalanceAfter: after, ActionType: "quiz", Timestamp: time.Now().UTC(), Approved: true}
}

func TestLedgerPersistAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.json")

	l, err := New(path)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	ctx := context.Background()

	if _, err := l.AppendTransaction(ctx, entry("1", 50, 50), 0); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := l.AppendTransaction(ctx, entry("2", -20, 30), 50); err != nil {
		t.Fatalf("append: %v", err)
	}

	// ensure file written
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file at %s", path)
	}

	reloaded, err := New(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	bal, err := reloaded.GetBalance(ctx, "alice")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if bal.Balance != 30 || bal.LastTransactionID != "2" {
		t.Fatalf("unexpected balance %+v", bal)
	}
	hist, err := reloaded.History(ctx, "alice", core.Page{})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 || hist[0].ID != "2" {
		t.Fatalf("expected newest first, got %+v", hist)
	}
}

func TestLedgerRejectsStaleExpected(t *testing.T) {
	l, err := New(filepath.Join(t.TempDir(), "ledger.json"))
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	ctx := context.Background()
	if _, err := l.AppendTransaction(ctx, entry("1", 10, 10), 0); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := l.AppendTransaction(ctx, entry("2", 10, 10), 0); !errors.Is(err, core.ErrBalanceConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := l.AppendTransaction(ctx, entry("3", -20, -10), 10); !errors.Is(err, core.ErrIntegrity) {
		t.Fatalf("expected integrity error, got %v", err)
	}
	users, _ := l.Users(ctx)
	if len(users) != 1 || users[0] != "alice" {
		t.Fatalf("unexpected users %v", users)
	}
}
