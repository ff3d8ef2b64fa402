package core

import (
	"errors"
	"math"
	"testing"
)

func TestAddSafe(t *testing.T) {
	if v, err := AddSafe(10, 5); err != nil || v != 15 {
		t.Fatalf("got %v %v", v, err)
	}
	if _, err := AddSafe(math.MaxInt64, 1); err == nil {
		t.Fatalf("expected overflow")
	}
	if _, err := AddSafe(math.MinInt64, -1); err == nil {
		t.Fatalf("expected underflow")
	}
}

func TestNormalizeUserID(t *testing.T) {
	id, err := NormalizeUserID(" Alice ")
	if err != nil || id != "alice" {
		t.Fatalf("got %v %v", id, err)
	}
	_, err = NormalizeUserID("   ")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDefaultLevel(t *testing.T) {
	if DefaultLevel(0) != 1 {
		t.Fatal("min level should be 1")
	}
	if DefaultLevel(10_000) != 11 {
		t.Fatalf("unexpected level %d", DefaultLevel(10_000))
	}
}

func TestPageNormalize(t *testing.T) {
	p := Page{Offset: -3, Limit: 0}.Normalize()
	if p.Offset != 0 || p.Limit != DefaultPageLimit {
		t.Fatalf("unexpected page %+v", p)
	}
	if (Page{Limit: 10_000}).Normalize().Limit != MaxPageLimit {
		t.Fatal("limit should be clamped")
	}
}

func TestTransactionCloneIsDeep(t *testing.T) {
	tx := PointTransaction{
		Multipliers: []Multiplier{{Name: "vip", Factor: 1.5}},
		Context:     map[string]any{"nested": map[string]any{"k": "v"}},
	}
	cp := tx.Clone()
	cp.Multipliers[0].Factor = 3
	cp.Context["nested"].(map[string]any)["k"] = "changed"
	if tx.Multipliers[0].Factor != 1.5 {
		t.Fatal("multipliers shared")
	}
	if tx.Context["nested"].(map[string]any)["k"] != "v" {
		t.Fatal("context shared")
	}
}
