package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestCheckSubmission(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-10 * time.Second)
	old := now.Add(-2 * time.Minute)

	if err := CheckSubmission(nil, "ca1", now, time.Minute); err != nil {
		t.Fatalf("first submission must pass: %v", err)
	}

	fresh := &SubmitterProfile{SubmitterID: "u1"}
	if err := CheckSubmission(fresh, "ca1", now, time.Minute); err != nil {
		t.Fatalf("profile without last submission must pass: %v", err)
	}

	dup := &SubmitterProfile{SubmitterID: "u1", LastSubmissionAt: &old, Contracts: map[string]struct{}{"ca1": {}}}
	if err := CheckSubmission(dup, "ca1", now, time.Minute); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	busy := &SubmitterProfile{SubmitterID: "u1", LastSubmissionAt: &recent, Contracts: map[string]struct{}{"ca1": {}}}
	err := CheckSubmission(busy, "ca2", now, time.Minute)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	var cd *CooldownError
	if !errors.As(err, &cd) || cd.RetryAfter != 50*time.Second {
		t.Fatalf("retry after = %v", err)
	}

	// Conflict wins over cooldown for the same key.
	if err := CheckSubmission(busy, "ca1", now, time.Minute); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	rested := &SubmitterProfile{SubmitterID: "u1", LastSubmissionAt: &old}
	if err := CheckSubmission(rested, "ca2", now, time.Minute); err != nil {
		t.Fatalf("cooldown elapsed: %v", err)
	}
}

func TestPurchaseAmountPrefersSettlement(t *testing.T) {
	rec := PurchaseRecord{}
	if _, ok := rec.Amount(); ok {
		t.Fatal("empty record has no amount")
	}
	rec.Price.Valid = true
	rec.Price.Decimal = decimal.NewFromInt(3)
	if amt, ok := rec.Amount(); !ok || !amt.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("price fallback = %s", amt)
	}
	rec.SettlementAmount.Valid = true
	rec.SettlementAmount.Decimal = decimal.NewFromInt(7)
	if amt, _ := rec.Amount(); !amt.Equal(decimal.NewFromInt(7)) {
		t.Fatalf("settlement amount = %s", amt)
	}
}
