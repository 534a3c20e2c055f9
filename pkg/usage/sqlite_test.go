package usage

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func dailyTotals(identifier string, tokens int64) PeriodTotals {
	return PeriodTotals{
		Scope:      "apikey",
		Identifier: identifier,
		PeriodType: "daily",
		PeriodKey:  "2026-08-30",
		Tokens:     tokens,
		CostMicros: tokens * 10,
		Requests:   tokens / 100,
	}
}

// ============================================================================
// RecordTotals Tests
// ============================================================================

func TestRecordTotals_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.RecordTotals(ctx, dailyTotals("k1", 5_000)); err != nil {
		t.Fatalf("RecordTotals: %v", err)
	}

	got, err := store.Totals(ctx, "apikey", "k1", "daily", "2026-08-30")
	if err != nil {
		t.Fatalf("Totals: %v", err)
	}
	if got == nil {
		t.Fatal("expected a stored period")
	}
	if got.Tokens != 5_000 || got.CostMicros != 50_000 || got.Requests != 50 {
		t.Errorf("totals = %+v, want tokens=5000 cost=50000 requests=50", got)
	}
}

func TestRecordTotals_MonotonicUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.RecordTotals(ctx, dailyTotals("k1", 8_000)); err != nil {
		t.Fatalf("RecordTotals: %v", err)
	}
	// A stale snapshot arriving late must not regress the row.
	if err := store.RecordTotals(ctx, dailyTotals("k1", 3_000)); err != nil {
		t.Fatalf("RecordTotals: %v", err)
	}
	// Replaying the newest snapshot is a no-op.
	if err := store.RecordTotals(ctx, dailyTotals("k1", 8_000)); err != nil {
		t.Fatalf("RecordTotals: %v", err)
	}

	got, err := store.Totals(ctx, "apikey", "k1", "daily", "2026-08-30")
	if err != nil {
		t.Fatalf("Totals: %v", err)
	}
	if got.Tokens != 8_000 {
		t.Errorf("tokens = %d, want 8000 (stale snapshot must not regress)", got.Tokens)
	}
}

func TestRecordTotals_Validation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.RecordTotals(ctx, PeriodTotals{Identifier: "k1", PeriodType: "daily", PeriodKey: "2026-08-30"}); err == nil {
		t.Error("expected error for empty scope")
	}
	if err := store.RecordTotals(ctx, PeriodTotals{Scope: "apikey", Identifier: "k1", PeriodType: "daily"}); err == nil {
		t.Error("expected error for empty period key")
	}
}

// ============================================================================
// Query Tests
// ============================================================================

func TestTotals_MissingPeriodIsNil(t *testing.T) {
	store := newTestStore(t)

	got, err := store.Totals(context.Background(), "apikey", "nobody", "daily", "2026-08-30")
	if err != nil {
		t.Fatalf("Totals: %v", err)
	}
	if got != nil {
		t.Errorf("totals = %+v, want nil for unrecorded period", got)
	}
}

func TestListIdentifiers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"k2", "k1", "k3"} {
		if err := store.RecordTotals(ctx, dailyTotals(id, 100)); err != nil {
			t.Fatalf("RecordTotals: %v", err)
		}
	}
	// A different period must not leak in.
	other := dailyTotals("k9", 100)
	other.PeriodKey = "2026-08-29"
	if err := store.RecordTotals(ctx, other); err != nil {
		t.Fatalf("RecordTotals: %v", err)
	}

	ids, err := store.ListIdentifiers(ctx, "apikey", "daily", "2026-08-30")
	if err != nil {
		t.Fatalf("ListIdentifiers: %v", err)
	}
	want := []string{"k1", "k2", "k3"}
	if len(ids) != len(want) {
		t.Fatalf("identifiers = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("identifiers[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
}

func TestListPeriods(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	daily := dailyTotals("k1", 100)
	monthly := dailyTotals("k1", 900)
	monthly.PeriodType = "monthly"
	monthly.PeriodKey = "2026-08"

	for _, tot := range []PeriodTotals{daily, monthly} {
		if err := store.RecordTotals(ctx, tot); err != nil {
			t.Fatalf("RecordTotals: %v", err)
		}
	}

	periods, err := store.ListPeriods(ctx, "apikey", "k1")
	if err != nil {
		t.Fatalf("ListPeriods: %v", err)
	}
	if len(periods) != 2 {
		t.Fatalf("got %d periods, want 2", len(periods))
	}
}

func TestCleanup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := dailyTotals("k1", 100)
	old.PeriodKey = "2026-05-01"
	old.UpdatedAt = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	if err := store.RecordTotals(ctx, old); err != nil {
		t.Fatalf("RecordTotals: %v", err)
	}
	if err := store.RecordTotals(ctx, dailyTotals("k1", 200)); err != nil {
		t.Fatalf("RecordTotals: %v", err)
	}

	deleted, err := store.Cleanup(ctx, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	got, err := store.Totals(ctx, "apikey", "k1", "daily", "2026-08-30")
	if err != nil {
		t.Fatalf("Totals: %v", err)
	}
	if got == nil {
		t.Error("recent period should survive cleanup")
	}
}

func TestClose_Idempotent(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
