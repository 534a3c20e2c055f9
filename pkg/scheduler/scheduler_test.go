package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"gatewise/turnstile/pkg/store"
	"gatewise/turnstile/pkg/usage"
)

var testTime = time.Date(2026, 8, 30, 0, 0, 30, 0, time.UTC)

func testClock() time.Time { return testTime }

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *store.MemoryStore, *usage.SQLiteStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	db, err := usage.NewSQLiteStore(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	s, err := New(cfg, mem, db, []string{"apikey"}, nil, testClock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, mem, db
}

func seedLedger(t *testing.T, mem *store.MemoryStore, segment, identifier, periodKey string, tokens int64) string {
	t.Helper()
	key := store.LedgerKey("", "apikey", segment, identifier, periodKey)
	_, err := mem.LedgerCommit(context.Background(), key, store.Delta{Tokens: tokens},
		time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), 0, nil)
	if err != nil {
		t.Fatalf("LedgerCommit: %v", err)
	}
	return key
}

func seedTotals(t *testing.T, db *usage.SQLiteStore, identifier, periodType, periodKey string) {
	t.Helper()
	err := db.RecordTotals(context.Background(), usage.PeriodTotals{
		Scope:      "apikey",
		Identifier: identifier,
		PeriodType: periodType,
		PeriodKey:  periodKey,
		Tokens:     100,
	})
	if err != nil {
		t.Fatalf("RecordTotals: %v", err)
	}
}

// ============================================================================
// Rollover Tests
// ============================================================================

func TestDailyRollover_SweepsEndedPeriod(t *testing.T) {
	s, mem, db := newTestScheduler(t, Config{})
	ctx := context.Background()

	// Just past midnight on the 30th: the ended period is the 29th.
	endedKey := seedLedger(t, mem, store.SegmentDaily, "k1", "2026-08-29", 500)
	currentKey := seedLedger(t, mem, store.SegmentDaily, "k1", "2026-08-30", 50)
	seedTotals(t, db, "k1", "daily", "2026-08-29")
	seedTotals(t, db, "k1", "daily", "2026-08-30")

	if err := s.RunDailyRollover(ctx); err != nil {
		t.Fatalf("RunDailyRollover: %v", err)
	}

	ended, err := mem.LedgerRead(ctx, endedKey)
	if err != nil {
		t.Fatalf("LedgerRead: %v", err)
	}
	if ended.Tokens != 0 {
		t.Errorf("ended period ledger tokens = %d, want swept to 0", ended.Tokens)
	}

	current, err := mem.LedgerRead(ctx, currentKey)
	if err != nil {
		t.Fatalf("LedgerRead: %v", err)
	}
	if current.Tokens != 50 {
		t.Errorf("current period ledger tokens = %d, want untouched 50", current.Tokens)
	}
}

func TestMonthlyRollover_SweepsPreviousMonth(t *testing.T) {
	// Pin the clock to just past the September boundary; the ended month
	// is August.
	mem := store.NewMemoryStore()
	db, err := usage.NewSQLiteStore(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer db.Close()

	clock := func() time.Time { return time.Date(2026, 9, 1, 0, 0, 30, 0, time.UTC) }
	s, err := New(Config{Timezone: "UTC"}, mem, db, []string{"apikey"}, nil, clock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	endedKey := seedLedger(t, mem, store.SegmentMonthly, "k1", "2026-08", 900)
	seedTotals(t, db, "k1", "monthly", "2026-08")

	if err := s.RunMonthlyRollover(ctx); err != nil {
		t.Fatalf("RunMonthlyRollover: %v", err)
	}

	ended, err := mem.LedgerRead(ctx, endedKey)
	if err != nil {
		t.Fatalf("LedgerRead: %v", err)
	}
	if ended.Tokens != 0 {
		t.Errorf("ended month ledger tokens = %d, want swept to 0", ended.Tokens)
	}
}

func TestDailyRollover_NoIdentifiersIsNoop(t *testing.T) {
	s, _, _ := newTestScheduler(t, Config{})
	if err := s.RunDailyRollover(context.Background()); err != nil {
		t.Fatalf("RunDailyRollover on empty store: %v", err)
	}
}

// ============================================================================
// Configuration Tests
// ============================================================================

func TestDailyCronSpec(t *testing.T) {
	tests := []struct {
		resetTime string
		want      string
		wantErr   bool
	}{
		{"", "0 0 * * *", false},
		{"00:00", "0 0 * * *", false},
		{"03:30", "30 3 * * *", false},
		{"23:59", "59 23 * * *", false},
		{"24:00", "", true},
		{"12:60", "", true},
		{"noon", "", true},
	}
	for _, tt := range tests {
		got, err := dailyCronSpec(tt.resetTime)
		if tt.wantErr {
			if err == nil {
				t.Errorf("dailyCronSpec(%q): expected error", tt.resetTime)
			}
			continue
		}
		if err != nil {
			t.Errorf("dailyCronSpec(%q): %v", tt.resetTime, err)
			continue
		}
		if got != tt.want {
			t.Errorf("dailyCronSpec(%q) = %q, want %q", tt.resetTime, got, tt.want)
		}
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	mem := store.NewMemoryStore()
	db, err := usage.NewSQLiteStore(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer db.Close()

	if _, err := New(Config{Timezone: "Mars/Olympus"}, mem, db, nil, nil, nil); err == nil {
		t.Error("expected error for bad timezone")
	}
	if _, err := New(Config{ResetTime: "25:00", Timezone: "UTC"}, mem, db, nil, nil, nil); err == nil {
		t.Error("expected error for bad reset time")
	}
}
