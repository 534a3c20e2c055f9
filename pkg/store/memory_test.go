package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Window Admission Tests
// ============================================================================

func TestMemoryStore_WindowAdmit_Basic(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.UnixMilli(1_000_000)
	key := WindowKey("", "apikey", "u1")

	for i := 0; i < 10; i++ {
		d, err := s.WindowAdmit(ctx, key, time.Minute, 10, now, member(i))
		if err != nil {
			t.Fatalf("WindowAdmit: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if d.Count != int64(i+1) {
			t.Errorf("request %d: count = %d, want %d", i+1, d.Count, i+1)
		}
	}

	// 11th request in the same window is denied.
	d, err := s.WindowAdmit(ctx, key, time.Minute, 10, now.Add(500*time.Millisecond), "m-11")
	if err != nil {
		t.Fatalf("WindowAdmit: %v", err)
	}
	if d.Allowed {
		t.Fatal("11th request should be denied")
	}
	if d.Count != 10 {
		t.Errorf("count after denial = %d, want 10 (tentative insert removed)", d.Count)
	}
	if !d.Oldest.Equal(now) {
		t.Errorf("oldest = %v, want %v", d.Oldest, now)
	}
}

func TestMemoryStore_WindowAdmit_SlideReopens(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.UnixMilli(1_000_000)
	key := WindowKey("", "apikey", "u1")

	for i := 0; i < 10; i++ {
		if _, err := s.WindowAdmit(ctx, key, time.Minute, 10, now, member(i)); err != nil {
			t.Fatalf("WindowAdmit: %v", err)
		}
	}

	// After the window slides past the burst, the slot reopens.
	d, err := s.WindowAdmit(ctx, key, time.Minute, 10, now.Add(61*time.Second), "m-retry")
	if err != nil {
		t.Fatalf("WindowAdmit: %v", err)
	}
	if !d.Allowed {
		t.Fatal("request after window slide should be allowed")
	}
	if d.Count != 1 {
		t.Errorf("count = %d, want 1 (old entries purged)", d.Count)
	}
}

func TestMemoryStore_WindowAdmit_Concurrent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.UnixMilli(1_000_000)
	key := WindowKey("", "apikey", "hot")

	const max = 25
	const callers = 200

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := s.WindowAdmit(ctx, key, time.Minute, max, now, member(i))
			if err != nil {
				t.Errorf("WindowAdmit: %v", err)
				return
			}
			if d.Allowed {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if admitted != max {
		t.Errorf("admitted = %d, want exactly %d", admitted, max)
	}
}

// ============================================================================
// Fixed Window Tests
// ============================================================================

func TestMemoryStore_FixedIncr(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	key := FixedWindowKey("", "user", "u1", 1_000_000)

	for want := int64(1); want <= 3; want++ {
		got, err := s.FixedIncr(ctx, key, time.Minute)
		if err != nil {
			t.Fatalf("FixedIncr: %v", err)
		}
		if got != want {
			t.Errorf("count = %d, want %d", got, want)
		}
	}
}

// ============================================================================
// Ledger Tests
// ============================================================================

func TestMemoryStore_LedgerCommit_Accumulates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	key := LedgerKey("", "apikey", SegmentDaily, "u1", "2026-08-30")
	expire := time.Now().Add(time.Hour)

	res, err := s.LedgerCommit(ctx, key, Delta{Tokens: 500, CostMicros: 1200, Requests: 1}, expire, 0, nil)
	if err != nil {
		t.Fatalf("LedgerCommit: %v", err)
	}
	if res.Tokens != 500 || res.CostMicros != 1200 || res.Requests != 1 {
		t.Errorf("totals = %+v, want 500/1200/1", res)
	}

	res, err = s.LedgerCommit(ctx, key, Delta{Tokens: 250, CostMicros: 600, Requests: 1}, expire, 0, nil)
	if err != nil {
		t.Fatalf("LedgerCommit: %v", err)
	}
	if res.Tokens != 750 || res.CostMicros != 1800 || res.Requests != 2 {
		t.Errorf("totals = %+v, want 750/1800/2", res)
	}

	ledger, err := s.LedgerRead(ctx, key)
	if err != nil {
		t.Fatalf("LedgerRead: %v", err)
	}
	if ledger.Tokens != 750 {
		t.Errorf("read tokens = %d, want 750", ledger.Tokens)
	}
}

func TestMemoryStore_LedgerCommit_ThresholdsFireOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	key := LedgerKey("", "apikey", SegmentDaily, "u1", "2026-08-30")
	expire := time.Now().Add(time.Hour)
	thresholds := []int{80, 95}

	res, err := s.LedgerCommit(ctx, key, Delta{Tokens: 800, Requests: 1}, expire, 1000, thresholds)
	if err != nil {
		t.Fatalf("LedgerCommit: %v", err)
	}
	if len(res.Crossed) != 1 || res.Crossed[0] != 80 {
		t.Errorf("crossed = %v, want [80]", res.Crossed)
	}

	// Same threshold never fires twice within a period.
	res, err = s.LedgerCommit(ctx, key, Delta{Tokens: 50, Requests: 1}, expire, 1000, thresholds)
	if err != nil {
		t.Fatalf("LedgerCommit: %v", err)
	}
	if len(res.Crossed) != 0 {
		t.Errorf("crossed = %v, want none", res.Crossed)
	}

	// Crossing the next threshold fires exactly that one.
	res, err = s.LedgerCommit(ctx, key, Delta{Tokens: 100, Requests: 1}, expire, 1000, thresholds)
	if err != nil {
		t.Fatalf("LedgerCommit: %v", err)
	}
	if len(res.Crossed) != 1 || res.Crossed[0] != 95 {
		t.Errorf("crossed = %v, want [95]", res.Crossed)
	}
}

func TestMemoryStore_LedgerCommit_ConcurrentCrossings(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	key := LedgerKey("", "apikey", SegmentDaily, "u1", "2026-08-30")
	expire := time.Now().Add(time.Hour)

	const callers = 1000

	var wg sync.WaitGroup
	var mu sync.Mutex
	fired := map[int]int{}

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.LedgerCommit(ctx, key, Delta{Tokens: 10, Requests: 1}, expire, 1000, []int{80, 95})
			if err != nil {
				t.Errorf("LedgerCommit: %v", err)
				return
			}
			if len(res.Crossed) > 0 {
				mu.Lock()
				for _, th := range res.Crossed {
					fired[th]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if fired[80] != 1 || fired[95] != 1 {
		t.Errorf("threshold fire counts = %v, want exactly one each for 80 and 95", fired)
	}
}

func TestMemoryStore_LedgerReserve_DenialMutatesNothing(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	key := LedgerKey("", "apikey", SegmentDaily, "u1", "2026-08-30")
	expire := time.Now().Add(time.Hour)
	req := ReserveRequest{DailyKey: key, DailyTokenLimit: 1000, DailyExpireAt: expire, Amount: 600}

	res, err := s.LedgerReserve(ctx, req)
	if err != nil {
		t.Fatalf("LedgerReserve: %v", err)
	}
	if !res.Allowed || res.Daily.Tokens != 600 {
		t.Fatalf("first reserve = %+v, want allowed with 600 tokens", res)
	}

	// 600 + 600 would overshoot 1000: denied, ledger untouched.
	res, err = s.LedgerReserve(ctx, req)
	if err != nil {
		t.Fatalf("LedgerReserve: %v", err)
	}
	if res.Allowed {
		t.Fatal("second reserve of 600 should be denied at limit 1000")
	}
	if res.DeniedBy != ReserveDeniedDailyTokens {
		t.Errorf("denied by = %d, want daily tokens", res.DeniedBy)
	}
	ledger, err := s.LedgerRead(ctx, key)
	if err != nil {
		t.Fatalf("LedgerRead: %v", err)
	}
	if ledger.Tokens != 600 {
		t.Errorf("tokens after denial = %d, want 600", ledger.Tokens)
	}
}

func TestMemoryStore_LedgerReserve_ExhaustedDeniesZeroAmount(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	key := LedgerKey("", "apikey", SegmentDaily, "u1", "2026-08-30")
	expire := time.Now().Add(time.Hour)

	if _, err := s.LedgerReserve(ctx, ReserveRequest{DailyKey: key, DailyTokenLimit: 1000, DailyExpireAt: expire, Amount: 1000}); err != nil {
		t.Fatalf("LedgerReserve: %v", err)
	}

	res, err := s.LedgerReserve(ctx, ReserveRequest{DailyKey: key, DailyTokenLimit: 1000, DailyExpireAt: expire, Amount: 0})
	if err != nil {
		t.Fatalf("LedgerReserve: %v", err)
	}
	if res.Allowed {
		t.Error("zero-amount reserve against a full ledger should be denied")
	}
}

func TestMemoryStore_LedgerReserve_MonthlyLegAndThresholds(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	dailyKey := LedgerKey("", "apikey", SegmentDaily, "u1", "2026-08-30")
	monthlyKey := LedgerKey("", "apikey", SegmentMonthly, "u1", "2026-08")
	expire := time.Now().Add(time.Hour)

	req := ReserveRequest{
		DailyKey:          dailyKey,
		DailyTokenLimit:   1000,
		DailyExpireAt:     expire,
		MonthlyKey:        monthlyKey,
		MonthlyTokenLimit: 900,
		MonthlyExpireAt:   expire,
		Amount:            850,
		Thresholds:        []int{80, 95},
	}
	res, err := s.LedgerReserve(ctx, req)
	if err != nil {
		t.Fatalf("LedgerReserve: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("reserve should pass both legs, denied by %d", res.DeniedBy)
	}
	// 850/1000 daily and 850/900 monthly both cross 80%.
	if len(res.Daily.Crossed) != 1 || res.Daily.Crossed[0] != 80 {
		t.Errorf("daily crossed = %v, want [80]", res.Daily.Crossed)
	}
	if len(res.Monthly.Crossed) != 1 || res.Monthly.Crossed[0] != 80 {
		t.Errorf("monthly crossed = %v, want [80]", res.Monthly.Crossed)
	}

	// The tighter monthly limit denies the next reservation even though
	// the daily leg has room, and the daily ledger stays untouched.
	req.Amount = 100
	res, err = s.LedgerReserve(ctx, req)
	if err != nil {
		t.Fatalf("LedgerReserve: %v", err)
	}
	if res.Allowed || res.DeniedBy != ReserveDeniedMonthlyTokens {
		t.Fatalf("reserve = %+v, want monthly-token denial", res)
	}
	ledger, err := s.LedgerRead(ctx, dailyKey)
	if err != nil {
		t.Fatalf("LedgerRead: %v", err)
	}
	if ledger.Tokens != 850 {
		t.Errorf("daily tokens after monthly denial = %d, want 850", ledger.Tokens)
	}
}

func TestMemoryStore_LedgerRead_MalformedField(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	key := LedgerKey("", "user", SegmentDaily, "u1", "2026-08-30")

	s.SetHashField(key, FieldTokens, "not-a-number")

	ledger, err := s.LedgerRead(ctx, key)
	if err != nil {
		t.Fatalf("LedgerRead: %v", err)
	}
	if ledger.Tokens != 0 {
		t.Errorf("tokens = %d, want 0 for malformed field", ledger.Tokens)
	}
	if len(ledger.Malformed) != 1 || ledger.Malformed[0] != FieldTokens {
		t.Errorf("malformed = %v, want [%s]", ledger.Malformed, FieldTokens)
	}
}

func TestMemoryStore_MarkThresholds_Standalone(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	key := LedgerKey("", "group", SegmentMonthly, "g1", "2026-08")
	expire := time.Now().Add(time.Hour)

	crossed, err := s.MarkThresholds(ctx, key, expire, 960, 1000, []int{80, 95})
	if err != nil {
		t.Fatalf("MarkThresholds: %v", err)
	}
	if len(crossed) != 2 {
		t.Fatalf("crossed = %v, want [80 95]", crossed)
	}

	crossed, err = s.MarkThresholds(ctx, key, expire, 990, 1000, []int{80, 95})
	if err != nil {
		t.Fatalf("MarkThresholds: %v", err)
	}
	if len(crossed) != 0 {
		t.Errorf("crossed = %v, want none on second evaluation", crossed)
	}
}

func TestMemoryStore_Delete_ClearsLedgerAndWarnings(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	key := LedgerKey("", "apikey", SegmentDaily, "u1", "2026-08-30")
	expire := time.Now().Add(time.Hour)

	if _, err := s.LedgerCommit(ctx, key, Delta{Tokens: 900, Requests: 1}, expire, 1000, []int{80}); err != nil {
		t.Fatalf("LedgerCommit: %v", err)
	}

	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	// Delete is idempotent.
	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete (second call): %v", err)
	}

	ledger, err := s.LedgerRead(ctx, key)
	if err != nil {
		t.Fatalf("LedgerRead: %v", err)
	}
	if ledger.Tokens != 0 || ledger.WarnedAt(80) {
		t.Errorf("ledger after delete = %+v, want empty with cleared warnings", ledger)
	}

	// The threshold re-arms after reset.
	res, err := s.LedgerCommit(ctx, key, Delta{Tokens: 850, Requests: 1}, expire, 1000, []int{80})
	if err != nil {
		t.Fatalf("LedgerCommit: %v", err)
	}
	if len(res.Crossed) != 1 || res.Crossed[0] != 80 {
		t.Errorf("crossed after reset = %v, want [80]", res.Crossed)
	}
}

func member(i int) string {
	return fmt.Sprintf("m-%d", i)
}
