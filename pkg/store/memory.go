package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-process Store with the same semantics as RedisStore.
// It backs tests and single-instance deployments; the mutex plays the role
// of Redis's single-threaded script execution.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*memWindow
	hashes  map[string]*memHash
}

var _ Store = (*MemoryStore)(nil)

type memWindow struct {
	entries  []memEntry
	expireAt time.Time
}

type memEntry struct {
	score  int64 // unix ms
	member string
}

type memHash struct {
	fields   map[string]string
	expireAt time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows: make(map[string]*memWindow),
		hashes:  make(map[string]*memHash),
	}
}

// WindowAdmit implements Store.
func (s *MemoryStore) WindowAdmit(ctx context.Context, key string, window time.Duration, max int64, now time.Time, member string) (WindowDecision, error) {
	if err := ctx.Err(); err != nil {
		return WindowDecision{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.windows[key]
	if w == nil || (!w.expireAt.IsZero() && !now.Before(w.expireAt)) {
		w = &memWindow{}
		s.windows[key] = w
	}

	nowMs := now.UnixMilli()
	cutoff := nowMs - window.Milliseconds()

	// Purge entries outside the live window.
	kept := w.entries[:0]
	for _, e := range w.entries {
		if e.score > cutoff {
			kept = append(kept, e)
		}
	}
	w.entries = kept

	// Tentative insert (set semantics on member).
	replaced := false
	for i := range w.entries {
		if w.entries[i].member == member {
			w.entries[i].score = nowMs
			replaced = true
			break
		}
	}
	if !replaced {
		w.entries = append(w.entries, memEntry{score: nowMs, member: member})
	}
	sort.Slice(w.entries, func(i, j int) bool { return w.entries[i].score < w.entries[j].score })

	count := int64(len(w.entries))
	if count > max {
		// Remove the tentative insert again.
		for i := range w.entries {
			if w.entries[i].member == member {
				w.entries = append(w.entries[:i], w.entries[i+1:]...)
				break
			}
		}
		oldest := nowMs
		if len(w.entries) > 0 {
			oldest = w.entries[0].score
		}
		return WindowDecision{Allowed: false, Count: count - 1, Oldest: time.UnixMilli(oldest)}, nil
	}

	w.expireAt = now.Add(window)
	return WindowDecision{Allowed: true, Count: count}, nil
}

// FixedIncr implements Store.
func (s *MemoryStore) FixedIncr(ctx context.Context, key string, window time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.liveHash(key, time.Now())
	if h == nil {
		h = &memHash{fields: make(map[string]string)}
		s.hashes[key] = h
	}

	current := int64(0)
	if raw, ok := h.fields["n"]; ok {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("fixed incr %q: %w", key, ErrMalformedCounter)
		}
		current = n
	}
	current++
	h.fields["n"] = strconv.FormatInt(current, 10)
	h.expireAt = time.Now().Add(window)
	return current, nil
}

// LedgerRead implements Store.
func (s *MemoryStore) LedgerRead(ctx context.Context, key string) (Ledger, error) {
	if err := ctx.Err(); err != nil {
		return Ledger{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.liveHash(key, time.Now())
	if h == nil {
		return Ledger{Warned: make(map[int]bool)}, nil
	}
	return parseLedger(h.fields), nil
}

// LedgerCommit implements Store.
func (s *MemoryStore) LedgerCommit(ctx context.Context, key string, delta Delta, expireAt time.Time, limit int64, thresholds []int) (CommitResult, error) {
	if err := ctx.Err(); err != nil {
		return CommitResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.liveHash(key, time.Now())
	if h == nil {
		h = &memHash{fields: make(map[string]string)}
		s.hashes[key] = h
	}

	tokens, err := s.hincr(h, FieldTokens, delta.Tokens)
	if err != nil {
		return CommitResult{}, fmt.Errorf("ledger commit %q: %w", key, err)
	}
	cost, err := s.hincr(h, FieldCostMicros, delta.CostMicros)
	if err != nil {
		return CommitResult{}, fmt.Errorf("ledger commit %q: %w", key, err)
	}
	reqs, err := s.hincr(h, FieldRequests, delta.Requests)
	if err != nil {
		return CommitResult{}, fmt.Errorf("ledger commit %q: %w", key, err)
	}
	h.expireAt = expireAt

	result := CommitResult{Tokens: tokens, CostMicros: cost, Requests: reqs}
	result.Crossed = markLocked(h, tokens, limit, thresholds)
	return result, nil
}

// LedgerReserve implements Store. The mutex makes the comparisons and
// increments one atomic unit, matching the Redis script.
func (s *MemoryStore) LedgerReserve(ctx context.Context, req ReserveRequest) (ReserveResult, error) {
	if err := ctx.Err(); err != nil {
		return ReserveResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	daily := s.countersLocked(req.DailyKey, now)
	var monthly CommitResult
	if req.MonthlyKey != "" {
		monthly = s.countersLocked(req.MonthlyKey, now)
	}

	denied := func(by ReserveDenial) (ReserveResult, error) {
		return ReserveResult{DeniedBy: by, Daily: daily, Monthly: monthly}, nil
	}
	if limit := req.DailyTokenLimit; limit > 0 &&
		(daily.Tokens >= limit || daily.Tokens+req.Amount > limit) {
		return denied(ReserveDeniedDailyTokens)
	}
	if limit := req.DailyCostLimit; limit > 0 && daily.CostMicros >= limit {
		return denied(ReserveDeniedDailyCost)
	}
	if limit := req.MonthlyTokenLimit; req.MonthlyKey != "" && limit > 0 &&
		(monthly.Tokens >= limit || monthly.Tokens+req.Amount > limit) {
		return denied(ReserveDeniedMonthlyTokens)
	}

	var err error
	daily, err = s.reserveLocked(req.DailyKey, req.Amount, req.DailyExpireAt, req.DailyTokenLimit, req.Thresholds, now)
	if err != nil {
		return ReserveResult{}, fmt.Errorf("ledger reserve %q: %w", req.DailyKey, err)
	}
	if req.MonthlyKey != "" {
		monthly, err = s.reserveLocked(req.MonthlyKey, req.Amount, req.MonthlyExpireAt, req.MonthlyTokenLimit, req.Thresholds, now)
		if err != nil {
			return ReserveResult{}, fmt.Errorf("ledger reserve %q: %w", req.MonthlyKey, err)
		}
	}

	return ReserveResult{Allowed: true, Daily: daily, Monthly: monthly}, nil
}

// MarkThresholds implements Store.
func (s *MemoryStore) MarkThresholds(ctx context.Context, key string, expireAt time.Time, used, limit int64, thresholds []int) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.liveHash(key, time.Now())
	if h == nil {
		h = &memHash{fields: make(map[string]string)}
		s.hashes[key] = h
	}

	crossed := markLocked(h, used, limit, thresholds)
	if len(crossed) > 0 {
		h.expireAt = expireAt
	}
	return crossed, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.windows, key)
		delete(s.hashes, key)
	}
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}

// SetHashField seeds a raw hash field, bypassing integer encoding. Tests use
// it to simulate corrupted counters written by other systems.
func (s *MemoryStore) SetHashField(key, field, raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.hashes[key]
	if h == nil {
		h = &memHash{fields: make(map[string]string)}
		s.hashes[key] = h
	}
	h.fields[field] = raw
}

// countersLocked reads the numeric counters at key, malformed fields as
// zero, matching the reserve script's reads.
// Caller must hold the lock.
func (s *MemoryStore) countersLocked(key string, now time.Time) CommitResult {
	h := s.liveHash(key, now)
	if h == nil {
		return CommitResult{}
	}
	ledger := parseLedger(h.fields)
	return CommitResult{Tokens: ledger.Tokens, CostMicros: ledger.CostMicros, Requests: ledger.Requests}
}

// reserveLocked applies an allowed reservation to one ledger: token
// increment, expiry refresh, threshold arming.
// Caller must hold the lock.
func (s *MemoryStore) reserveLocked(key string, amount int64, expireAt time.Time, limit int64, thresholds []int, now time.Time) (CommitResult, error) {
	h := s.liveHash(key, now)
	if h == nil {
		h = &memHash{fields: make(map[string]string)}
		s.hashes[key] = h
	}

	tokens, err := s.hincr(h, FieldTokens, amount)
	if err != nil {
		return CommitResult{}, err
	}
	h.expireAt = expireAt

	ledger := parseLedger(h.fields)
	res := CommitResult{Tokens: tokens, CostMicros: ledger.CostMicros, Requests: ledger.Requests}
	res.Crossed = markLocked(h, tokens, limit, thresholds)
	return res, nil
}

// liveHash returns the hash at key, dropping it first if expired.
// Caller must hold the lock.
func (s *MemoryStore) liveHash(key string, now time.Time) *memHash {
	h := s.hashes[key]
	if h == nil {
		return nil
	}
	if !h.expireAt.IsZero() && !now.Before(h.expireAt) {
		delete(s.hashes, key)
		return nil
	}
	return h
}

// hincr applies HINCRBY semantics to one field.
// Caller must hold the lock.
func (s *MemoryStore) hincr(h *memHash, field string, delta int64) (int64, error) {
	current := int64(0)
	if raw, ok := h.fields[field]; ok {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("field %q: %w", field, ErrMalformedCounter)
		}
		current = n
	}
	current += delta
	h.fields[field] = strconv.FormatInt(current, 10)
	return current, nil
}

// markLocked applies HSETNX threshold-arming semantics.
// Caller must hold the lock.
func markLocked(h *memHash, used, limit int64, thresholds []int) []int {
	if limit <= 0 {
		return nil
	}
	var crossed []int
	for _, th := range thresholds {
		if used*100 < limit*int64(th) {
			continue
		}
		field := warnedPrefix + strconv.Itoa(th)
		if _, set := h.fields[field]; set {
			continue
		}
		h.fields[field] = "1"
		crossed = append(crossed, th)
	}
	return crossed
}
