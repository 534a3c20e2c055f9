package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultOpTimeout bounds every store call so admission checks can never
// block a request indefinitely. Exceeding it surfaces as a store error and
// is handled by the caller's fail-open policy.
const DefaultOpTimeout = 500 * time.Millisecond

// windowAdmitScript implements the sliding-window admission transaction.
// Purge, tentative insert, and count execute as one atomic unit; on denial
// the insert is removed and the oldest surviving score is returned so the
// caller can compute retry timing.
//
// KEYS[1] window zset
// ARGV[1] now (unix ms), ARGV[2] window (ms), ARGV[3] max, ARGV[4] member
//
// Returns {allowed(0|1), count, oldestScoreMs}.
var windowAdmitScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
redis.call('ZADD', KEYS[1], now, ARGV[4])
local count = redis.call('ZCARD', KEYS[1])
if count > max then
  redis.call('ZREM', KEYS[1], ARGV[4])
  local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
  local score = now
  if oldest[2] then score = oldest[2] end
  return {0, count - 1, score}
end
redis.call('PEXPIRE', KEYS[1], window)
return {1, count, 0}
`)

// ledgerCommitScript applies a usage delta and arms newly-crossed warning
// thresholds in the same transaction, so each threshold fires at most once
// per period even under concurrent commits.
//
// KEYS[1] ledger hash
// ARGV[1] tokens, ARGV[2] costMicros, ARGV[3] requests,
// ARGV[4] expireAt (unix ms), ARGV[5] limit, ARGV[6..] threshold percents
//
// Returns {tokens, costMicros, requests, {crossed...}}.
var ledgerCommitScript = redis.NewScript(`
local tokens = redis.call('HINCRBY', KEYS[1], 'tokens', ARGV[1])
local cost = redis.call('HINCRBY', KEYS[1], 'cost_micros', ARGV[2])
local reqs = redis.call('HINCRBY', KEYS[1], 'requests', ARGV[3])
redis.call('PEXPIREAT', KEYS[1], ARGV[4])
local crossed = {}
local limit = tonumber(ARGV[5])
if limit > 0 then
  for i = 6, #ARGV do
    local th = tonumber(ARGV[i])
    if tokens * 100 >= limit * th then
      if redis.call('HSETNX', KEYS[1], 'warned:' .. ARGV[i], 1) == 1 then
        crossed[#crossed + 1] = th
      end
    end
  end
end
return {tokens, cost, reqs, crossed}
`)

// ledgerReserveScript is the conditional counterpart of ledgerCommitScript:
// the limit comparisons and the increments run as one atomic unit, so
// concurrent reservations can never overshoot a limit. A ledger already at
// its token limit denies even a zero amount.
//
// KEYS[1] daily ledger, KEYS[2] monthly ledger ('' disables the leg)
// ARGV[1] amount, ARGV[2] daily token limit, ARGV[3] daily cost limit,
// ARGV[4] daily expireAt (unix ms), ARGV[5] monthly token limit,
// ARGV[6] monthly expireAt (unix ms), ARGV[7..] threshold percents
//
// Returns {allowed(0|1), deniedBy, dTokens, dCost, dReqs, mTokens, mCost,
// mReqs, {dailyCrossed...}, {monthlyCrossed...}}.
var ledgerReserveScript = redis.NewScript(`
local amount = tonumber(ARGV[1])
local dLimit = tonumber(ARGV[2])
local dCostLimit = tonumber(ARGV[3])
local mLimit = tonumber(ARGV[5])

local function counter(key, field)
  local raw = redis.call('HGET', key, field)
  if not raw then return 0 end
  return tonumber(raw) or 0
end

local dTokens = counter(KEYS[1], 'tokens')
local dCost = counter(KEYS[1], 'cost_micros')
local dReqs = counter(KEYS[1], 'requests')
local mTokens, mCost, mReqs = 0, 0, 0
if KEYS[2] ~= '' then
  mTokens = counter(KEYS[2], 'tokens')
  mCost = counter(KEYS[2], 'cost_micros')
  mReqs = counter(KEYS[2], 'requests')
end

if dLimit > 0 and (dTokens >= dLimit or dTokens + amount > dLimit) then
  return {0, 1, dTokens, dCost, dReqs, mTokens, mCost, mReqs, {}, {}}
end
if dCostLimit > 0 and dCost >= dCostLimit then
  return {0, 2, dTokens, dCost, dReqs, mTokens, mCost, mReqs, {}, {}}
end
if KEYS[2] ~= '' and mLimit > 0 and (mTokens >= mLimit or mTokens + amount > mLimit) then
  return {0, 3, dTokens, dCost, dReqs, mTokens, mCost, mReqs, {}, {}}
end

dTokens = redis.call('HINCRBY', KEYS[1], 'tokens', amount)
redis.call('PEXPIREAT', KEYS[1], ARGV[4])
local dCrossed = {}
if dLimit > 0 then
  for i = 7, #ARGV do
    local th = tonumber(ARGV[i])
    if dTokens * 100 >= dLimit * th then
      if redis.call('HSETNX', KEYS[1], 'warned:' .. ARGV[i], 1) == 1 then
        dCrossed[#dCrossed + 1] = th
      end
    end
  end
end
local mCrossed = {}
if KEYS[2] ~= '' then
  mTokens = redis.call('HINCRBY', KEYS[2], 'tokens', amount)
  redis.call('PEXPIREAT', KEYS[2], ARGV[6])
  if mLimit > 0 then
    for i = 7, #ARGV do
      local th = tonumber(ARGV[i])
      if mTokens * 100 >= mLimit * th then
        if redis.call('HSETNX', KEYS[2], 'warned:' .. ARGV[i], 1) == 1 then
          mCrossed[#mCrossed + 1] = th
        end
      end
    end
  end
end
return {1, 0, dTokens, dCost, dReqs, mTokens, mCost, mReqs, dCrossed, mCrossed}
`)

// markThresholdsScript arms thresholds against a usage snapshot without
// touching the counters. Used by the escalation engine's standalone
// evaluation path.
//
// KEYS[1] ledger hash
// ARGV[1] used, ARGV[2] limit, ARGV[3] expireAt (unix ms),
// ARGV[4..] threshold percents
//
// Returns {crossed...}.
var markThresholdsScript = redis.NewScript(`
local used = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local crossed = {}
if limit > 0 then
  for i = 4, #ARGV do
    local th = tonumber(ARGV[i])
    if used * 100 >= limit * th then
      if redis.call('HSETNX', KEYS[1], 'warned:' .. ARGV[i], 1) == 1 then
        redis.call('PEXPIREAT', KEYS[1], ARGV[3])
        crossed[#crossed + 1] = th
      end
    end
  end
end
return crossed
`)

// RedisStore is the production Store backed by a shared Redis instance or
// cluster. It is constructed with an injected client; it never owns global
// state, so tests can point it at isolated databases.
type RedisStore struct {
	client    redis.UniversalClient
	opTimeout time.Duration
}

var _ Store = (*RedisStore)(nil)

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	// Addr is the Redis address, e.g. "localhost:6379".
	Addr string

	// Password authenticates the connection; empty for no auth.
	Password string

	// DB selects the Redis logical database.
	DB int

	// OpTimeout bounds each store operation. Default: DefaultOpTimeout.
	OpTimeout time.Duration
}

// NewRedisStore creates a RedisStore with its own client and verifies
// connectivity with a ping.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	s := NewRedisStoreWithClient(client, cfg.OpTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return s, nil
}

// NewRedisStoreWithClient wraps an existing client. The caller keeps
// ownership decisions simple: Close closes the client either way.
func NewRedisStoreWithClient(client redis.UniversalClient, opTimeout time.Duration) *RedisStore {
	if opTimeout <= 0 {
		opTimeout = DefaultOpTimeout
	}
	return &RedisStore{client: client, opTimeout: opTimeout}
}

// WindowAdmit implements Store.
func (s *RedisStore) WindowAdmit(ctx context.Context, key string, window time.Duration, max int64, now time.Time, member string) (WindowDecision, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	res, err := windowAdmitScript.Run(ctx, s.client, []string{key},
		now.UnixMilli(), window.Milliseconds(), max, member).Result()
	if err != nil {
		return WindowDecision{}, fmt.Errorf("window admit %q: %w", key, err)
	}

	parts, ok := res.([]interface{})
	if !ok || len(parts) != 3 {
		return WindowDecision{}, fmt.Errorf("window admit %q: unexpected reply %v", key, res)
	}

	allowed := replyInt(parts[0]) == 1
	decision := WindowDecision{
		Allowed: allowed,
		Count:   replyInt(parts[1]),
	}
	if !allowed {
		decision.Oldest = time.UnixMilli(replyInt(parts[2]))
	}
	return decision, nil
}

// FixedIncr implements Store using the INCR+PEXPIRE transaction pipeline.
func (s *RedisStore) FixedIncr(ctx context.Context, key string, window time.Duration) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	pipe := s.client.TxPipeline()
	counter := pipe.Incr(ctx, key)
	pipe.PExpire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("fixed incr %q: %w", key, err)
	}
	return counter.Val(), nil
}

// LedgerRead implements Store.
func (s *RedisStore) LedgerRead(ctx context.Context, key string) (Ledger, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return Ledger{}, fmt.Errorf("ledger read %q: %w", key, err)
	}
	return parseLedger(fields), nil
}

// LedgerCommit implements Store.
func (s *RedisStore) LedgerCommit(ctx context.Context, key string, delta Delta, expireAt time.Time, limit int64, thresholds []int) (CommitResult, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	args := make([]interface{}, 0, 5+len(thresholds))
	args = append(args, delta.Tokens, delta.CostMicros, delta.Requests, expireAt.UnixMilli(), limit)
	for _, th := range thresholds {
		args = append(args, th)
	}

	res, err := ledgerCommitScript.Run(ctx, s.client, []string{key}, args...).Result()
	if err != nil {
		return CommitResult{}, fmt.Errorf("ledger commit %q: %w", key, err)
	}

	parts, ok := res.([]interface{})
	if !ok || len(parts) != 4 {
		return CommitResult{}, fmt.Errorf("ledger commit %q: unexpected reply %v", key, res)
	}

	return CommitResult{
		Tokens:     replyInt(parts[0]),
		CostMicros: replyInt(parts[1]),
		Requests:   replyInt(parts[2]),
		Crossed:    replyInts(parts[3]),
	}, nil
}

// LedgerReserve implements Store.
func (s *RedisStore) LedgerReserve(ctx context.Context, req ReserveRequest) (ReserveResult, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	args := make([]interface{}, 0, 6+len(req.Thresholds))
	args = append(args, req.Amount, req.DailyTokenLimit, req.DailyCostLimit,
		req.DailyExpireAt.UnixMilli(), req.MonthlyTokenLimit, req.MonthlyExpireAt.UnixMilli())
	for _, th := range req.Thresholds {
		args = append(args, th)
	}

	res, err := ledgerReserveScript.Run(ctx, s.client,
		[]string{req.DailyKey, req.MonthlyKey}, args...).Result()
	if err != nil {
		return ReserveResult{}, fmt.Errorf("ledger reserve %q: %w", req.DailyKey, err)
	}

	parts, ok := res.([]interface{})
	if !ok || len(parts) != 10 {
		return ReserveResult{}, fmt.Errorf("ledger reserve %q: unexpected reply %v", req.DailyKey, res)
	}

	return ReserveResult{
		Allowed:  replyInt(parts[0]) == 1,
		DeniedBy: ReserveDenial(replyInt(parts[1])),
		Daily: CommitResult{
			Tokens:     replyInt(parts[2]),
			CostMicros: replyInt(parts[3]),
			Requests:   replyInt(parts[4]),
			Crossed:    replyInts(parts[8]),
		},
		Monthly: CommitResult{
			Tokens:     replyInt(parts[5]),
			CostMicros: replyInt(parts[6]),
			Requests:   replyInt(parts[7]),
			Crossed:    replyInts(parts[9]),
		},
	}, nil
}

// MarkThresholds implements Store.
func (s *RedisStore) MarkThresholds(ctx context.Context, key string, expireAt time.Time, used, limit int64, thresholds []int) ([]int, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	args := make([]interface{}, 0, 3+len(thresholds))
	args = append(args, used, limit, expireAt.UnixMilli())
	for _, th := range thresholds {
		args = append(args, th)
	}

	res, err := markThresholdsScript.Run(ctx, s.client, []string{key}, args...).Result()
	if err != nil {
		return nil, fmt.Errorf("mark thresholds %q: %w", key, err)
	}
	return replyInts(res), nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete %v: %w", keys, err)
	}
	return nil
}

// Ping verifies connectivity, for health checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// bound applies the per-operation timeout on top of the caller's context.
func (s *RedisStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// parseLedger converts a raw hash into a Ledger, reading malformed numeric
// fields as zero and recording them for the caller's data-integrity warning.
func parseLedger(fields map[string]string) Ledger {
	ledger := Ledger{Warned: make(map[int]bool)}

	for field, raw := range fields {
		if strings.HasPrefix(field, warnedPrefix) {
			if percent, err := strconv.Atoi(field[len(warnedPrefix):]); err == nil {
				ledger.Warned[percent] = true
			}
			continue
		}

		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			ledger.Malformed = append(ledger.Malformed, field)
			continue
		}

		switch field {
		case FieldTokens:
			ledger.Tokens = value
		case FieldCostMicros:
			ledger.CostMicros = value
		case FieldRequests:
			ledger.Requests = value
		}
	}

	return ledger
}

// replyInt normalizes a single Lua reply element to int64. Redis returns
// numbers as int64 and WITHSCORES values as strings.
func replyInt(v interface{}) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case string:
		if n, err := strconv.ParseInt(x, 10, 64); err == nil {
			return n
		}
		// Scores come back formatted as doubles.
		f, _ := strconv.ParseFloat(x, 64)
		return int64(f)
	default:
		return 0
	}
}

// replyInts normalizes a nested Lua table reply to []int.
func replyInts(v interface{}) []int {
	parts, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		out = append(out, int(replyInt(p)))
	}
	return out
}
