// Package kvs implements AILink's key-value store facade (C1): atomic
// counters for rate-limiting and spend tracking, pub/sub for cache
// invalidation, and the approval-decision event stream. It is backed by
// Redis (github.com/redis/go-redis/v9); every compound operation that must
// avoid TOCTOU (increment-then-check, check-then-set) is a single Lua
// script evaluated server-side, per spec §5's "Lua-style compound
// operations" requirement.
package kvs

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the KVS facade's external contract. Every method is a single
// round trip; callers never compose multiple KVS calls to implement a
// read-modify-write, since that would reintroduce the TOCTOU the spec
// forbids.
type Store interface {
	// IncrementWindow atomically increments the counter for key within the
	// current fixed window of length window, returning the post-increment
	// count and the window's remaining TTL. Used by RateLimit and spend-cap
	// enforcement; the caller decides admit/reject from the returned count,
	// but the increment has already happened — callers needing "check before
	// charging" use IncrementIfUnder instead.
	IncrementWindow(ctx context.Context, key string, window time.Duration) (count int64, remaining time.Duration, err error)

	// IncrementIfUnder atomically increments key's fixed window counter only
	// if doing so would not exceed max; returns admitted=false (without
	// incrementing) when the increment would exceed max. This is the single
	// round-trip primitive behind RateLimit.
	IncrementIfUnder(ctx context.Context, key string, window time.Duration, max int64) (admitted bool, count int64, remaining time.Duration, err error)

	// AddSpend atomically adds usd to a running total keyed by key (reset
	// daily by the caller choosing a day-bucketed key) and returns the new
	// total along with whether it now exceeds capUSD. Single round trip.
	AddSpend(ctx context.Context, key string, usd float64, capUSD float64) (total float64, exceeded bool, err error)

	// AcquireLock takes a short-lived named lock (used for the response
	// cache's "at-most-one concurrent builder per fingerprint" guarantee and
	// for HalfOpen probe-slot reservation). Returns acquired=false if another
	// holder is active.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (acquired bool, err error)
	ReleaseLock(ctx context.Context, key string) error

	// Get/Set/Delete back the tiered cache's shared tier (C4).
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error

	// Publish/Subscribe implement the cache-invalidation and
	// approval-decision channels (spec §4.1, §4.5).
	Publish(ctx context.Context, channel string, payload string) error
	Subscribe(ctx context.Context, channel string) (<-chan string, func(), error)
}

// incrementIfUnderScript increments a plain string fixed-window counter atomically.
// KEYS[1] = counter key, ARGV[1] = window seconds, ARGV[2] = max.
// Returns {admitted(0/1), new_count, ttl_seconds}.
var incrementIfUnderScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local max = tonumber(ARGV[2])
if current >= max then
  local ttl = redis.call("TTL", KEYS[1])
  if ttl < 0 then ttl = tonumber(ARGV[1]) end
  return {0, current, ttl}
end
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("TTL", KEYS[1])
return {1, n, ttl}
`)

var incrementWindowScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("TTL", KEYS[1])
return {n, ttl}
`)

// addSpendScript adds a float increment to a running total and reports
// whether the cap was exceeded, all in one round trip.
var addSpendScript = redis.NewScript(`
local total = tonumber(redis.call("INCRBYFLOAT", KEYS[1], ARGV[1]))
local cap = tonumber(ARGV[2])
local exceeded = 0
if cap > 0 and total >= cap then
  exceeded = 1
end
redis.call("EXPIRE", KEYS[1], 172800)
return {tostring(total), exceeded}
`)

// RedisStore is the production Store backed by a single go-redis client.
// One client instance is shared across all requests in the process (spec
// §5: "KVS connection pool: shared").
type RedisStore struct {
	rdb *redis.Client
}

// New connects a RedisStore to addr (a redis:// URL, per spec §6's
// REDIS_URL).
func New(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("kvs: parse REDIS_URL: %w", err)
	}
	return &RedisStore{rdb: redis.NewClient(opts)}, nil
}

// NewFromClient wraps an already-constructed client; used by tests against
// miniredis or a local instance.
func NewFromClient(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) IncrementWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := incrementWindowScript.Run(ctx, s.rdb, []string{key}, int(window.Seconds())).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("kvs: increment window: %w", err)
	}
	vals := res.([]interface{})
	count := vals[0].(int64)
	ttl := time.Duration(vals[1].(int64)) * time.Second
	return count, ttl, nil
}

func (s *RedisStore) IncrementIfUnder(ctx context.Context, key string, window time.Duration, max int64) (bool, int64, time.Duration, error) {
	res, err := incrementIfUnderScript.Run(ctx, s.rdb, []string{key}, int(window.Seconds()), max).Result()
	if err != nil {
		return false, 0, 0, fmt.Errorf("kvs: increment if under: %w", err)
	}
	vals := res.([]interface{})
	admitted := vals[0].(int64) == 1
	count := vals[1].(int64)
	ttl := time.Duration(vals[2].(int64)) * time.Second
	return admitted, count, ttl, nil
}

func (s *RedisStore) AddSpend(ctx context.Context, key string, usd float64, capUSD float64) (float64, bool, error) {
	res, err := addSpendScript.Run(ctx, s.rdb, []string{key}, usd, capUSD).Result()
	if err != nil {
		return 0, false, fmt.Errorf("kvs: add spend: %w", err)
	}
	vals := res.([]interface{})
	var total float64
	if _, err := fmt.Sscanf(vals[0].(string), "%g", &total); err != nil {
		return 0, false, fmt.Errorf("kvs: parse spend total: %w", err)
	}
	exceeded := vals[1].(int64) == 1
	return total, exceeded, nil
}

func (s *RedisStore) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, "lock:"+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kvs: acquire lock: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) ReleaseLock(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, "lock:"+key).Err(); err != nil {
		return fmt.Errorf("kvs: release lock: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kvs: get: %w", err)
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kvs: set: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("kvs: delete: %w", err)
	}
	return nil
}

func (s *RedisStore) Publish(ctx context.Context, channel string, payload string) error {
	if err := s.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("kvs: publish: %w", err)
	}
	return nil
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	sub := s.rdb.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("kvs: subscribe: %w", err)
	}

	out := make(chan string, 64)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			select {
			case out <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, func() { _ = sub.Close() }, nil
}

// Channels used across the process for invalidation and approvals, per
// spec §4.1 and §4.5.
const (
	ChannelInvalidation = "ailink:invalidate"
	ChannelApprovals    = "ailink:approvals"
)
