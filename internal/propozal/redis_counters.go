package propozal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisKeyPrefix = "propozal"

// redisFixedWindowScript is applyFixedWindow run atomically inside Redis.
// KEYS[1] = window hash
// ARGV[1] = limit
// ARGV[2] = window length in milliseconds
// ARGV[3] = now in unix milliseconds
// Returns {allowed, remaining, reset_at_ms}.
var redisFixedWindowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", key, "start", "count")
local start = tonumber(state[1])
local count = tonumber(state[2])

if not start or not count or (now - start) > window then
    redis.call("HSET", key, "start", now, "count", 1)
    redis.call("PEXPIRE", key, window * 2)
    return {1, limit - 1, now + window}
end

if count >= limit then
    return {0, 0, start + window}
end

count = redis.call("HINCRBY", key, "count", 1)
return {1, limit - count, start + window}
`)

// RedisCounterStore keeps rate windows and monthly usage in Redis so several
// API replicas share one view of each user's counters. Windows expire on
// their own; PruneWindows has nothing to do.
type RedisCounterStore struct {
	client *redis.Client
	prefix string
	// usageRetention is how long a month's counter outlives the month.
	usageRetention time.Duration
}

func NewRedisCounterStore(client *redis.Client, prefix string) *RedisCounterStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	return &RedisCounterStore{client: client, prefix: prefix, usageRetention: 90 * 24 * time.Hour}
}

// NewRedisCounterStoreFromURL accepts redis:// and rediss:// URLs.
func NewRedisCounterStoreFromURL(dsn string) (*RedisCounterStore, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisCounterStore(redis.NewClient(opts), ""), nil
}

func (s *RedisCounterStore) windowKey(userID, endpoint string) string {
	return fmt.Sprintf("%s:window:%s:%s", s.prefix, userID, endpoint)
}

func (s *RedisCounterStore) usageKey(userID, period string) string {
	return fmt.Sprintf("%s:usage:%s:%s", s.prefix, userID, period)
}

func (s *RedisCounterStore) HitWindow(ctx context.Context, userID, endpoint string, limit int, window time.Duration, now time.Time) (RateDecision, error) {
	res, err := redisFixedWindowScript.Run(ctx, s.client, []string{s.windowKey(userID, endpoint)},
		limit, window.Milliseconds(), now.UnixMilli()).Result()
	if err != nil {
		return RateDecision{}, fmt.Errorf("redis rate window: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 3 {
		return RateDecision{}, fmt.Errorf("invalid response from rate window script")
	}
	allowed, _ := results[0].(int64)
	remaining, _ := results[1].(int64)
	resetAt, _ := results[2].(int64)
	return RateDecision{
		Allowed:   allowed == 1,
		Limit:     limit,
		Remaining: int(remaining),
		ResetAt:   fromMillis(resetAt),
	}, nil
}

func (s *RedisCounterStore) IncrementUsage(ctx context.Context, userID string, period Period) (UsagePeriod, error) {
	key := s.usageKey(userID, period.Key)
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireAt(ctx, key, period.End.Add(s.usageRetention))
	if _, err := pipe.Exec(ctx); err != nil {
		return UsagePeriod{}, fmt.Errorf("redis usage increment: %w", err)
	}
	return UsagePeriod{
		UserID:             userID,
		Period:             period.Key,
		ProposalsGenerated: int(incr.Val()),
		PeriodStart:        period.Start,
		PeriodEnd:          period.End,
	}, nil
}

func (s *RedisCounterStore) GetUsage(ctx context.Context, userID string, period Period) (UsagePeriod, error) {
	usage := UsagePeriod{UserID: userID, Period: period.Key, PeriodStart: period.Start, PeriodEnd: period.End}
	count, err := s.client.Get(ctx, s.usageKey(userID, period.Key)).Int()
	if errors.Is(err, redis.Nil) {
		return usage, nil
	}
	if err != nil {
		return UsagePeriod{}, fmt.Errorf("redis usage read: %w", err)
	}
	usage.ProposalsGenerated = count
	return usage, nil
}

func (s *RedisCounterStore) PruneWindows(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (s *RedisCounterStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisCounterStore) Close() error {
	return s.client.Close()
}
