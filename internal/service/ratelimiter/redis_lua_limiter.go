// Package ratelimiter implements the per-key token-bucket rate gate on
// Redis. One Lua script keeps refill and spend atomic, so every API
// replica shares the same buckets.
package ratelimiter

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Class partitions endpoints into independently limited groups. Job
// submission is the expensive path and gets the tightest bucket.
type Class string

const (
	ClassConvert Class = "convert"
	ClassAnalyze Class = "analyze"
	ClassStream  Class = "stream"
	ClassQuery   Class = "query"
)

// Limiter is the admission gate consulted by the HTTP middleware.
type Limiter interface {
	Allow(ctx context.Context, keyID string, class Class, cost int64) (allowed bool, retryAfter time.Duration, err error)
}

// BucketConfig parameterizes one class's token bucket.
type BucketConfig struct {
	Capacity   int64
	RefillRate float64
}

// PerMinute builds a bucket refilling at the given sustained rate with
// burst capacity equal to one minute's allowance.
func PerMinute(perMinute int) BucketConfig {
	if perMinute <= 0 {
		return BucketConfig{}
	}
	return BucketConfig{
		Capacity:   int64(perMinute),
		RefillRate: float64(perMinute) / 60.0,
	}
}

// DefaultBuckets scales the per-class allowances from the base
// submissions-per-minute knob. Queries and streams are cheap relative
// to submissions.
func DefaultBuckets(submitPerMin int) map[Class]BucketConfig {
	return map[Class]BucketConfig{
		ClassConvert: PerMinute(submitPerMin),
		ClassAnalyze: PerMinute(submitPerMin),
		ClassStream:  PerMinute(submitPerMin * 2),
		ClassQuery:   PerMinute(submitPerMin * 10),
	}
}

// RedisLuaLimiter is the shared-state Limiter. Buckets live in Redis
// hashes under rate:<class>:<key>; state is transient and rebuilding
// from empty after a Redis restart only briefly over-admits.
type RedisLuaLimiter struct {
	redis   *redis.Client
	buckets map[Class]BucketConfig
	script  *redis.Script
	mu      sync.RWMutex
}

// NewRedisLuaLimiter builds the limiter. A nil client disables limiting.
func NewRedisLuaLimiter(rdb *redis.Client, buckets map[Class]BucketConfig) *RedisLuaLimiter {
	if rdb == nil {
		return nil
	}
	if buckets == nil {
		buckets = map[Class]BucketConfig{}
	}
	return &RedisLuaLimiter{
		redis:   rdb,
		buckets: buckets,
		script:  redis.NewScript(luaTokenBucketScript),
	}
}

const luaTokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local tokens = capacity
local last_refill = now

local data = redis.call("HMGET", key, "tokens", "last_refill")
if data[1] ~= false and data[1] ~= nil then
  tokens = tonumber(data[1])
end
if data[2] ~= false and data[2] ~= nil then
  last_refill = tonumber(data[2])
end

if last_refill == nil then
  last_refill = now
end

local delta = now - last_refill
if delta < 0 then
  delta = 0
end

tokens = math.min(capacity, tokens + delta * refill_rate)
last_refill = now

local allowed = 0
local retry_after = 0

if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
else
  local shortage = cost - tokens
  if refill_rate > 0 then
    retry_after = shortage / refill_rate
  else
    retry_after = 0
  end
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 3600)

return { allowed, tokens, last_refill, retry_after }
`

// Allow spends cost tokens from the (keyID, class) bucket. On a denial
// retryAfter says how long until cost tokens will have refilled. Redis
// errors fail open: a rate gate outage must not take the API down.
func (l *RedisLuaLimiter) Allow(ctx context.Context, keyID string, class Class, cost int64) (bool, time.Duration, error) {
	if l == nil || l.redis == nil {
		return true, 0, nil
	}
	l.mu.RLock()
	cfg, ok := l.buckets[class]
	l.mu.RUnlock()
	if !ok || cfg.Capacity <= 0 || cfg.RefillRate <= 0 {
		return true, 0, nil
	}
	if cost <= 0 {
		cost = 1
	}

	nowSec := float64(time.Now().UnixNano()) / 1e9
	redisKey := "rate:" + string(class) + ":" + keyID

	res, err := l.script.Run(ctx, l.redis, []string{redisKey}, cfg.Capacity, cfg.RefillRate, nowSec, cost).Result()
	if err != nil {
		slog.Error("rate limiter script error",
			slog.String("class", string(class)), slog.Any("error", err))
		return true, 0, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 4 {
		slog.Error("rate limiter unexpected script result",
			slog.String("class", string(class)), slog.Any("result", res))
		return true, 0, nil
	}

	allowed := toInt64(vals[0]) == 1
	retryAfter := time.Duration(toFloat64(vals[3]) * float64(time.Second))
	return allowed, retryAfter, nil
}

// SetBucketConfig swaps one class's parameters at runtime. Safe for
// concurrent use.
func (l *RedisLuaLimiter) SetBucketConfig(class Class, cfg BucketConfig) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buckets == nil {
		l.buckets = map[Class]BucketConfig{}
	}
	l.buckets[class] = cfg
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func toFloat64(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	default:
		return math.NaN()
	}
}
