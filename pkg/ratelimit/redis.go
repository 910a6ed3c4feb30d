package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and consumes a caller's bucket atomically.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (max tokens)
// ARGV[3] = cost (tokens to consume)
// ARGV[4] = current unix timestamp (seconds, fractional)
// ARGV[5] = key TTL in seconds
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, ttl)

return allowed
`)

// RedisLimiter shares token buckets across service instances through Redis.
type RedisLimiter struct {
	client *redis.Client
	rate   float64
	burst  int
	ttl    int
	retry  time.Duration
}

// NewRedisLimiter builds a Redis-backed limiter allowing max requests per
// window. Bucket keys expire after two idle windows so abandoned callers
// clean themselves up.
func NewRedisLimiter(client *redis.Client, max int, window time.Duration) *RedisLimiter {
	if max <= 0 {
		max = 100
	}
	if window <= 0 {
		window = time.Minute
	}
	ttl := int(2 * window / time.Second)
	if ttl < 60 {
		ttl = 60
	}
	return &RedisLimiter{
		client: client,
		rate:   float64(max) / window.Seconds(),
		burst:  max,
		ttl:    ttl,
		retry:  retryInterval(max, window),
	}
}

// Allow consumes one token from the key's bucket.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	now := float64(time.Now().UnixMicro()) / 1e6
	res, err := tokenBucketScript.Run(ctx, l.client, []string{"ratelimit:" + key}, l.rate, l.burst, 1, now, l.ttl).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis limiter: %w", err)
	}
	allowed, ok := res.(int64)
	if !ok {
		return false, 0, fmt.Errorf("redis limiter: unexpected script result %T", res)
	}
	if allowed == 1 {
		return true, 0, nil
	}
	return false, l.retry, nil
}

// Close releases the Redis connection.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
