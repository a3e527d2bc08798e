// Package redis provides a Redis-backed rate limit store for multi-instance
// deployments. Both algorithms run as Lua scripts, so check-and-consume is
// atomic across the fleet.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gobill/gobill/pkg/gobill"
)

// tokenBucketScript refills the bucket by elapsed time, then consumes one
// token if available.
// KEYS[1] = bucket key
// ARGV[1] = capacity, ARGV[2] = refill rate (tokens/sec),
// ARGV[3] = now (unix micros), ARGV[4] = ttl seconds
// Returns {allowed, remaining, reset_micros}.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'updated')
local tokens = tonumber(state[1])
local updated = tonumber(state[2])
if tokens == nil then
	tokens = capacity
	updated = now
end

local elapsed = (now - updated) / 1000000
if elapsed > 0 then
	tokens = math.min(capacity, tokens + elapsed * rate)
end

local allowed = 0
if tokens >= 1 then
	allowed = 1
	tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'updated', now)
redis.call('EXPIRE', key, ttl)

local reset = now
if tokens < capacity then
	reset = now + math.ceil((capacity - tokens) / rate * 1000000)
end
return {allowed, math.floor(tokens), reset}
`)

// slidingWindowScript prunes entries outside the window, then admits the
// request if the count is under the limit.
// KEYS[1] = window key
// ARGV[1] = limit, ARGV[2] = window micros, ARGV[3] = now (unix micros),
// ARGV[4] = member, ARGV[5] = ttl seconds
// Returns {allowed, remaining, reset_micros}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local member = ARGV[4]
local ttl = tonumber(ARGV[5])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)

local allowed = 0
if count < limit then
	allowed = 1
	redis.call('ZADD', key, now, member)
	count = count + 1
end
redis.call('EXPIRE', key, ttl)

local reset = now + window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] ~= nil then
	reset = tonumber(oldest[2]) + window
end
return {allowed, limit - count, reset}
`)

// RateLimitStore implements gobill.RateLimitStore on Redis.
type RateLimitStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// Option configures a RateLimitStore.
type Option func(*RateLimitStore)

// WithKeyPrefix overrides the key prefix (default: "gobill:ratelimit:").
func WithKeyPrefix(prefix string) Option {
	return func(s *RateLimitStore) {
		s.keyPrefix = prefix
	}
}

// NewRateLimitStore creates a Redis rate limit store over an existing client.
func NewRateLimitStore(client redis.UniversalClient, opts ...Option) *RateLimitStore {
	s := &RateLimitStore{
		client:    client,
		keyPrefix: "gobill:ratelimit:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckRateLimit atomically checks and consumes one request slot.
func (s *RateLimitStore) CheckRateLimit(ctx context.Context, key string, config gobill.RateLimitConfig, now time.Time) (bool, int, time.Time, error) {
	switch config.Algorithm {
	case gobill.AlgorithmSlidingWindow:
		return s.checkSlidingWindow(ctx, key, config, now)
	default:
		return s.checkTokenBucket(ctx, key, config, now)
	}
}

func (s *RateLimitStore) checkTokenBucket(ctx context.Context, key string, config gobill.RateLimitConfig, now time.Time) (bool, int, time.Time, error) {
	capacity := config.Burst
	if capacity <= 0 {
		capacity = config.Rate
	}
	refillRate := float64(config.Rate) / config.Window.Seconds()
	ttl := int(config.Window.Seconds()*2) + 1

	res, err := tokenBucketScript.Run(ctx, s.client,
		[]string{s.keyPrefix + "tb:" + key},
		capacity, refillRate, now.UnixMicro(), ttl).Int64Slice()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("%w: %v", gobill.ErrStorageUnavailable, err)
	}
	return decodeResult(res)
}

func (s *RateLimitStore) checkSlidingWindow(ctx context.Context, key string, config gobill.RateLimitConfig, now time.Time) (bool, int, time.Time, error) {
	ttl := int(config.Window.Seconds()*2) + 1
	member := fmt.Sprintf("%d", now.UnixNano())

	res, err := slidingWindowScript.Run(ctx, s.client,
		[]string{s.keyPrefix + "sw:" + key},
		config.Rate, config.Window.Microseconds(), now.UnixMicro(), member, ttl).Int64Slice()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("%w: %v", gobill.ErrStorageUnavailable, err)
	}
	return decodeResult(res)
}

func decodeResult(res []int64) (bool, int, time.Time, error) {
	if len(res) != 3 {
		return false, 0, time.Time{}, fmt.Errorf("unexpected script result length %d", len(res))
	}
	allowed := res[0] == 1
	remaining := int(res[1])
	if remaining < 0 {
		remaining = 0
	}
	reset := time.UnixMicro(res[2]).UTC()
	return allowed, remaining, reset, nil
}
