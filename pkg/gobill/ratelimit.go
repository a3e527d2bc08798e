package gobill

import (
	"context"
	"time"
)

const (
	// AlgorithmTokenBucket allows burst traffic up to a bucket capacity.
	AlgorithmTokenBucket = "token_bucket"
	// AlgorithmSlidingWindow enforces a precise request count per window.
	AlgorithmSlidingWindow = "sliding_window"
)

// RateLimitConfig defines rate limiting for one key class.
type RateLimitConfig struct {
	// Algorithm is AlgorithmTokenBucket or AlgorithmSlidingWindow.
	Algorithm string

	// Rate is the number of requests allowed per window.
	Rate int

	// Window is the time window for the rate limit.
	Window time.Duration

	// Burst is the bucket capacity for the token bucket algorithm; the
	// sliding window ignores it.
	Burst int
}

// RateLimitInfo describes the state of a limit after a check.
type RateLimitInfo struct {
	// Remaining is the number of requests left in the current window.
	Remaining int

	// ResetTime is when the window resets.
	ResetTime time.Time

	// Limit is the total allowance for the window.
	Limit int
}

// RateLimitStore is the pluggable backend behind a RateLimiter. The backend
// is chosen explicitly at construction time: the in-memory store for
// single-instance deployments, a shared store (Redis) for fleets.
type RateLimitStore interface {
	// CheckRateLimit atomically checks and consumes one request slot.
	// Returns (allowed, remaining, resetTime, error).
	CheckRateLimit(ctx context.Context, key string, config RateLimitConfig, now time.Time) (bool, int, time.Time, error)
}

// RateLimiter answers whether a request identified by key may proceed.
type RateLimiter struct {
	store RateLimitStore
}

// NewRateLimiter creates a rate limiter over the given backend.
func NewRateLimiter(store RateLimitStore) *RateLimiter {
	if store == nil {
		store = NewMemoryRateLimitStore()
	}
	return &RateLimiter{store: store}
}

// Allow checks whether a request for key is within the limit, consuming one
// slot when it is.
func (r *RateLimiter) Allow(ctx context.Context, key string, config RateLimitConfig) (bool, *RateLimitInfo, error) {
	now := time.Now().UTC()
	allowed, remaining, reset, err := r.store.CheckRateLimit(ctx, key, config, now)
	if err != nil {
		return false, nil, err
	}
	return allowed, &RateLimitInfo{
		Remaining: remaining,
		ResetTime: reset,
		Limit:     config.Rate,
	}, nil
}
