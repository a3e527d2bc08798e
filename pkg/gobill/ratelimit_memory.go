package gobill

import (
	"context"
	"sync"
	"time"
)

// MemoryRateLimitStore implements RateLimitStore with in-memory state.
// Suitable for single-instance deployments and tests.
type MemoryRateLimitStore struct {
	mu sync.Mutex
	// tokenBuckets stores token bucket state per key
	tokenBuckets map[string]*tokenBucketState
	// slidingWindows stores sliding window state per key
	slidingWindows map[string]*slidingWindowState
}

type tokenBucketState struct {
	mu         sync.Mutex
	tokens     int
	lastRefill time.Time
	capacity   int
	refillRate int // tokens per window
	window     time.Duration
}

type slidingWindowState struct {
	mu         sync.Mutex
	timestamps []time.Time
	window     time.Duration
	limit      int
}

// NewMemoryRateLimitStore creates an in-memory rate limit backend.
func NewMemoryRateLimitStore() *MemoryRateLimitStore {
	return &MemoryRateLimitStore{
		tokenBuckets:   make(map[string]*tokenBucketState),
		slidingWindows: make(map[string]*slidingWindowState),
	}
}

// CheckRateLimit implements RateLimitStore.
func (s *MemoryRateLimitStore) CheckRateLimit(
	_ context.Context, key string, config RateLimitConfig, now time.Time,
) (bool, int, time.Time, error) {
	switch config.Algorithm {
	case AlgorithmSlidingWindow:
		return s.allowSlidingWindow(key, config, now)
	case AlgorithmTokenBucket:
		return s.allowTokenBucket(key, config, now)
	default:
		// Unknown algorithm defaults to token bucket.
		return s.allowTokenBucket(key, config, now)
	}
}

func (s *MemoryRateLimitStore) allowTokenBucket(
	key string, config RateLimitConfig, now time.Time,
) (bool, int, time.Time, error) {
	s.mu.Lock()
	bucket, exists := s.tokenBuckets[key]
	if !exists {
		capacity := config.Burst
		if capacity <= 0 {
			capacity = config.Rate
		}
		bucket = &tokenBucketState{
			tokens:     capacity,
			lastRefill: now,
			capacity:   capacity,
			refillRate: config.Rate,
			window:     config.Window,
		}
		s.tokenBuckets[key] = bucket
	}
	s.mu.Unlock()

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	// Refill tokens based on elapsed time
	elapsed := now.Sub(bucket.lastRefill)
	if elapsed > 0 && bucket.window > 0 {
		tokensToAdd := int(float64(bucket.refillRate) * elapsed.Seconds() / bucket.window.Seconds())
		if tokensToAdd > 0 {
			bucket.tokens = min(bucket.tokens+tokensToAdd, bucket.capacity)
			bucket.lastRefill = now
		}
	}

	if bucket.tokens <= 0 {
		var nextToken time.Time
		if bucket.refillRate > 0 {
			nextToken = bucket.lastRefill.Add(bucket.window / time.Duration(bucket.refillRate))
			if nextToken.Before(now) {
				nextToken = now.Add(bucket.window / time.Duration(bucket.refillRate))
			}
		} else {
			nextToken = now.Add(bucket.window)
		}
		return false, 0, nextToken, nil
	}

	bucket.tokens--

	resetTime := now.Add(bucket.window)
	if bucket.tokens < bucket.capacity && bucket.refillRate > 0 {
		tokensNeeded := bucket.capacity - bucket.tokens
		timeToFull := time.Duration(float64(tokensNeeded) * float64(bucket.window) / float64(bucket.refillRate))
		resetTime = now.Add(timeToFull)
	}

	return true, bucket.tokens, resetTime, nil
}

func (s *MemoryRateLimitStore) allowSlidingWindow(
	key string, config RateLimitConfig, now time.Time,
) (bool, int, time.Time, error) {
	s.mu.Lock()
	window, exists := s.slidingWindows[key]
	if !exists {
		window = &slidingWindowState{
			timestamps: make([]time.Time, 0),
			window:     config.Window,
			limit:      config.Rate,
		}
		s.slidingWindows[key] = window
	}
	s.mu.Unlock()

	window.mu.Lock()
	defer window.mu.Unlock()

	// Drop timestamps outside the window
	cutoff := now.Add(-window.window)
	valid := window.timestamps[:0]
	for _, ts := range window.timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}
	window.timestamps = valid

	if len(window.timestamps) >= window.limit {
		oldest := window.timestamps[0]
		return false, 0, oldest.Add(window.window), nil
	}

	window.timestamps = append(window.timestamps, now)

	remaining := window.limit - len(window.timestamps)
	resetTime := window.timestamps[0].Add(window.window)
	return true, remaining, resetTime, nil
}
