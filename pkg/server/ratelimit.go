// Copyright 2025 Certen Protocol
//
// Token-bucket rate limiter, adapted from the teacher's bundle-export API
// rate limiter (previously pkg/server/bundle_handlers.go's RateLimiter) to
// guard transaction submission instead of bulk proof export: same
// per-client token bucket, refilled continuously from elapsed time rather
// than on a fixed tick.

package server

import (
	"sync"
	"time"
)

// RateLimiter implements a simple per-client token bucket.
type RateLimiter struct {
	buckets    map[string]*tokenBucket
	mu         sync.RWMutex
	ratePerMin int
}

type tokenBucket struct {
	tokens    int
	lastFill  time.Time
	maxTokens int
}

// NewRateLimiter constructs a limiter allowing ratePerMinute requests per
// client per minute.
func NewRateLimiter(ratePerMinute int) *RateLimiter {
	return &RateLimiter{
		buckets:    make(map[string]*tokenBucket),
		ratePerMin: ratePerMinute,
	}
}

// Allow reports whether clientID may make another request now, consuming
// one token if so.
func (rl *RateLimiter) Allow(clientID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	bucket, ok := rl.buckets[clientID]
	if !ok {
		bucket = &tokenBucket{
			tokens:    rl.ratePerMin,
			lastFill:  time.Now(),
			maxTokens: rl.ratePerMin,
		}
		rl.buckets[clientID] = bucket
	}

	elapsed := time.Since(bucket.lastFill)
	tokensToAdd := int(elapsed.Minutes() * float64(rl.ratePerMin))
	if tokensToAdd > 0 {
		bucket.tokens = min(bucket.tokens+tokensToAdd, bucket.maxTokens)
		bucket.lastFill = time.Now()
	}

	if bucket.tokens > 0 {
		bucket.tokens--
		return true
	}
	return false
}
