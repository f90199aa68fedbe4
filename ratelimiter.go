package flowguard

import (
	"sync"
	"time"
)

// TokenBucketRateLimiter guards the mutating API routes per caller using a
// token bucket per key.
type TokenBucketRateLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*tokenBucket
	capacity   int
	refillRate time.Duration
	lastSweep  time.Time
}

type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

func NewTokenBucketRateLimiter(capacity int, refillRate time.Duration) *TokenBucketRateLimiter {
	return &TokenBucketRateLimiter{
		buckets:    make(map[string]*tokenBucket),
		capacity:   capacity,
		refillRate: refillRate,
	}
}

// Allow reports whether the caller identified by key may proceed, along with
// the remaining budget and the next refill time.
func (rl *TokenBucketRateLimiter) Allow(key string) (allowed bool, remaining int, reset time.Time) {
	rl.mu.Lock()
	if now := time.Now(); now.Sub(rl.lastSweep) >= rl.refillRate {
		rl.sweepLocked(now)
		rl.lastSweep = now
	}
	bucket, exists := rl.buckets[key]
	if !exists {
		bucket = &tokenBucket{
			tokens:     float64(rl.capacity),
			lastRefill: time.Now(),
		}
		rl.buckets[key] = bucket
	}
	rl.mu.Unlock()

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(bucket.lastRefill)
	bucket.tokens += elapsed.Seconds() * float64(rl.capacity) / rl.refillRate.Seconds()
	if bucket.tokens > float64(rl.capacity) {
		bucket.tokens = float64(rl.capacity)
	}
	bucket.lastRefill = now

	if bucket.tokens >= 1 {
		bucket.tokens--
		return true, int(bucket.tokens), now.Add(rl.refillRate)
	}
	return false, 0, now.Add(rl.refillRate)
}

// Cleanup drops buckets idle for a full refill interval. An idle bucket
// refills to capacity in that time, so it carries no state worth keeping.
func (rl *TokenBucketRateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	rl.sweepLocked(now)
	rl.lastSweep = now
}

func (rl *TokenBucketRateLimiter) sweepLocked(now time.Time) {
	for key, bucket := range rl.buckets {
		bucket.mu.Lock()
		idle := now.Sub(bucket.lastRefill)
		bucket.mu.Unlock()
		if idle >= rl.refillRate {
			delete(rl.buckets, key)
		}
	}
}
