package flowguard

import (
	"testing"
	"time"
)

func TestRateLimiterExhaustsAndRefills(t *testing.T) {
	limiter := NewTokenBucketRateLimiter(3, 30*time.Millisecond)

	for i := 0; i < 3; i++ {
		allowed, _, _ := limiter.Allow("10.0.0.1")
		if !allowed {
			t.Fatalf("request %d denied within budget", i)
		}
	}
	allowed, remaining, reset := limiter.Allow("10.0.0.1")
	if allowed {
		t.Fatal("request over budget allowed")
	}
	if remaining != 0 || reset.IsZero() {
		t.Errorf("denied response = %d remaining, reset %v", remaining, reset)
	}

	// Keys have independent budgets.
	if allowed, _, _ := limiter.Allow("10.0.0.2"); !allowed {
		t.Error("fresh key denied")
	}

	time.Sleep(35 * time.Millisecond)
	if allowed, _, _ := limiter.Allow("10.0.0.1"); !allowed {
		t.Error("budget did not refill")
	}
}

func TestRateLimiterEvictsIdleBuckets(t *testing.T) {
	limiter := NewTokenBucketRateLimiter(3, 20*time.Millisecond)

	limiter.Allow("10.0.0.1")
	time.Sleep(25 * time.Millisecond)

	// A request after a full refill interval sweeps idle buckets as a side
	// effect.
	limiter.Allow("10.0.0.2")
	if _, ok := limiter.buckets["10.0.0.1"]; ok {
		t.Error("idle bucket survived the sweep")
	}
	if _, ok := limiter.buckets["10.0.0.2"]; !ok {
		t.Fatal("fresh bucket missing after sweep")
	}

	time.Sleep(25 * time.Millisecond)
	limiter.Cleanup()
	if len(limiter.buckets) != 0 {
		t.Errorf("%d buckets after cleanup, want 0", len(limiter.buckets))
	}
}
