package server

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucketRefills(t *testing.T) {
	bucket := newTokenBucket(100, 1)
	if !bucket.Allow() {
		t.Fatal("first draw denied")
	}
	if bucket.Allow() {
		t.Fatal("second draw allowed with empty bucket")
	}
	time.Sleep(20 * time.Millisecond)
	if !bucket.Allow() {
		t.Fatal("draw denied after refill interval")
	}
}

func TestAllowLoginLocalBuckets(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{LoginLimit: 2, LoginWindow: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _, err := rl.AllowLogin(ctx, "198.51.100.4")
		if err != nil || !allowed {
			t.Fatalf("attempt %d: allowed=%v err=%v", i+1, allowed, err)
		}
	}
	allowed, retryAfter, err := rl.AllowLogin(ctx, "198.51.100.4")
	if err != nil {
		t.Fatalf("AllowLogin: %v", err)
	}
	if allowed {
		t.Fatal("third attempt allowed, want denied")
	}
	if retryAfter <= 0 {
		t.Fatal("denied attempt carries no retry hint")
	}

	// A different address keeps its own budget.
	if allowed, _, _ := rl.AllowLogin(ctx, "203.0.113.9"); !allowed {
		t.Fatal("independent address denied")
	}
}

func TestAllowLoginDisabledWhenLimitUnset(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{})
	for i := 0; i < 10; i++ {
		if allowed, _, _ := rl.AllowLogin(context.Background(), "anyone"); !allowed {
			t.Fatal("login throttled with no limit configured")
		}
	}
}
