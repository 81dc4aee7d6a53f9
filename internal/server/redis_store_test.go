package server

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestRedisStoreAllowSharedCounter(t *testing.T) {
	server := miniredis.RunT(t)
	store := newRedisStore(server.Addr(), "", time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _, err := store.Allow(ctx, "lectern:login:198.51.100.4", 3, time.Minute)
		if err != nil {
			t.Fatalf("Allow attempt %d: %v", i+1, err)
		}
		if !allowed {
			t.Fatalf("attempt %d denied, want allowed", i+1)
		}
	}

	allowed, retryAfter, err := store.Allow(ctx, "lectern:login:198.51.100.4", 3, time.Minute)
	if err != nil {
		t.Fatalf("Allow over limit: %v", err)
	}
	if allowed {
		t.Fatal("fourth attempt allowed, want denied")
	}
	if retryAfter <= 0 {
		t.Fatalf("retryAfter = %v, want positive", retryAfter)
	}

	// Other clients are unaffected.
	allowed, _, err = store.Allow(ctx, "lectern:login:203.0.113.9", 3, time.Minute)
	if err != nil || !allowed {
		t.Fatalf("independent key denied: allowed=%v err=%v", allowed, err)
	}
}

func TestRedisStoreCounterExpires(t *testing.T) {
	server := miniredis.RunT(t)
	store := newRedisStore(server.Addr(), "", time.Second)
	ctx := context.Background()

	if allowed, _, err := store.Allow(ctx, "lectern:login:x", 1, time.Second); err != nil || !allowed {
		t.Fatalf("first attempt: allowed=%v err=%v", allowed, err)
	}
	if allowed, _, _ := store.Allow(ctx, "lectern:login:x", 1, time.Second); allowed {
		t.Fatal("second attempt allowed inside window")
	}

	server.FastForward(2 * time.Second)

	if allowed, _, err := store.Allow(ctx, "lectern:login:x", 1, time.Second); err != nil || !allowed {
		t.Fatalf("attempt after expiry: allowed=%v err=%v", allowed, err)
	}
}
