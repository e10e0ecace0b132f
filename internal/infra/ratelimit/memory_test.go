package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestMemoryLimiterWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(9000, 0)
	limiter := NewMemoryLimiter(MemoryLimiterConfig{Now: func() time.Time { return now }})

	for i := 0; i < 3; i++ {
		decision, err := limiter.Allow(ctx, "login:alice", 3, time.Minute)
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !decision.Allowed {
			t.Fatalf("attempt %d should be allowed", i)
		}
		if decision.Remaining != 3-i-1 {
			t.Fatalf("attempt %d remaining = %d", i, decision.Remaining)
		}
	}

	decision, err := limiter.Allow(ctx, "login:alice", 3, time.Minute)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if decision.Allowed {
		t.Fatal("fourth attempt should be limited")
	}
	if decision.ResetAt != now.Add(time.Minute) {
		t.Fatalf("reset at %v", decision.ResetAt)
	}

	// a different key is unaffected
	if d, _ := limiter.Allow(ctx, "login:bob", 3, time.Minute); !d.Allowed {
		t.Fatal("other key should be allowed")
	}

	now = now.Add(2 * time.Minute)
	if d, _ := limiter.Allow(ctx, "login:alice", 3, time.Minute); !d.Allowed {
		t.Fatal("window rollover should reset the count")
	}
}

func TestMemoryLimiterZeroLimit(t *testing.T) {
	limiter := NewMemoryLimiter(MemoryLimiterConfig{})
	decision, err := limiter.Allow(context.Background(), "k", 0, time.Minute)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !decision.Allowed {
		t.Fatal("zero limit disables limiting")
	}
}

func TestMemoryLimiterCapacity(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(9000, 0)
	limiter := NewMemoryLimiter(MemoryLimiterConfig{Now: func() time.Time { return now }, MaxKeys: 2})

	for i := 0; i < 2; i++ {
		if _, err := limiter.Allow(ctx, fmt.Sprintf("k%d", i), 1, time.Minute); err != nil {
			t.Fatalf("allow k%d: %v", i, err)
		}
	}
	if _, err := limiter.Allow(ctx, "k2", 1, time.Minute); err == nil {
		t.Fatal("expected capacity error")
	}

	// expired buckets are collected to make room
	now = now.Add(2 * time.Minute)
	if _, err := limiter.Allow(ctx, "k2", 1, time.Minute); err != nil {
		t.Fatalf("allow after gc: %v", err)
	}
}
