package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestMemoryLimiter_BurstThenDeny(t *testing.T) {
	l := NewMemoryLimiter(3, time.Hour)
	defer l.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, _, err := l.Allow(ctx, "agent-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			t.Fatalf("expected request %d within burst to be allowed", i+1)
		}
	}

	ok, retryAfter, err := l.Allow(ctx, "agent-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected request over burst to be denied")
	}
	if retryAfter < time.Second {
		t.Errorf("expected retry hint of at least 1s, got %v", retryAfter)
	}
}

func TestMemoryLimiter_KeysAreIndependent(t *testing.T) {
	l := NewMemoryLimiter(1, time.Hour)
	defer l.Close()
	ctx := context.Background()

	if ok, _, _ := l.Allow(ctx, "agent-1"); !ok {
		t.Fatal("expected first request for agent-1 to be allowed")
	}
	if ok, _, _ := l.Allow(ctx, "agent-1"); ok {
		t.Error("expected second request for agent-1 to be denied")
	}
	if ok, _, _ := l.Allow(ctx, "agent-2"); !ok {
		t.Error("expected agent-2 to have its own bucket")
	}
}

func TestMemoryLimiter_EvictsIdleBuckets(t *testing.T) {
	l := NewMemoryLimiter(5, time.Minute)
	defer l.Close()
	ctx := context.Background()

	l.Allow(ctx, "agent-1")
	l.Allow(ctx, "agent-2")

	// A cutoff in the future treats every bucket as idle.
	l.evictIdle(time.Now().Add(time.Minute))

	l.mu.Lock()
	remaining := len(l.visitors)
	l.mu.Unlock()
	if remaining != 0 {
		t.Errorf("expected all idle buckets evicted, %d remain", remaining)
	}

	// Evicted callers start over with a fresh bucket.
	if ok, _, _ := l.Allow(ctx, "agent-1"); !ok {
		t.Error("expected evicted caller to be re-admitted")
	}
}

func TestMemoryLimiter_Defaults(t *testing.T) {
	l := NewMemoryLimiter(0, 0)
	defer l.Close()

	if l.burst != 100 {
		t.Errorf("expected default burst 100, got %d", l.burst)
	}
	if l.retry != time.Second {
		t.Errorf("expected default retry 1s, got %v", l.retry)
	}
}

func TestNew_FactorySelection(t *testing.T) {
	l, err := New("", 10, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer l.Close()
	if _, ok := l.(*MemoryLimiter); !ok {
		t.Errorf("expected memory limiter without redis url, got %T", l)
	}

	if _, err := New("not a url", 10, time.Minute); err == nil {
		t.Error("expected error for malformed redis url")
	}
}

// TestRedisLimiter_Integration requires a running Redis and is skipped when
// no server answers on the default port.
func TestRedisLimiter_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if _, err := client.Ping(ctx).Result(); err != nil {
		t.Skip("skipping redis integration test: redis not available")
	}

	l := NewRedisLimiter(client, 1, time.Minute)
	defer l.Close()
	key := "integration-" + time.Now().Format("150405.000")

	ok, _, err := l.Allow(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected fresh bucket to allow")
	}

	ok, retryAfter, err := l.Allow(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected second request to be rate limited")
	}
	if retryAfter <= 0 {
		t.Errorf("expected a retry hint, got %v", retryAfter)
	}
}
