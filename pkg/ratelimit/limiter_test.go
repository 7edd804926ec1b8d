package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestInMemoryLimiterBurstThenRefill(t *testing.T) {
	limiter := NewInMemory()
	fakeNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return fakeNow }
	key := "tenant-a:tool:127.0.0.1"

	first, err := limiter.Allow(key, 2)
	if err != nil || !first.Allowed || first.Tokens != 1 {
		t.Fatalf("unexpected first decision: %+v err=%v", first, err)
	}
	second, err := limiter.Allow(key, 2)
	if err != nil || !second.Allowed || second.Tokens != 0 {
		t.Fatalf("unexpected second decision: %+v err=%v", second, err)
	}
	third, err := limiter.Allow(key, 2)
	if err != nil || third.Allowed {
		t.Fatalf("expected third call to be rejected at 0 tokens, got %+v err=%v", third, err)
	}

	fakeNow = fakeNow.Add(500 * time.Millisecond)
	fourth, err := limiter.Allow(key, 2)
	if err != nil || !fourth.Allowed {
		t.Fatalf("expected refill after 500ms at 2qps to admit one call, got %+v err=%v", fourth, err)
	}
}

func TestInMemoryLimiterUnlimited(t *testing.T) {
	limiter := NewInMemory()
	decision, err := limiter.Allow("k", 0)
	if err != nil || !decision.Allowed {
		t.Fatalf("expected capacityQPS<=0 to always admit, got %+v err=%v", decision, err)
	}
}

func TestRedisLimiterBurstThenRefill(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewRedis(client)
	key := "actor:u1"

	first, err := limiter.Allow(key, 2)
	if err != nil || !first.Allowed {
		t.Fatalf("unexpected first decision: %+v err=%v", first, err)
	}
	second, err := limiter.Allow(key, 2)
	if err != nil || !second.Allowed {
		t.Fatalf("unexpected second decision: %+v err=%v", second, err)
	}
	third, err := limiter.Allow(key, 2)
	if err != nil || third.Allowed {
		t.Fatalf("expected third call rejected, got %+v err=%v", third, err)
	}
	time.Sleep(600 * time.Millisecond)
	fourth, err := limiter.Allow(key, 2)
	if err != nil || !fourth.Allowed {
		t.Fatalf("expected refill to admit a call, got %+v err=%v", fourth, err)
	}
}

func TestRedisLimiterUnavailableFailsClosed(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  5 * time.Millisecond,
		ReadTimeout:  5 * time.Millisecond,
		WriteTimeout: 5 * time.Millisecond,
		MaxRetries:   0,
	})
	limiter := NewRedis(client)
	decision, err := limiter.Allow("actor:u1", 1)
	if err == nil {
		t.Fatalf("expected error on redis outage, got decision %+v", decision)
	}
}
