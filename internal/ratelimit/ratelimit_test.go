package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, func() {
		client.Close()
		mr.Close()
	}
}

func TestMemoryWindowAllowsUnderLimit(t *testing.T) {
	l := New(nil, 4)
	for i := 0; i < 4; i++ {
		ok, _ := l.Allow(context.Background(), "ip:10.0.0.1")
		if !ok {
			t.Fatalf("request %d: blocked under limit", i)
		}
	}
}

func TestMemoryWindowBlocksAndRecovers(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	l := New(nil, 2)
	l.now = func() time.Time { return now }

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if ok, _ := l.Allow(ctx, "user:tok"); !ok {
			t.Fatalf("request %d: blocked under limit", i)
		}
	}

	ok, retry := l.Allow(ctx, "user:tok")
	if ok {
		t.Fatal("third request within the window was allowed")
	}
	if retry <= 0 || retry > time.Minute {
		t.Fatalf("retry = %v, want within (0, 1m]", retry)
	}

	// The oldest hit leaves the window; a slot frees up.
	now = now.Add(61 * time.Second)
	if ok, _ := l.Allow(ctx, "user:tok"); !ok {
		t.Fatal("request after window expiry was blocked")
	}
}

func TestMemoryWindowIsPerIdentifier(t *testing.T) {
	l := New(nil, 1)
	ctx := context.Background()

	if ok, _ := l.Allow(ctx, "ip:10.0.0.1"); !ok {
		t.Fatal("first identifier blocked")
	}
	if ok, _ := l.Allow(ctx, "ip:10.0.0.2"); !ok {
		t.Fatal("second identifier shares the first one's window")
	}
	if ok, _ := l.Allow(ctx, "ip:10.0.0.1"); ok {
		t.Fatal("first identifier exceeded its window")
	}
}

func TestDisabledLimiterAllowsEverything(t *testing.T) {
	l := New(nil, 0)
	for i := 0; i < 100; i++ {
		if ok, _ := l.Allow(context.Background(), "ip:10.0.0.1"); !ok {
			t.Fatal("disabled limiter blocked a request")
		}
	}

	var nilLimiter *Limiter
	if ok, _ := nilLimiter.Allow(context.Background(), "x"); !ok {
		t.Fatal("nil limiter blocked a request")
	}
}

func TestRedisWindowBlocksOverLimit(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	const limit = 3
	l := New(rdb, limit)
	ctx := context.Background()

	for i := 0; i < limit; i++ {
		if ok, _ := l.Allow(ctx, "user:tok"); !ok {
			t.Fatalf("request %d: blocked under limit", i)
		}
	}

	ok, retry := l.Allow(ctx, "user:tok")
	if ok {
		t.Fatal("request over the limit was allowed")
	}
	if retry < time.Second || retry > time.Minute+time.Second {
		t.Fatalf("retry = %v, want about a minute", retry)
	}
}

func TestRedisWindowIsPerIdentifier(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	l := New(rdb, 1)
	ctx := context.Background()

	if ok, _ := l.Allow(ctx, "user:a"); !ok {
		t.Fatal("first identifier blocked")
	}
	if ok, _ := l.Allow(ctx, "user:b"); !ok {
		t.Fatal("second identifier shares the first one's window")
	}
	if ok, _ := l.Allow(ctx, "user:a"); ok {
		t.Fatal("first identifier exceeded its window")
	}
}

func TestRedisDownDegradesOpen(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	// Close Redis before making any calls — the limiter must allow requests.
	cleanup()

	l := New(rdb, 5)
	if ok, _ := l.Allow(context.Background(), "ip:10.0.0.1"); !ok {
		t.Fatal("request blocked while Redis is unavailable")
	}
}
