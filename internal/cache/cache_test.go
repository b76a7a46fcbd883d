package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	c, err := NewRedisCacheFromURL(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisCacheFromURL: %v", err)
	}

	t.Cleanup(func() { _ = c.Close() })

	return c, mr
}

func TestRedisGetMiss(t *testing.T) {
	c, _ := newTestRedisCache(t)

	data, ok := c.Get(context.Background(), "risu:absent")
	if ok {
		t.Fatal("expected miss, got hit")
	}
	if data != nil {
		t.Fatalf("expected nil data on miss, got %v", data)
	}
}

func TestRedisSetAndGet(t *testing.T) {
	c, _ := newTestRedisCache(t)

	want := []byte(`{"ok":true}`)
	if err := c.Set(context.Background(), "risu:tok-1", want, time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok := c.Get(context.Background(), "risu:tok-1")
	if !ok {
		t.Fatal("expected hit, got miss")
	}
	if string(got) != string(want) {
		t.Fatalf("Get returned %q, want %q", got, want)
	}
}

func TestRedisTTLExpires(t *testing.T) {
	c, mr := newTestRedisCache(t)

	if err := c.Set(context.Background(), "models:openai", []byte("list"), 10*time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok := c.Get(context.Background(), "models:openai"); !ok {
		t.Fatal("key should exist before TTL expires")
	}

	mr.FastForward(11 * time.Second)

	if _, ok := c.Get(context.Background(), "models:openai"); ok {
		t.Fatal("key should have expired")
	}
}

func TestRedisDelete(t *testing.T) {
	c, _ := newTestRedisCache(t)

	if err := c.Set(context.Background(), "k", []byte("v"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := c.Delete(context.Background(), "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := c.Get(context.Background(), "k"); ok {
		t.Fatal("key should be gone after Delete")
	}

	if err := c.Delete(context.Background(), "ghost"); err != nil {
		t.Fatalf("Delete of missing key returned error: %v", err)
	}
}

func TestRedisDegradesGracefully(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := NewRedisCacheFromURL(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisCacheFromURL: %v", err)
	}
	defer func() { _ = c.Close() }()

	mr.Close()

	if _, ok := c.Get(context.Background(), "any"); ok {
		t.Fatal("expected miss when Redis is down")
	}
	if err := c.Set(context.Background(), "any", []byte("v"), time.Hour); err != nil {
		t.Fatalf("Set must return nil on Redis error, got: %v", err)
	}
}

func TestRedisInvalidURL(t *testing.T) {
	if _, err := NewRedisCacheFromURL(context.Background(), "not-a-valid-url"); err == nil {
		t.Fatal("expected error for invalid URL, got nil")
	}
}

func TestMemorySetGetExpire(t *testing.T) {
	c := NewMemoryCache(context.Background())
	defer c.Close()

	ctx := context.Background()

	if _, ok := c.Get(ctx, "models:openai"); ok {
		t.Fatal("expected miss on empty cache")
	}

	if err := c.Set(ctx, "models:openai", []byte("list"), 50*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok := c.Get(ctx, "models:openai")
	if !ok || string(got) != "list" {
		t.Fatalf("Get = %q, %v; want list, true", got, ok)
	}

	time.Sleep(60 * time.Millisecond)
	if _, ok := c.Get(ctx, "models:openai"); ok {
		t.Fatal("entry should have expired")
	}
}

func TestMemoryDelete(t *testing.T) {
	c := NewMemoryCache(context.Background())
	defer c.Close()

	ctx := context.Background()
	if err := c.Set(ctx, "k", []byte("v"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("key should be gone after Delete")
	}
}

func TestBackendsImplementInterface(t *testing.T) {
	var _ Cache = (*MemoryCache)(nil)
	var _ Cache = (*RedisCache)(nil)
}
