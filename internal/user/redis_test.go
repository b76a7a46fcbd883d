package user

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/nulpointcorp/llm-relay/internal/config"
	"github.com/nulpointcorp/llm-relay/internal/llm"
)

func redisConfig(addr string) *config.Config {
	return &config.Config{
		Gatekeeper: config.GatekeeperConfig{Mode: config.GateUserToken, Store: "redis"},
		Redis:      config.RedisConfig{URL: "redis://" + addr},
		Quota: config.QuotaConfig{
			Tokens:        map[llm.ModelFamily]int64{llm.GPT4: 100},
			RefreshPeriod: "daily",
		},
	}
}

// TestRedisRoundTrip persists users through one store and loads them in a
// second one, as a restart would.
func TestRedisRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	s1, err := New(ctx, redisConfig(mr.Addr()), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	u := s1.Create(TypeNormal)
	s1.IncrementUsage(u.Token, llm.GPT4, 42)
	if _, err := s1.Authenticate(u.Token, "10.0.0.1"); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	s1.Stop()

	s2, err := New(ctx, redisConfig(mr.Addr()), testLogger())
	if err != nil {
		t.Fatalf("New after restart: %v", err)
	}
	defer s2.Stop()

	got, ok := s2.Get(u.Token)
	if !ok {
		t.Fatal("user missing after reload")
	}
	if got.Type != TypeNormal {
		t.Fatalf("Type = %q, want %q", got.Type, TypeNormal)
	}
	if got.TokenCounts[llm.GPT4] != 42 {
		t.Fatalf("TokenCounts[gpt4] = %d, want 42", got.TokenCounts[llm.GPT4])
	}
	if got.TokenLimits[llm.GPT4] != 100 {
		t.Fatalf("TokenLimits[gpt4] = %d, want 100", got.TokenLimits[llm.GPT4])
	}
	if len(got.IPs) != 1 || got.IPs[0] != "10.0.0.1" {
		t.Fatalf("IPs = %v, want the recorded address", got.IPs)
	}
	if got.PromptCount != 1 {
		t.Fatalf("PromptCount = %d, want 1", got.PromptCount)
	}
}

// TestRedisDisabledSurvivesRestart verifies a ban is durable.
func TestRedisDisabledSurvivesRestart(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	s1, err := New(ctx, redisConfig(mr.Addr()), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	u := s1.Create(TypeNormal)
	s1.Disable(u.Token, "abuse")
	s1.Stop()

	s2, err := New(ctx, redisConfig(mr.Addr()), testLogger())
	if err != nil {
		t.Fatalf("New after restart: %v", err)
	}
	defer s2.Stop()

	if _, err := s2.Authenticate(u.Token, "10.0.0.1"); err == nil {
		t.Fatal("disabled user authenticated after reload")
	}
	got, _ := s2.Get(u.Token)
	if got.DisabledReason != "abuse" {
		t.Fatalf("DisabledReason = %q, want %q", got.DisabledReason, "abuse")
	}
}

func TestRedisConnectFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	if _, err := New(context.Background(), redisConfig(addr), testLogger()); err == nil {
		t.Fatal("expected connection error")
	}
}

func TestRedisBadURL(t *testing.T) {
	cfg := redisConfig("unused")
	cfg.Redis.URL = "not-a-valid-url"

	if _, err := New(context.Background(), cfg, testLogger()); err == nil {
		t.Fatal("expected parse error")
	}
}

// TestMemoryStoreNeedsNoRedis verifies the memory backend works without a
// server configured.
func TestMemoryStoreNeedsNoRedis(t *testing.T) {
	cfg := &config.Config{
		Gatekeeper: config.GatekeeperConfig{Mode: config.GateUserToken, Store: "memory"},
		Quota:      config.QuotaConfig{RefreshPeriod: "hourly"},
	}

	s, err := New(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Stop()

	u := s.Create(TypeNormal)
	if _, err := s.Authenticate(u.Token, "10.0.0.1"); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
}
