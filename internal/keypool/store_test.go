package keypool

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/llm"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testKey(service llm.Service, secret string) *Key {
	return &Key{
		Hash:       keyHash(service, secret),
		Secret:     secret,
		Service:    service,
		Families:   allFamilies(service),
		TokensUsed: make(map[llm.ModelFamily]int64),
	}
}

// testStore wires a store to a manual clock.
func testStore(service llm.Service, keys ...*Key) (*store, *time.Time) {
	st := newStore(service, keys, testLogger())
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return now }
	return st, &now
}

func TestGetLockoutRoundTrip(t *testing.T) {
	good := testKey(llm.OpenAI, "sk-good")
	dead := testKey(llm.OpenAI, "sk-dead")
	dead.Disabled = true
	st, now := testStore(llm.OpenAI, good, dead)

	got, err := st.get(llm.GPT4)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Hash != good.Hash {
		t.Fatalf("get returned %s, want the enabled key %s", got.Hash, good.Hash)
	}

	st.markRateLimited(got.Hash)
	if _, err := st.get(llm.GPT4); !errors.Is(err, ErrNoKeys) {
		t.Fatalf("get during lockout: err = %v, want ErrNoKeys", err)
	}
	if lp := st.lockoutPeriod(llm.GPT4); lp <= 0 {
		t.Fatalf("lockoutPeriod = %v, want > 0", lp)
	}

	*now = now.Add(defaultLockout(llm.OpenAI))
	if lp := st.lockoutPeriod(llm.GPT4); lp != 0 {
		t.Fatalf("lockoutPeriod after lockout elapsed = %v, want 0", lp)
	}
	if _, err := st.get(llm.GPT4); err != nil {
		t.Fatalf("get after lockout elapsed: %v", err)
	}
}

func TestGetNeverReturnsDisabled(t *testing.T) {
	good := testKey(llm.OpenAI, "sk-good")
	dead := testKey(llm.OpenAI, "sk-dead")
	dead.Disabled = true
	st, now := testStore(llm.OpenAI, good, dead)

	for i := 0; i < 5; i++ {
		got, err := st.get(llm.Turbo)
		if err != nil {
			t.Fatalf("get #%d: %v", i, err)
		}
		if got.Hash == dead.Hash {
			t.Fatalf("get #%d returned a disabled key", i)
		}
		*now = now.Add(time.Second)
	}
}

func TestGetReuseCooldownDegradesNotFails(t *testing.T) {
	only := testKey(llm.Anthropic, "sk-ant")
	st, _ := testStore(llm.Anthropic, only)

	// Two immediate checkouts: the second lands inside the first's reuse
	// cooldown but must still succeed.
	if _, err := st.get(llm.Claude); err != nil {
		t.Fatalf("first get: %v", err)
	}
	got, err := st.get(llm.Claude)
	if err != nil {
		t.Fatalf("second get inside cooldown: %v", err)
	}
	if got.Hash != only.Hash {
		t.Fatalf("got %s, want %s", got.Hash, only.Hash)
	}
}

func TestGetSpreadsAcrossKeys(t *testing.T) {
	a := testKey(llm.Anthropic, "sk-a")
	b := testKey(llm.Anthropic, "sk-b")
	st, _ := testStore(llm.Anthropic, a, b)

	first, err := st.get(llm.Claude)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	second, err := st.get(llm.Claude)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if first.Hash == second.Hash {
		t.Errorf("consecutive checkouts both picked %s; cooldown should spread load", first.Hash)
	}
}

func TestGetPrefersTrialThenLRU(t *testing.T) {
	paid := testKey(llm.OpenAI, "sk-paid")
	trial := testKey(llm.OpenAI, "sk-trial")
	trial.OpenAI.Trial = true
	st, now := testStore(llm.OpenAI, paid, trial)

	// Both idle: trial wins regardless of LastUsed.
	paid.LastUsed = now.Add(-time.Hour)
	trial.LastUsed = now.Add(-time.Minute)
	got, err := st.get(llm.Turbo)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Hash != trial.Hash {
		t.Errorf("got %s, want trial key first", got.Hash)
	}

	// Among equals, least recently used wins.
	old := testKey(llm.MistralAI, "sk-old")
	fresh := testKey(llm.MistralAI, "sk-fresh")
	st2, now2 := testStore(llm.MistralAI, fresh, old)
	old.LastUsed = now2.Add(-2 * time.Hour)
	fresh.LastUsed = now2.Add(-time.Minute)
	got2, err := st2.get(llm.MistralSmall)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got2.Hash != old.Hash {
		t.Errorf("got %s, want least recently used %s", got2.Hash, old.Hash)
	}
}

func TestGetHonorsNarrowedFamilies(t *testing.T) {
	gpt4 := testKey(llm.OpenAI, "sk-gpt4")
	turboOnly := testKey(llm.OpenAI, "sk-turbo")
	turboOnly.Families = map[llm.ModelFamily]bool{llm.Turbo: true}
	st, _ := testStore(llm.OpenAI, gpt4, turboOnly)

	got, err := st.get(llm.GPT4)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Hash != gpt4.Hash {
		t.Errorf("got %s, want the gpt4-capable key", got.Hash)
	}

	gpt4.Families[llm.GPT432K] = false
	turboOnly.Families[llm.GPT432K] = false
	if _, err := st.get(llm.GPT432K); !errors.Is(err, ErrNoKeys) {
		t.Errorf("get for unserved family: err = %v, want ErrNoKeys", err)
	}
}

func TestDefaultLockouts(t *testing.T) {
	tests := []struct {
		service llm.Service
		want    time.Duration
	}{
		{llm.Anthropic, 2 * time.Second},
		{llm.AWS, 2 * time.Second},
		{llm.GCP, 2 * time.Second},
		{llm.OpenAI, 10 * time.Second},
		{llm.Azure, 10 * time.Second},
		{llm.MistralAI, 10 * time.Second},
		{llm.GoogleAI, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := defaultLockout(tt.service); got != tt.want {
			t.Errorf("defaultLockout(%s) = %v, want %v", tt.service, got, tt.want)
		}
	}
}

func TestUpdateRateLimits(t *testing.T) {
	k := testKey(llm.OpenAI, "sk-a")
	st, now := testStore(llm.OpenAI, k)

	st.markRateLimited(k.Hash)
	base := now.Add(defaultLockout(llm.OpenAI))
	if !k.RateLimitedUntil.Equal(base) {
		t.Fatalf("RateLimitedUntil = %v, want %v", k.RateLimitedUntil, base)
	}

	// The longer of the two headers extends the lockout.
	st.updateRateLimits(k.Hash, "5s", "30s")
	if want := now.Add(30 * time.Second); !k.RateLimitedUntil.Equal(want) {
		t.Errorf("after 30s reset: RateLimitedUntil = %v, want %v", k.RateLimitedUntil, want)
	}

	// A shorter reset never shortens an existing lockout.
	st.updateRateLimits(k.Hash, "1s", "")
	if want := now.Add(30 * time.Second); !k.RateLimitedUntil.Equal(want) {
		t.Errorf("after shorter reset: RateLimitedUntil = %v, want unchanged %v", k.RateLimitedUntil, want)
	}

	// Garbage and empty headers change nothing.
	st.updateRateLimits(k.Hash, "soon", "")
	st.updateRateLimits(k.Hash, "", "")
	if want := now.Add(30 * time.Second); !k.RateLimitedUntil.Equal(want) {
		t.Errorf("after garbage headers: RateLimitedUntil = %v, want unchanged %v", k.RateLimitedUntil, want)
	}
}

func TestParseReset(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"5s", 5 * time.Second},
		{"120ms", 120 * time.Millisecond},
		{"1m20s", 80 * time.Second},
		{"", 0},
		{"tomorrow", 0},
		{"-3s", 0},
	}
	for _, tt := range tests {
		if got := parseReset(tt.in); got != tt.want {
			t.Errorf("parseReset(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestIncrementUsageAccrues(t *testing.T) {
	k := testKey(llm.Anthropic, "sk-ant")
	st, _ := testStore(llm.Anthropic, k)

	st.incrementUsage(k.Hash, llm.Claude, 1200)
	st.incrementUsage(k.Hash, llm.Claude, 300)
	if k.PromptCount != 2 {
		t.Errorf("PromptCount = %d, want 2", k.PromptCount)
	}
	if k.TokensUsed[llm.Claude] != 1500 {
		t.Errorf("TokensUsed = %d, want 1500", k.TokensUsed[llm.Claude])
	}
}

func TestIncrementUsageQuotaDisable(t *testing.T) {
	k := testKey(llm.OpenAI, "sk-openai")
	k.OpenAI.HardLimitUSD = 1.0
	st, _ := testStore(llm.OpenAI, k)

	// gpt4 is estimated at $0.045 per 1k tokens: 23k tokens crosses $1.
	st.incrementUsage(k.Hash, llm.GPT4, 23_000)
	if !k.Disabled {
		t.Fatal("key not disabled after crossing hard limit")
	}
	if k.DisableReason != ReasonQuota {
		t.Errorf("DisableReason = %q, want quota", k.DisableReason)
	}
	if !k.OpenAI.OverQuota {
		t.Error("OverQuota not set")
	}
	if k.OpenAI.UsageUSD != k.OpenAI.HardLimitUSD {
		t.Errorf("UsageUSD = %v, want pinned to hard limit %v", k.OpenAI.UsageUSD, k.OpenAI.HardLimitUSD)
	}
}

func TestDisable(t *testing.T) {
	k := testKey(llm.OpenAI, "sk-a")
	k.OpenAI.HardLimitUSD = 5
	st, _ := testStore(llm.OpenAI, k)

	st.disable(k.Hash, ReasonQuota)
	if !k.Disabled || k.DisableReason != ReasonQuota {
		t.Fatalf("key = %+v, want quota-disabled", k)
	}
	if k.Revoked {
		t.Error("quota disable must not mark the key revoked")
	}
	if k.OpenAI.UsageUSD != 5 {
		t.Errorf("UsageUSD = %v, want pinned to 5", k.OpenAI.UsageUSD)
	}

	// Idempotent: a later revoke does not overwrite the original reason.
	st.disable(k.Hash, ReasonRevoked)
	if k.DisableReason != ReasonQuota {
		t.Errorf("DisableReason = %q, want quota preserved", k.DisableReason)
	}

	r := testKey(llm.Anthropic, "sk-b")
	st2, _ := testStore(llm.Anthropic, r)
	st2.disable(r.Hash, ReasonRevoked)
	if !r.Revoked {
		t.Error("revoked disable must set Revoked")
	}
}

func TestLockoutPeriodMinRemaining(t *testing.T) {
	a := testKey(llm.Anthropic, "sk-a")
	b := testKey(llm.Anthropic, "sk-b")
	st, now := testStore(llm.Anthropic, a, b)

	st.markRateLimited(a.Hash)
	*now = now.Add(500 * time.Millisecond)
	st.markRateLimited(b.Hash)

	// a has 1.5s left, b has 2s: the shorter wins.
	if lp := st.lockoutPeriod(llm.Claude); lp != 1500*time.Millisecond {
		t.Errorf("lockoutPeriod = %v, want 1.5s", lp)
	}
}

func TestLockoutPeriodEmptyFamilyIsZero(t *testing.T) {
	st, _ := testStore(llm.OpenAI)
	if lp := st.lockoutPeriod(llm.GPT4); lp != 0 {
		t.Errorf("lockoutPeriod with no keys = %v, want 0 so requests fail fast", lp)
	}
}

func TestAvailable(t *testing.T) {
	a := testKey(llm.OpenAI, "sk-a")
	b := testKey(llm.OpenAI, "sk-b")
	b.Disabled = true
	st, _ := testStore(llm.OpenAI, a, b)

	if n := st.available(llm.Turbo); n != 1 {
		t.Errorf("available = %d, want 1", n)
	}
	st.markRateLimited(a.Hash)
	// Rate-limited keys still count as available; they recover on their own.
	if n := st.available(llm.Turbo); n != 1 {
		t.Errorf("available during lockout = %d, want 1", n)
	}
}

func TestListRedactsSnapshotKeeps(t *testing.T) {
	k := testKey(llm.OpenAI, "sk-secret")
	st, _ := testStore(llm.OpenAI, k)

	for _, frozen := range st.list() {
		if frozen.Secret != "" {
			t.Errorf("list leaked secret %q", frozen.Secret)
		}
	}
	snap := st.snapshot()
	if snap[0].Secret != "sk-secret" {
		t.Errorf("snapshot secret = %q, want intact", snap[0].Secret)
	}

	// Frozen copies must not alias pool state.
	snap[0].Families[llm.GPT4] = false
	if !k.Families[llm.GPT4] {
		t.Error("mutating a frozen copy reached the pool")
	}
}

func TestAnyUncheckedAndRecheck(t *testing.T) {
	k := testKey(llm.OpenAI, "sk-a")
	st, _ := testStore(llm.OpenAI, k)

	if !st.anyUnchecked() {
		t.Fatal("fresh key should read as unchecked")
	}
	st.update(k.Hash, func(k *Key) { k.LastChecked = time.Now() })
	if st.anyUnchecked() {
		t.Fatal("checked key still reads as unchecked")
	}
	st.recheck()
	if !st.anyUnchecked() {
		t.Fatal("recheck did not reset LastChecked")
	}
}

func TestRateLimitInvariant(t *testing.T) {
	k := testKey(llm.OpenAI, "sk-a")
	st, now := testStore(llm.OpenAI, k)

	st.markRateLimited(k.Hash)
	st.updateRateLimits(k.Hash, "45s", "")
	*now = now.Add(time.Minute)
	if _, err := st.get(llm.Turbo); err != nil {
		t.Fatalf("get after lockout: %v", err)
	}
	if k.RateLimitedUntil.Before(k.RateLimitedAt) {
		t.Errorf("RateLimitedUntil %v < RateLimitedAt %v", k.RateLimitedUntil, k.RateLimitedAt)
	}
}
