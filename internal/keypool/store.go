package keypool

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/llm"
)

// Selection and lockout errors. The proxy layer maps these onto API errors.
var (
	// ErrNoKeys means no enabled key serves the requested family.
	ErrNoKeys = errors.New("keypool: no keys available")

	// ErrUnknownModel means the model name maps to no family on this service.
	ErrUnknownModel = errors.New("keypool: model does not map to a known family")
)

// defaultLockout is the rate-limit lockout applied when the upstream gives no
// reset hint. Claude-serving services throttle on concurrency and recover
// fast; OpenAI-style services meter per minute.
func defaultLockout(s llm.Service) time.Duration {
	switch s {
	case llm.Anthropic, llm.AWS, llm.GCP:
		return 2 * time.Second
	default:
		return 10 * time.Second
	}
}

// store holds every key of one service. All access is mutex-serialized; the
// operations are lookups and small mutations, never I/O.
type store struct {
	service llm.Service
	log     *slog.Logger

	mu   sync.Mutex
	keys []*Key

	// now is swappable for tests.
	now func() time.Time
}

func newStore(service llm.Service, keys []*Key, log *slog.Logger) *store {
	return &store{
		service: service,
		keys:    keys,
		log:     log.With("service", string(service)),
		now:     time.Now,
	}
}

// get checks out the best key for a family. Keys inside an upstream lockout
// are excluded; if that leaves nothing, the caller gets ErrNoKeys and should
// consult lockoutPeriod. Among the rest, keys outside their reuse cooldown
// win (OpenAI trial keys ahead of paid ones so free credit burns first, then
// least recently used); when every candidate is merely cooling down, the one
// whose cooldown expires first is handed out anyway so a burst degrades to
// key reuse instead of failures. The winner gets LastUsed stamped and a
// fresh cooldown so the next checkout spreads load.
func (s *store) get(family llm.ModelFamily) (Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var free, cooling []*Key
	none := true
	for _, k := range s.keys {
		if k.Disabled || !k.serves(family) {
			continue
		}
		none = false
		switch {
		case !k.rateLimited(now):
			free = append(free, k)
		case !k.LockedOut:
			cooling = append(cooling, k)
		}
	}
	if none || (len(free) == 0 && len(cooling) == 0) {
		return Key{}, ErrNoKeys
	}

	var selected *Key
	if len(free) > 0 {
		selected = free[0]
		for _, k := range free[1:] {
			if s.preferred(k, selected) {
				selected = k
			}
		}
	} else {
		selected = cooling[0]
		for _, k := range cooling[1:] {
			if k.RateLimitedUntil.Before(selected.RateLimitedUntil) {
				selected = k
			}
		}
	}

	selected.LastUsed = now
	selected.LockedOut = false
	if until := now.Add(KeyReuseDelay); until.After(selected.RateLimitedUntil) {
		selected.RateLimitedUntil = until
	}
	return selected.freeze(false), nil
}

// preferred reports whether a should be chosen over b among free keys.
func (s *store) preferred(a, b *Key) bool {
	if s.service == llm.OpenAI && a.OpenAI.Trial != b.OpenAI.Trial {
		return a.OpenAI.Trial
	}
	return a.LastUsed.Before(b.LastUsed)
}

// disable takes a key out of rotation. Idempotent. A quota disable pins the
// tracked usage to the hard limit so stats read as exhausted rather than
// frozen mid-count.
func (s *store) disable(hash string, reason DisableReason) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := s.find(hash)
	if k == nil || k.Disabled {
		return
	}
	k.Disabled = true
	k.DisableReason = reason
	if reason == ReasonRevoked {
		k.Revoked = true
	}
	if reason == ReasonQuota && s.service == llm.OpenAI {
		k.OpenAI.OverQuota = true
		if k.OpenAI.HardLimitUSD > 0 {
			k.OpenAI.UsageUSD = k.OpenAI.HardLimitUSD
		}
	}
	s.log.Warn("key disabled", "key", hash, "reason", string(reason))
}

// markRateLimited starts a lockout with the service default duration.
func (s *store) markRateLimited(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := s.find(hash)
	if k == nil {
		return
	}
	now := s.now()
	k.RateLimitedAt = now
	k.RateLimitedUntil = now.Add(defaultLockout(s.service))
	k.LockedOut = true
}

// updateRateLimits refines lockouts from the upstream reset headers, which
// ride on every response. Values arrive in Go duration syntax ("5s", "120ms",
// "1m20s"); the longer of the two wins, and an existing longer lockout is
// never shortened. Resets shorter than the reuse cooldown therefore change
// nothing on a healthy key; only a genuinely draining bucket extends the
// timer and takes the key out of selection.
func (s *store) updateRateLimits(hash, resetRequests, resetTokens string) {
	d := parseReset(resetRequests)
	if t := parseReset(resetTokens); t > d {
		d = t
	}
	if d <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := s.find(hash)
	if k == nil {
		return
	}
	if until := s.now().Add(d); until.After(k.RateLimitedUntil) {
		k.RateLimitedUntil = until
		k.LockedOut = true
	}
}

func (s *store) markRequiresPreamble(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := s.find(hash)
	if k == nil || k.Anthropic.RequiresPreamble {
		return
	}
	k.Anthropic.RequiresPreamble = true
	s.log.Info("key requires preamble", "key", hash)
}

func parseReset(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// incrementUsage accounts a completed request against the key. OpenAI keys
// additionally accrue an estimated dollar cost between billing probes, and
// are quota-disabled the moment the estimate crosses the hard limit.
func (s *store) incrementUsage(hash string, family llm.ModelFamily, tokens int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := s.find(hash)
	if k == nil {
		return
	}
	k.PromptCount++
	if tokens > 0 {
		k.TokensUsed[family] += int64(tokens)
	}
	if s.service != llm.OpenAI || k.Disabled {
		return
	}
	k.OpenAI.UsageUSD += float64(tokens) / 1000 * usdPer1kTokens(family)
	if k.OpenAI.HardLimitUSD > 0 && k.OpenAI.UsageUSD >= k.OpenAI.HardLimitUSD {
		k.Disabled = true
		k.DisableReason = ReasonQuota
		k.OpenAI.OverQuota = true
		k.OpenAI.UsageUSD = k.OpenAI.HardLimitUSD
		s.log.Warn("key exhausted its hard limit", "key", hash)
	}
}

// usdPer1kTokens is a coarse blended price per family, used only to keep the
// usage estimate moving between billing-endpoint probes.
func usdPer1kTokens(family llm.ModelFamily) float64 {
	switch family {
	case llm.GPT4, llm.AzureGPT4:
		return 0.045
	case llm.GPT432K, llm.AzureGPT432K:
		return 0.09
	case llm.GPT4Turbo, llm.AzureGPT4Turbo:
		return 0.02
	default:
		return 0.0015
	}
}

// lockoutPeriod returns 0 when some key for the family is usable right now,
// otherwise the shortest remaining lockout. A family with no keys at all also
// reports 0 so its requests fail fast instead of queueing forever.
func (s *store) lockoutPeriod(family llm.ModelFamily) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	shortest := time.Duration(-1)
	for _, k := range s.keys {
		if k.Disabled || !k.serves(family) {
			continue
		}
		if !k.rateLimited(now) {
			return 0
		}
		if remaining := k.RateLimitedUntil.Sub(now); shortest < 0 || remaining < shortest {
			shortest = remaining
		}
	}
	if shortest < 0 {
		return 0
	}
	return shortest
}

// available counts enabled keys serving the family, locked out or not.
func (s *store) available(family llm.ModelFamily) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, k := range s.keys {
		if !k.Disabled && k.serves(family) {
			n++
		}
	}
	return n
}

// list returns frozen copies with secrets redacted, for stats and admin.
func (s *store) list() []Key {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Key, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, k.freeze(true))
	}
	return out
}

// snapshot returns frozen copies with secrets intact, for the checkers.
func (s *store) snapshot() []Key {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Key, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, k.freeze(false))
	}
	return out
}

// anyUnchecked reports whether some enabled key has never been probed.
func (s *store) anyUnchecked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range s.keys {
		if !k.Disabled && k.LastChecked.IsZero() {
			return true
		}
	}
	return false
}

// recheck zeroes LastChecked on every key so the checker revisits them all.
func (s *store) recheck() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range s.keys {
		k.LastChecked = time.Time{}
	}
}

// update applies a mutation to one key under the lock. This is the callback
// handed to checkers; they never hold a pool or store reference.
func (s *store) update(hash string, mutate func(*Key)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k := s.find(hash); k != nil {
		mutate(k)
	}
}

// find returns the live key for a hash. Callers hold s.mu.
func (s *store) find(hash string) *Key {
	for _, k := range s.keys {
		if k.Hash == hash {
			return k
		}
	}
	return nil
}
