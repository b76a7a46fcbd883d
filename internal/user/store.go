package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-relay/internal/config"
	"github.com/nulpointcorp/llm-relay/internal/llm"
)

const (
	// flushPeriod is how often dirty users are written to the backend.
	flushPeriod  = 20 * time.Second
	flushTimeout = 5 * time.Second
)

// Authentication errors. The gatekeeper maps these onto API errors.
var (
	// ErrNotFound means the token is not in the store.
	ErrNotFound = errors.New("user: unknown token")

	// ErrDisabled means the token exists but has been disabled.
	ErrDisabled = errors.New("user: token disabled")

	// ErrIPLimit means the token was presented from more distinct addresses
	// than allowed.
	ErrIPLimit = errors.New("user: too many IP addresses")
)

// QuotaError reports a per-family quota rejection with enough detail for the
// client envelope.
type QuotaError struct {
	Family    llm.ModelFamily
	Limit     int64
	Used      int64
	Requested int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("user: %s quota exhausted: %d used of %d, %d requested",
		e.Family, e.Used, e.Limit, e.Requested)
}

// backend persists users between restarts. Implementations are called from
// the flush goroutine only.
type backend interface {
	LoadAll(ctx context.Context) ([]User, error)
	SaveAll(ctx context.Context, users []User) error
	Close() error
}

// Store owns every User. All access is mutex-serialized; the mutations are
// small and never block on I/O. Writes reach the backend through the dirty
// set on the periodic flush, not inline.
type Store struct {
	log     *slog.Logger
	quota   map[llm.ModelFamily]int64
	refresh time.Duration
	maxIPs  int
	autoBan bool

	mu    sync.Mutex
	users map[string]*User
	dirty map[string]bool

	backend backend

	// now is swappable for tests.
	now func() time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

// New builds a Store per the gatekeeper configuration and, when the redis
// backend is selected, loads the persisted users.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Store, error) {
	refresh, err := cfg.Quota.RefreshInterval()
	if err != nil {
		return nil, err
	}

	var be backend
	if cfg.Gatekeeper.Store == "redis" {
		if be, err = newRedisBackend(ctx, cfg.Redis.URL); err != nil {
			return nil, err
		}
	}

	s := newStore(be, cfg.Quota.Tokens, refresh,
		cfg.Gatekeeper.MaxIPsPerUser, cfg.Gatekeeper.MaxIPsAutoBan, log)

	if be != nil {
		loaded, err := be.LoadAll(ctx)
		if err != nil {
			_ = be.Close()
			return nil, fmt.Errorf("user: load store: %w", err)
		}
		for i := range loaded {
			u := loaded[i]
			// Documents seeded by other tools may omit the count maps.
			if u.TokenCounts == nil {
				u.TokenCounts = make(map[llm.ModelFamily]int64)
			}
			if u.TokenLimits == nil {
				u.TokenLimits = make(map[llm.ModelFamily]int64)
			}
			s.users[u.Token] = &u
		}
		if len(loaded) > 0 {
			s.log.Info("loaded users", "count", len(loaded))
		}
	}
	return s, nil
}

func newStore(
	be backend,
	quota map[llm.ModelFamily]int64,
	refresh time.Duration,
	maxIPs int,
	autoBan bool,
	log *slog.Logger,
) *Store {
	if refresh <= 0 {
		refresh = 24 * time.Hour
	}
	return &Store{
		log:     log.With("component", "userstore"),
		quota:   quota,
		refresh: refresh,
		maxIPs:  maxIPs,
		autoBan: autoBan,
		users:   make(map[string]*User),
		dirty:   make(map[string]bool),
		backend: be,
		now:     time.Now,
		done:    make(chan struct{}),
	}
}

// Start launches the background flush/refresh loop.
func (s *Store) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop halts the loop, writes out any dirty users, and closes the backend.
func (s *Store) Stop() {
	close(s.done)
	s.wg.Wait()
	s.flush()
	if s.backend != nil {
		_ = s.backend.Close()
	}
}

func (s *Store) run() {
	defer s.wg.Done()

	flush := time.NewTicker(flushPeriod)
	defer flush.Stop()
	refresh := time.NewTicker(s.refresh)
	defer refresh.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-flush.C:
			s.sweepExpired()
			s.flush()
		case <-refresh.C:
			s.RefreshQuotas()
		}
	}
}

// Create registers a new user of the given type with the default quotas.
func (s *Store) Create(typ Type) User { return s.create(typ, 0) }

// CreateTemporary registers a user that is disabled once ttl elapses.
func (s *Store) CreateTemporary(ttl time.Duration) User {
	return s.create(TypeTemporary, ttl)
}

func (s *Store) create(typ Type, ttl time.Duration) User {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	u := &User{
		Token:       uuid.NewString(),
		Type:        typ,
		TokenCounts: make(map[llm.ModelFamily]int64),
		TokenLimits: make(map[llm.ModelFamily]int64, len(s.quota)),
		CreatedAt:   now,
	}
	for f, q := range s.quota {
		u.TokenLimits[f] = q
	}
	if ttl > 0 {
		u.ExpiresAt = now.Add(ttl)
	}
	s.users[u.Token] = u
	s.dirty[u.Token] = true
	s.log.Info("user created", "token", shortToken(u.Token), "type", string(typ))
	return u.freeze()
}

// Authenticate validates a token presented from ip and records the address.
// Special users bypass the IP cap entirely; for everyone else a new address
// beyond the cap is rejected, and with auto-ban enabled the user is disabled
// outright.
func (s *Store) Authenticate(token, ip string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.users[token]
	if u == nil {
		return User{}, ErrNotFound
	}
	now := s.now()
	if u.expired(now) {
		s.disableLocked(u, ReasonExpired)
	}
	if u.Disabled() {
		return User{}, ErrDisabled
	}

	if !u.hasIP(ip) {
		if u.Type != TypeSpecial {
			if limit := u.ipCap(s.maxIPs); limit > 0 && len(u.IPs)+1 > limit {
				if s.autoBan {
					s.disableLocked(u, ReasonIPLimit)
				}
				return User{}, ErrIPLimit
			}
		}
		u.IPs = append(u.IPs, ip)
	}
	u.LastUsedAt = now
	s.dirty[token] = true
	return u.freeze(), nil
}

// Get returns a frozen copy of one user.
func (s *Store) Get(token string) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.users[token]
	if u == nil {
		return User{}, false
	}
	return u.freeze(), true
}

// List returns frozen copies of every user.
func (s *Store) List() []User {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u.freeze())
	}
	return out
}

// Count returns the number of registered users.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// Disable takes a user out of service. Idempotent; the first reason sticks.
func (s *Store) Disable(token, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u := s.users[token]; u != nil {
		s.disableLocked(u, reason)
	}
}

// disableLocked marks u disabled. Callers hold s.mu.
func (s *Store) disableLocked(u *User, reason string) {
	if u.Disabled() {
		return
	}
	u.DisabledAt = s.now()
	u.DisabledReason = reason
	s.dirty[u.Token] = true
	s.log.Warn("user disabled", "token", shortToken(u.Token), "reason", reason)
}

// CheckQuota reports whether a request costing the given tokens fits the
// user's per-family allowance. Nothing is consumed here; usage moves only
// when the request completes. Special users and zero limits always pass.
func (s *Store) CheckQuota(token string, family llm.ModelFamily, requested int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.users[token]
	if u == nil {
		return ErrNotFound
	}
	if u.Type == TypeSpecial {
		return nil
	}
	limit := u.TokenLimits[family]
	if limit <= 0 {
		return nil
	}
	if used := u.TokenCounts[family]; used+requested > limit {
		return &QuotaError{Family: family, Limit: limit, Used: used, Requested: requested}
	}
	return nil
}

// IncrementUsage accounts a completed request against the user.
func (s *Store) IncrementUsage(token string, family llm.ModelFamily, tokens int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.users[token]
	if u == nil {
		return
	}
	u.PromptCount++
	if tokens > 0 {
		u.TokenCounts[family] += tokens
	}
	u.LastUsedAt = s.now()
	s.dirty[token] = true
}

// RefreshQuotas grants every enabled user a fresh per-family allowance on top
// of what they have already consumed. Unused allowance does not roll over; a
// zero configured quota means unlimited and clears the limit.
func (s *Store) RefreshQuotas() {
	s.mu.Lock()
	defer s.mu.Unlock()

	refreshed := 0
	for _, u := range s.users {
		if u.Disabled() {
			continue
		}
		for f, q := range s.quota {
			if q > 0 {
				u.TokenLimits[f] = u.TokenCounts[f] + q
			} else {
				u.TokenLimits[f] = 0
			}
		}
		s.dirty[u.Token] = true
		refreshed++
	}
	if refreshed > 0 {
		s.log.Info("user quotas refreshed", "count", refreshed)
	}
}

// sweepExpired disables temporary users past their expiry.
func (s *Store) sweepExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, u := range s.users {
		if u.expired(now) {
			s.disableLocked(u, ReasonExpired)
		}
	}
}

// flush writes dirty users to the backend. Failed writes stay dirty so the
// next cycle retries them.
func (s *Store) flush() {
	if s.backend == nil {
		return
	}

	s.mu.Lock()
	if len(s.dirty) == 0 {
		s.mu.Unlock()
		return
	}
	batch := make([]User, 0, len(s.dirty))
	tokens := make([]string, 0, len(s.dirty))
	for token := range s.dirty {
		if u := s.users[token]; u != nil {
			batch = append(batch, u.freeze())
			tokens = append(tokens, token)
		}
	}
	s.dirty = make(map[string]bool)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := s.backend.SaveAll(ctx, batch); err != nil {
		s.log.Warn("user flush failed", "count", len(batch), "error", err)
		s.mu.Lock()
		for _, token := range tokens {
			s.dirty[token] = true
		}
		s.mu.Unlock()
		return
	}
	s.log.Debug("users flushed", "count", len(batch))
}

// shortToken redacts a token for logs.
func shortToken(t string) string {
	if len(t) > 8 {
		return t[:8]
	}
	return t
}
