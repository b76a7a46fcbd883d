// Package ratelimit enforces the per-identifier request window on completion
// endpoints. Each user token, risu token, or client IP gets its own sliding
// window of MODEL_RATE_LIMIT requests per minute.
//
// With Redis configured the window lives in a sorted set updated by an atomic
// Lua script, so every replica sees the same counts. Without Redis an
// in-process window is used.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script that implements a sliding window
// rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		-- Remove expired entries.
		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		-- Add current request with a unique member (now + random suffix).
		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- window is in ns; PEXPIRE wants ms
		return 1
`)

const (
	window = time.Minute

	keyPrefix = "ratelimit:ident:"

	// pruneThreshold bounds the in-memory identifier map; above it every
	// Allow call sweeps out identifiers whose hits all expired.
	pruneThreshold = 10_000
)

// Limiter is a per-identifier sliding window limiter. A nil *Limiter allows
// everything.
type Limiter struct {
	rdb    *redis.Client
	perMin int
	now    func() time.Time

	mu   sync.Mutex
	hits map[string][]time.Time
}

// New creates a Limiter allowing perMinute requests per identifier per
// minute. perMinute <= 0 disables limiting. rdb may be nil, in which case the
// window is process-local.
func New(rdb *redis.Client, perMinute int) *Limiter {
	return &Limiter{
		rdb:    rdb,
		perMin: perMinute,
		now:    time.Now,
		hits:   make(map[string][]time.Time),
	}
}

// Allow reports whether ident may issue a request now, and when not, how long
// until a slot frees up. The Redis path degrades open: if the script fails
// the request is allowed rather than blocking traffic on a cache outage.
func (l *Limiter) Allow(ctx context.Context, ident string) (bool, time.Duration) {
	if l == nil || l.perMin <= 0 {
		return true, 0
	}
	if l.rdb != nil {
		return l.allowRedis(ctx, ident)
	}
	return l.allowMemory(ident)
}

func (l *Limiter) allowRedis(ctx context.Context, ident string) (bool, time.Duration) {
	key := keyPrefix + ident
	now := l.now().UnixNano()

	result, err := slidingWindowScript.Run(ctx, l.rdb,
		[]string{key},
		now, window.Nanoseconds(), l.perMin,
	).Int()
	if err != nil {
		// Redis unavailable — allow request (graceful degradation).
		return true, 0
	}
	if result == 1 {
		return true, 0
	}
	return false, l.redisRetryAfter(ctx, key, now)
}

// redisRetryAfter reads the oldest hit in the window; the slot frees when it
// expires. Only reached on the blocked path, so the extra round trip is rare.
func (l *Limiter) redisRetryAfter(ctx context.Context, key string, now int64) time.Duration {
	vals, err := l.rdb.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil || len(vals) == 0 {
		return window
	}
	oldest := int64(vals[0].Score)
	retry := time.Duration(oldest + window.Nanoseconds() - now)
	if retry < time.Second {
		retry = time.Second
	}
	return retry
}

func (l *Limiter) allowMemory(ident string) (bool, time.Duration) {
	now := l.now()
	cutoff := now.Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()

	hits := l.hits[ident]
	live := hits[:0]
	for _, t := range hits {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}

	if len(live) >= l.perMin {
		l.hits[ident] = live
		retry := live[0].Add(window).Sub(now)
		if retry < time.Second {
			retry = time.Second
		}
		return false, retry
	}

	l.hits[ident] = append(live, now)
	if len(l.hits) > pruneThreshold {
		l.pruneLocked(cutoff)
	}
	return true, 0
}

func (l *Limiter) pruneLocked(cutoff time.Time) {
	for ident, hits := range l.hits {
		n := 0
		for _, t := range hits {
			if t.After(cutoff) {
				n++
			}
		}
		if n == 0 {
			delete(l.hits, ident)
		}
	}
}
