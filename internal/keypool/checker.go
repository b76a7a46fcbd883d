package keypool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/llm"
)

// Scheduling constants. Startup sweeps run in small concurrent batches so a
// large pool comes online quickly without tripping upstream abuse detection;
// after that a single serial loop paces probes.
const (
	probeTimeout   = 30 * time.Second
	minProbeGap    = 3 * time.Second
	batchGap       = 250 * time.Millisecond
	rateLimitRetry = 10 * time.Second
	idleRecheck    = time.Minute
)

// Probe outcome sentinels. Probes wrap these so the scheduler can react
// without knowing any provider's error shapes.
var (
	errProbeUnauthorized = errors.New("unauthorized")
	errProbeRateLimited  = errors.New("rate limited")
	errProbeQuota        = errors.New("quota exhausted")
)

// probeFunc validates one key against its upstream and records findings via
// the update callback it was constructed with.
type probeFunc func(ctx context.Context, key Key) error

// checkPeriod is how often a healthy key gets re-probed. OpenAI keys carry
// billing state that goes stale quickly; everything else is an hourly
// liveness check.
func checkPeriod(s llm.Service) time.Duration {
	if s == llm.OpenAI {
		return 5 * time.Minute
	}
	return time.Hour
}

// startupBatch is the concurrency of the initial sweep over unchecked keys.
func startupBatch(s llm.Service) int {
	if s == llm.OpenAI {
		return 12
	}
	return 6
}

// checker drives the probe schedule for one service. It holds callbacks into
// the store rather than the store itself, so probers stay free of pool
// dependencies.
type checker struct {
	service  llm.Service
	probe    probeFunc
	snapshot func() []Key
	update   func(hash string, mutate func(*Key))
	disable  func(hash string, reason DisableReason)
	log      *slog.Logger

	lastProbe time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

func newChecker(
	service llm.Service,
	probe probeFunc,
	snapshot func() []Key,
	update func(hash string, mutate func(*Key)),
	disable func(hash string, reason DisableReason),
	log *slog.Logger,
) *checker {
	return &checker{
		service:  service,
		probe:    probe,
		snapshot: snapshot,
		update:   update,
		disable:  disable,
		log:      log.With("component", "keychecker", "service", string(service)),
		done:     make(chan struct{}),
	}
}

// Start launches the scheduler goroutine.
func (c *checker) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop halts the scheduler and waits for any in-flight probe to finish.
func (c *checker) Stop() {
	close(c.done)
	c.wg.Wait()
}

func (c *checker) run() {
	defer c.wg.Done()

	c.startupSweep()

	for {
		hash, wait := c.next()
		if hash == "" {
			wait = idleRecheck
		}
		if wait > 0 && !c.sleep(wait) {
			return
		}
		if hash == "" {
			continue
		}
		// Re-snapshot after sleeping: the key may have been disabled or a
		// recheck may have reshuffled the schedule.
		if key, ok := c.lookup(hash); ok {
			c.probeOne(key)
		}
	}
}

// startupSweep probes all never-checked keys in concurrent batches.
func (c *checker) startupSweep() {
	var unchecked []Key
	for _, k := range c.snapshot() {
		if !k.Disabled && k.LastChecked.IsZero() {
			unchecked = append(unchecked, k)
		}
	}
	if len(unchecked) == 0 {
		return
	}
	c.log.Info("checking keys", "count", len(unchecked))

	size := startupBatch(c.service)
	for start := 0; start < len(unchecked); start += size {
		end := start + size
		if end > len(unchecked) {
			end = len(unchecked)
		}
		var wg sync.WaitGroup
		for _, key := range unchecked[start:end] {
			wg.Add(1)
			go func(key Key) {
				defer wg.Done()
				c.probeOne(key)
			}(key)
		}
		wg.Wait()

		if end < len(unchecked) && !c.sleep(batchGap) {
			return
		}
	}
}

// next picks the stalest enabled key and how long to wait before probing it.
func (c *checker) next() (hash string, wait time.Duration) {
	var stalest *Key
	for _, k := range c.snapshot() {
		if k.Disabled {
			continue
		}
		k := k
		if stalest == nil || k.LastChecked.Before(stalest.LastChecked) {
			stalest = &k
		}
	}
	if stalest == nil {
		return "", 0
	}

	due := stalest.LastChecked.Add(checkPeriod(c.service))
	if gapEnd := c.lastProbe.Add(minProbeGap); gapEnd.After(due) {
		due = gapEnd
	}
	return stalest.Hash, time.Until(due)
}

func (c *checker) lookup(hash string) (Key, bool) {
	for _, k := range c.snapshot() {
		if k.Hash == hash && !k.Disabled {
			return k, true
		}
	}
	return Key{}, false
}

func (c *checker) probeOne(key Key) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	err := c.probe(ctx, key)
	cancel()

	now := time.Now()
	c.lastProbe = now

	switch {
	case err == nil:
		c.update(key.Hash, func(k *Key) { k.LastChecked = now })

	case errors.Is(err, errProbeUnauthorized):
		c.update(key.Hash, func(k *Key) { k.LastChecked = now })
		c.disable(key.Hash, ReasonRevoked)
		c.log.Warn("key failed auth and was revoked", "key", key.Hash, "error", err)

	case errors.Is(err, errProbeQuota):
		c.update(key.Hash, func(k *Key) { k.LastChecked = now })
		c.disable(key.Hash, ReasonQuota)
		c.log.Warn("key is out of quota and was disabled", "key", key.Hash, "error", err)

	case errors.Is(err, errProbeRateLimited):
		// Backdate so the key comes due again shortly instead of waiting a
		// full period.
		backdated := now.Add(rateLimitRetry - checkPeriod(c.service))
		c.update(key.Hash, func(k *Key) { k.LastChecked = backdated })
		c.log.Info("key check rate limited, retrying shortly", "key", key.Hash)

	default:
		// Always advance LastChecked so one broken key cannot starve the
		// schedule.
		c.update(key.Hash, func(k *Key) { k.LastChecked = now })
		c.log.Warn("key check failed", "key", key.Hash, "error", err)
	}
}

// sleep waits for d or until Stop. Reports false when stopping.
func (c *checker) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.done:
		return false
	case <-t.C:
		return true
	}
}
