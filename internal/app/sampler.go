package app

import (
	"context"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/keypool"
	"github.com/nulpointcorp/llm-relay/internal/llm"
	"github.com/nulpointcorp/llm-relay/internal/metrics"
)

// samplePeriod is how often gauge metrics are refreshed from the live
// subsystems.
const samplePeriod = 10 * time.Second

// runSampler publishes readings that are cheaper to poll than to push:
// queue depths, key pool states, user count, dropped events.
func (a *App) runSampler(ctx context.Context) {
	t := time.NewTicker(samplePeriod)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.sample()
		}
	}
}

func (a *App) sample() {
	for _, family := range llm.AllFamilies {
		a.prom.SetQueueDepth(string(family), a.queue.Depth(family))
	}

	// Zero every service/state pair first so counts never go stale.
	counts := make(map[llm.Service]map[string]int, len(llm.AllServices))
	for _, svc := range llm.AllServices {
		counts[svc] = map[string]int{
			metrics.KeyStateReady:     0,
			metrics.KeyStateCooldown:  0,
			metrics.KeyStateLockedOut: 0,
			metrics.KeyStateDisabled:  0,
		}
	}
	now := time.Now()
	for _, k := range a.pool.List() {
		counts[k.Service][keyState(k, now)]++
	}
	for svc, states := range counts {
		for state, n := range states {
			a.prom.SetKeyState(string(svc), state, n)
		}
	}

	if a.users != nil {
		a.prom.SetUsers(a.users.Count())
	}
	a.prom.SetEventsDropped(a.events.Dropped())
}

// keyState buckets one key into the exported state labels.
func keyState(k keypool.Key, now time.Time) string {
	switch {
	case k.Disabled:
		return metrics.KeyStateDisabled
	case k.LockedOut && k.RateLimitedUntil.After(now):
		return metrics.KeyStateLockedOut
	case k.RateLimitedUntil.After(now):
		return metrics.KeyStateCooldown
	default:
		return metrics.KeyStateReady
	}
}
