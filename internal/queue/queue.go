// Package queue holds requests until their model family has a usable key.
//
// One logical queue, partitioned by ModelFamily. A dispatch loop wakes every
// 50 ms and, for every partition whose family is not locked out, hands exactly
// one request its turn through the ticket channel. Ordering is FIFO by
// StartTime within a partition under fair mode; nothing is ordered across
// partitions.
package queue

import (
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/config"
	"github.com/nulpointcorp/llm-relay/internal/llm"
	"github.com/nulpointcorp/llm-relay/internal/pipeline"
)

const (
	dispatchTick = 50 * time.Millisecond
	cleanupTick  = 20 * time.Second

	// staleAfter is the hard cap on queue residency.
	staleAfter = 5 * time.Minute

	// sampleWindow bounds how far back the wait estimator looks.
	sampleWindow = 5 * time.Minute

	// agnaiAllowance is the concurrency allowance for the shared Agnai
	// addresses; many end users sit behind each of them.
	agnaiAllowance = 15

	// HeartbeatInterval is the default SSE keep-alive cadence for queued
	// streaming requests.
	HeartbeatInterval = 10 * time.Second
)

// Kill and rejection errors delivered through tickets or Enqueue.
var (
	// ErrTooManyQueued means the identifier already has its allowance of
	// queued requests.
	ErrTooManyQueued = errors.New("queue: identifier already has a queued request")

	// ErrStale kills requests that waited longer than staleAfter.
	ErrStale = errors.New("queue: request waited too long")

	// ErrShutdown kills everything still queued when the relay stops.
	ErrShutdown = errors.New("queue: shutting down")
)

// Ticket is the handle a handler waits on after enqueueing. Exactly one value
// arrives: nil to proceed, or the kill error.
type Ticket struct {
	C <-chan error
}

// LockoutFunc reports how long every key of a family remains locked out;
// 0 means one is usable now. The key pool provides it.
type LockoutFunc func(llm.ModelFamily) time.Duration

type entry struct {
	req    *pipeline.Request
	ident  string
	signal chan error
}

type sample struct {
	at   time.Time
	wait time.Duration
}

// Queue is the process-wide request queue.
type Queue struct {
	log     *slog.Logger
	lockout LockoutFunc
	mode    string
	agnai   map[string]bool

	mu         sync.Mutex
	partitions map[llm.ModelFamily][]*entry
	queued     map[string]int // identifier -> queued count
	samples    map[llm.ModelFamily][]sample

	// now is swappable for tests.
	now func() time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

// New builds the queue. lockout comes from the key pool.
func New(cfg *config.Config, lockout LockoutFunc, log *slog.Logger) *Queue {
	agnai := make(map[string]bool, len(cfg.Queue.AgnaiIPs))
	for _, ip := range cfg.Queue.AgnaiIPs {
		agnai[ip] = true
	}
	return &Queue{
		log:        log.With("component", "queue"),
		lockout:    lockout,
		mode:       cfg.Queue.Mode,
		agnai:      agnai,
		partitions: make(map[llm.ModelFamily][]*entry),
		queued:     make(map[string]int),
		samples:    make(map[llm.ModelFamily][]sample),
		now:        time.Now,
		done:       make(chan struct{}),
	}
}

// Start launches the dispatch and cleanup loops.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.run()
}

// Stop halts the loops and kills everything still queued.
func (q *Queue) Stop() {
	close(q.done)
	q.wg.Wait()
	q.killAll(ErrShutdown)
}

func (q *Queue) run() {
	defer q.wg.Done()

	dispatch := time.NewTicker(dispatchTick)
	defer dispatch.Stop()
	cleanup := time.NewTicker(cleanupTick)
	defer cleanup.Stop()

	for {
		select {
		case <-q.done:
			return
		case <-dispatch.C:
			q.dispatch()
		case <-cleanup.C:
			q.cleanup()
		}
	}
}

// Enqueue admits a request into its family partition. The returned ticket
// yields nil when the dispatcher hands the request its turn.
func (q *Queue) Enqueue(r *pipeline.Request) (Ticket, error) {
	ident, allowance := q.identity(r)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.queued[ident] >= allowance {
		return Ticket{}, ErrTooManyQueued
	}

	e := &entry{req: r, ident: ident, signal: make(chan error, 1)}
	q.partitions[r.Family] = append(q.partitions[r.Family], e)
	q.queued[ident]++

	q.log.Debug("request queued",
		"id", r.ID, "family", string(r.Family), "depth", len(q.partitions[r.Family]))
	return Ticket{C: e.signal}, nil
}

// identity picks the strongest identifier: user token, then risu token, then
// client address.
func (q *Queue) identity(r *pipeline.Request) (string, int) {
	switch {
	case r.UserToken != "":
		return "user:" + r.UserToken, 1
	case r.RisuToken != "":
		return "risu:" + r.RisuToken, 1
	case q.agnai[r.ClientIP]:
		return "ip:" + r.ClientIP, agnaiAllowance
	default:
		return "ip:" + r.ClientIP, 1
	}
}

// Abort removes a queued request without signaling it, for client
// disconnects. A request already dispatched is left alone.
func (q *Queue) Abort(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for family, entries := range q.partitions {
		for i, e := range entries {
			if e.req.ID != id {
				continue
			}
			q.partitions[family] = append(entries[:i], entries[i+1:]...)
			q.releaseLocked(e)
			q.log.Debug("request aborted", "id", id, "family", string(family))
			return
		}
	}
}

// EstimatedWait is the mean queue wait over the sample window for a family.
func (q *Queue) EstimatedWait(family llm.ModelFamily) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-sampleWindow)
	var total time.Duration
	n := 0
	for _, s := range q.samples[family] {
		if s.at.After(cutoff) {
			total += s.wait
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / time.Duration(n)
}

// Depth is the number of requests waiting in a family's partition.
func (q *Queue) Depth(family llm.ModelFamily) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.partitions[family])
}

// Depths snapshots every non-empty partition, for health reporting.
func (q *Queue) Depths() map[llm.ModelFamily]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[llm.ModelFamily]int, len(q.partitions))
	for family, entries := range q.partitions {
		if len(entries) > 0 {
			out[family] = len(entries)
		}
	}
	return out
}

// dispatch hands one request per unlocked partition to its handler.
func (q *Queue) dispatch() {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for family, entries := range q.partitions {
		if len(entries) == 0 || q.lockout(family) > 0 {
			continue
		}
		i := q.pick(entries)
		e := entries[i]
		q.partitions[family] = append(entries[:i], entries[i+1:]...)
		q.releaseLocked(e)

		e.req.QueueOutTime = now
		wait := now.Sub(e.req.StartTime)
		q.samples[family] = append(q.samples[family], sample{at: now, wait: wait})
		e.signal <- nil

		q.log.Debug("request dispatched",
			"id", e.req.ID, "family", string(family), "wait", wait)
	}
}

// pick selects the next entry index: oldest StartTime under fair, uniform
// under random.
func (q *Queue) pick(entries []*entry) int {
	if q.mode == "random" {
		return rand.Intn(len(entries))
	}
	best := 0
	for i, e := range entries[1:] {
		if e.req.StartTime.Before(entries[best].req.StartTime) {
			best = i + 1
		}
	}
	return best
}

// cleanup kills stale requests and prunes old wait samples.
func (q *Queue) cleanup() {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for family, entries := range q.partitions {
		kept := entries[:0]
		for _, e := range entries {
			if now.Sub(e.req.StartTime) < staleAfter {
				kept = append(kept, e)
				continue
			}
			q.releaseLocked(e)
			e.signal <- ErrStale
			q.log.Warn("stale request killed",
				"id", e.req.ID, "family", string(family), "waited", now.Sub(e.req.StartTime))
		}
		q.partitions[family] = kept
	}

	cutoff := now.Add(-sampleWindow)
	for family, ss := range q.samples {
		kept := ss[:0]
		for _, s := range ss {
			if s.at.After(cutoff) {
				kept = append(kept, s)
			}
		}
		q.samples[family] = kept
	}
}

// killAll signals err to everything still queued.
func (q *Queue) killAll(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for family, entries := range q.partitions {
		for _, e := range entries {
			e.signal <- err
		}
		delete(q.partitions, family)
	}
	q.queued = make(map[string]int)
}

// releaseLocked frees an entry's identifier slot. Callers hold q.mu.
func (q *Queue) releaseLocked(e *entry) {
	if n := q.queued[e.ident] - 1; n > 0 {
		q.queued[e.ident] = n
	} else {
		delete(q.queued, e.ident)
	}
}
