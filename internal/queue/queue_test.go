package queue

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/config"
	"github.com/nulpointcorp/llm-relay/internal/llm"
	"github.com/nulpointcorp/llm-relay/internal/pipeline"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(mode string, agnai ...string) *config.Config {
	return &config.Config{Queue: config.QueueConfig{Mode: mode, AgnaiIPs: agnai}}
}

// testQueue builds a queue with a manual clock and an always-unlocked pool.
func testQueue(cfg *config.Config, lockout LockoutFunc) (*Queue, *time.Time) {
	if lockout == nil {
		lockout = func(llm.ModelFamily) time.Duration { return 0 }
	}
	q := New(cfg, lockout, testLogger())
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }
	return q, &now
}

func mkReq(id string, family llm.ModelFamily, ip string, start time.Time) *pipeline.Request {
	return &pipeline.Request{ID: id, Family: family, ClientIP: ip, StartTime: start}
}

// signaled does a non-blocking read of a ticket channel.
func signaled(tk Ticket) (bool, error) {
	select {
	case err := <-tk.C:
		return true, err
	default:
		return false, nil
	}
}

func TestDispatchFIFOWithinPartition(t *testing.T) {
	q, now := testQueue(testConfig("fair"), nil)

	// Enqueued out of age order; dispatch must still pick oldest first.
	t2, _ := q.Enqueue(mkReq("r2", llm.Claude, "10.0.0.2", now.Add(-2*time.Second)))
	t3, _ := q.Enqueue(mkReq("r3", llm.Claude, "10.0.0.3", now.Add(-3*time.Second)))
	t1, _ := q.Enqueue(mkReq("r1", llm.Claude, "10.0.0.1", now.Add(-1*time.Second)))

	q.dispatch()
	if ok, err := signaled(t3); !ok || err != nil {
		t.Fatalf("oldest request not dispatched first (ok=%v err=%v)", ok, err)
	}
	if ok, _ := signaled(t2); ok {
		t.Fatal("second-oldest dispatched in the same tick")
	}

	q.dispatch()
	if ok, err := signaled(t2); !ok || err != nil {
		t.Fatalf("second-oldest not dispatched second (ok=%v err=%v)", ok, err)
	}

	q.dispatch()
	if ok, err := signaled(t1); !ok || err != nil {
		t.Fatalf("newest not dispatched last (ok=%v err=%v)", ok, err)
	}
	if q.Depth(llm.Claude) != 0 {
		t.Fatalf("Depth = %d after draining", q.Depth(llm.Claude))
	}
}

func TestDispatchHonorsLockout(t *testing.T) {
	locked := 1500 * time.Millisecond
	cfg := testConfig("fair")
	q, now := testQueue(cfg, func(llm.ModelFamily) time.Duration { return locked })

	tk, _ := q.Enqueue(mkReq("r1", llm.GPT4, "10.0.0.1", *now))

	q.dispatch()
	if ok, _ := signaled(tk); ok {
		t.Fatal("dispatched while the family is locked out")
	}

	locked = 0
	*now = now.Add(1500 * time.Millisecond)
	q.dispatch()
	if ok, err := signaled(tk); !ok || err != nil {
		t.Fatalf("not dispatched after lockout cleared (ok=%v err=%v)", ok, err)
	}
}

func TestDispatchOnePerFamilyPerTick(t *testing.T) {
	q, now := testQueue(testConfig("fair"), nil)

	a1, _ := q.Enqueue(mkReq("a1", llm.GPT4, "10.0.0.1", now.Add(-2*time.Second)))
	a2, _ := q.Enqueue(mkReq("a2", llm.GPT4, "10.0.0.2", now.Add(-1*time.Second)))
	b1, _ := q.Enqueue(mkReq("b1", llm.Claude, "10.0.0.3", now.Add(-2*time.Second)))
	b2, _ := q.Enqueue(mkReq("b2", llm.Claude, "10.0.0.4", now.Add(-1*time.Second)))

	q.dispatch()

	gotA1, _ := signaled(a1)
	gotA2, _ := signaled(a2)
	gotB1, _ := signaled(b1)
	gotB2, _ := signaled(b2)
	if !gotA1 || !gotB1 {
		t.Fatal("each family must dispatch its oldest request")
	}
	if gotA2 || gotB2 {
		t.Fatal("more than one request dispatched per family per tick")
	}
}

func TestConcurrencyCapPerIP(t *testing.T) {
	q, now := testQueue(testConfig("fair"), nil)

	first, err := q.Enqueue(mkReq("r1", llm.GPT4, "10.0.0.1", *now))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Enqueue(mkReq("r2", llm.GPT4, "10.0.0.1", *now)); !errors.Is(err, ErrTooManyQueued) {
		t.Fatalf("err = %v, want ErrTooManyQueued", err)
	}
	// A different address is unaffected.
	if _, err := q.Enqueue(mkReq("r3", llm.GPT4, "10.0.0.2", *now)); err != nil {
		t.Fatalf("Enqueue from other IP: %v", err)
	}

	// Dispatch releases the slot.
	q.dispatch()
	if ok, _ := signaled(first); !ok {
		t.Fatal("first request not dispatched")
	}
	if _, err := q.Enqueue(mkReq("r4", llm.GPT4, "10.0.0.1", *now)); err != nil {
		t.Fatalf("Enqueue after dispatch: %v", err)
	}
}

func TestAgnaiAllowance(t *testing.T) {
	q, now := testQueue(testConfig("fair", "40.77.1.1"), nil)

	for i := 0; i < agnaiAllowance; i++ {
		r := mkReq(string(rune('a'+i)), llm.Claude, "40.77.1.1", *now)
		if _, err := q.Enqueue(r); err != nil {
			t.Fatalf("Enqueue #%d from shared IP: %v", i, err)
		}
	}
	if _, err := q.Enqueue(mkReq("over", llm.Claude, "40.77.1.1", *now)); !errors.Is(err, ErrTooManyQueued) {
		t.Fatalf("err = %v, want ErrTooManyQueued past allowance", err)
	}
}

func TestIdentifierPrecedence(t *testing.T) {
	q, now := testQueue(testConfig("fair"), nil)

	// Same user from two addresses shares one slot.
	r1 := mkReq("r1", llm.GPT4, "10.0.0.1", *now)
	r1.UserToken = "tok-1"
	r2 := mkReq("r2", llm.GPT4, "10.0.0.2", *now)
	r2.UserToken = "tok-1"
	if _, err := q.Enqueue(r1); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Enqueue(r2); !errors.Is(err, ErrTooManyQueued) {
		t.Fatalf("err = %v, want ErrTooManyQueued for the same user", err)
	}

	// Another user from one of those addresses is distinct.
	r3 := mkReq("r3", llm.GPT4, "10.0.0.1", *now)
	r3.UserToken = "tok-2"
	if _, err := q.Enqueue(r3); err != nil {
		t.Fatalf("Enqueue other user: %v", err)
	}

	// A risu token outranks the address too.
	r4 := mkReq("r4", llm.GPT4, "10.0.0.1", *now)
	r4.RisuToken = "risu-1"
	if _, err := q.Enqueue(r4); err != nil {
		t.Fatalf("Enqueue risu: %v", err)
	}
}

func TestAbortRemovesWithoutSignal(t *testing.T) {
	q, now := testQueue(testConfig("fair"), nil)

	aborted, _ := q.Enqueue(mkReq("dead", llm.Claude, "10.0.0.1", now.Add(-2*time.Second)))
	kept, _ := q.Enqueue(mkReq("live", llm.Claude, "10.0.0.2", now.Add(-1*time.Second)))

	q.Abort("dead")
	if q.Depth(llm.Claude) != 1 {
		t.Fatalf("Depth = %d after abort, want 1", q.Depth(llm.Claude))
	}

	// The freed slot is reusable immediately.
	if _, err := q.Enqueue(mkReq("again", llm.Claude, "10.0.0.1", *now)); err != nil {
		t.Fatalf("Enqueue after abort: %v", err)
	}

	q.dispatch()
	if ok, _ := signaled(aborted); ok {
		t.Fatal("aborted request must never be signaled")
	}
	if ok, err := signaled(kept); !ok || err != nil {
		t.Fatalf("surviving request not dispatched (ok=%v err=%v)", ok, err)
	}
}

func TestStaleKill(t *testing.T) {
	q, now := testQueue(testConfig("fair"), nil)

	tk, _ := q.Enqueue(mkReq("r1", llm.GPT4, "10.0.0.1", *now))

	*now = now.Add(staleAfter + time.Second)
	q.cleanup()

	ok, err := signaled(tk)
	if !ok || !errors.Is(err, ErrStale) {
		t.Fatalf("ticket = (%v, %v), want ErrStale", ok, err)
	}
	if q.Depth(llm.GPT4) != 0 {
		t.Fatalf("Depth = %d after stale kill", q.Depth(llm.GPT4))
	}
	if _, err := q.Enqueue(mkReq("r2", llm.GPT4, "10.0.0.1", *now)); err != nil {
		t.Fatalf("identifier slot not released by stale kill: %v", err)
	}
}

func TestEstimatedWait(t *testing.T) {
	q, now := testQueue(testConfig("fair"), nil)

	q.Enqueue(mkReq("r1", llm.GPT4, "10.0.0.1", now.Add(-2*time.Second)))
	q.dispatch()
	q.Enqueue(mkReq("r2", llm.GPT4, "10.0.0.2", now.Add(-4*time.Second)))
	q.dispatch()

	if got := q.EstimatedWait(llm.GPT4); got != 3*time.Second {
		t.Fatalf("EstimatedWait = %v, want 3s (mean of 2s and 4s)", got)
	}
	if got := q.EstimatedWait(llm.Claude); got != 0 {
		t.Fatalf("EstimatedWait for idle family = %v, want 0", got)
	}
}

func TestEstimatorIgnoresOldSamples(t *testing.T) {
	q, now := testQueue(testConfig("fair"), nil)

	q.Enqueue(mkReq("r1", llm.GPT4, "10.0.0.1", now.Add(-2*time.Second)))
	q.dispatch()

	// Even without a cleanup pass, samples beyond the window stop counting.
	*now = now.Add(sampleWindow + time.Second)
	if got := q.EstimatedWait(llm.GPT4); got != 0 {
		t.Fatalf("EstimatedWait = %v, want 0 once samples age out", got)
	}

	q.cleanup()
	if len(q.samples[llm.GPT4]) != 0 {
		t.Fatalf("samples = %d after cleanup, want 0", len(q.samples[llm.GPT4]))
	}
}

func TestRandomModeDispatchesExactlyOne(t *testing.T) {
	q, now := testQueue(testConfig("random"), nil)

	tickets := make([]Ticket, 0, 3)
	for i, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		tk, err := q.Enqueue(mkReq(ip, llm.Claude, ip, now.Add(-time.Duration(i)*time.Second)))
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		tickets = append(tickets, tk)
	}

	q.dispatch()

	dispatched := 0
	for _, tk := range tickets {
		if ok, err := signaled(tk); ok {
			if err != nil {
				t.Fatalf("dispatch delivered error %v", err)
			}
			dispatched++
		}
	}
	if dispatched != 1 {
		t.Fatalf("dispatched = %d, want exactly 1", dispatched)
	}
	if q.Depth(llm.Claude) != 2 {
		t.Fatalf("Depth = %d, want 2", q.Depth(llm.Claude))
	}
}

func TestProceedOrKilledExactlyOnce(t *testing.T) {
	q, now := testQueue(testConfig("fair"), nil)

	// Already stale at enqueue time; dispatch still wins if it runs first.
	tk, _ := q.Enqueue(mkReq("r1", llm.GPT4, "10.0.0.1", now.Add(-staleAfter-time.Minute)))

	q.dispatch()
	if ok, err := signaled(tk); !ok || err != nil {
		t.Fatalf("proceed not delivered (ok=%v err=%v)", ok, err)
	}

	q.cleanup()
	if ok, _ := signaled(tk); ok {
		t.Fatal("second signal delivered after proceed")
	}
}

func TestStopKillsQueued(t *testing.T) {
	// Permanent lockout keeps the dispatch ticker from draining the
	// request before Stop gets to it.
	q, _ := testQueue(testConfig("fair"), func(llm.ModelFamily) time.Duration { return time.Hour })
	q.Start()

	tk, err := q.Enqueue(mkReq("r1", llm.GPT4, "10.0.0.1", time.Now()))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	done := make(chan struct{})
	go func() {
		q.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	select {
	case err := <-tk.C:
		if !errors.Is(err, ErrShutdown) {
			t.Fatalf("kill error = %v, want ErrShutdown", err)
		}
	default:
		t.Fatal("queued request not killed on Stop")
	}
}

func TestDepths(t *testing.T) {
	q, now := testQueue(testConfig("fair"), nil)

	q.Enqueue(mkReq("r1", llm.GPT4, "10.0.0.1", *now))
	q.Enqueue(mkReq("r2", llm.GPT4, "10.0.0.2", *now))
	q.Enqueue(mkReq("r3", llm.Claude, "10.0.0.3", *now))

	depths := q.Depths()
	if depths[llm.GPT4] != 2 || depths[llm.Claude] != 1 {
		t.Fatalf("Depths = %v", depths)
	}
	if _, ok := depths[llm.MistralTiny]; ok {
		t.Fatal("idle families must not appear in Depths")
	}
}
