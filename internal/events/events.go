// Package events implements a non-blocking, batched usage/event sink.
//
// Every handled request produces one Event. Events are written to an internal
// buffered channel and flushed in batches by a background goroutine — so
// recording never blocks the proxy hot path. If the channel fills up
// (> 10 000 entries), new events are dropped and counted in Dropped.
//
// With EVENTS_CLICKHOUSE_DSN set the batches land in a ClickHouse table;
// otherwise they go to the structured log. Prompt text is only carried when
// prompt logging is enabled, and the slog sink never writes it.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-relay/internal/config"
	"github.com/nulpointcorp/llm-relay/internal/llm"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Event is one completed (or failed) relay request.
type Event struct {
	ID        uuid.UUID
	At        time.Time
	Model     string
	Family    llm.ModelFamily
	Service   llm.Service
	UserToken string
	ClientIP  string
	KeyHash   string

	PromptTokens int
	OutputTokens int
	Tokenizer    string

	LatencyMs int64
	Status    int
	Attempts  int
	Streaming bool

	// Prompt is only populated when prompt logging is enabled.
	Prompt string
}

// sink receives flushed batches. Implementations must tolerate being called
// from a single goroutine only.
type sink interface {
	write(ctx context.Context, batch []Event) error
	close() error
}

type Logger struct {
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	baseCtx context.Context
	sink    sink
	log     *slog.Logger
}

// New selects the sink from configuration and starts the flush loop.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("events: context must not be nil")
	}

	var s sink
	if dsn := cfg.Events.ClickHouseDSN; dsn != "" {
		ch, err := newClickHouseSink(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("events: clickhouse sink: %w", err)
		}
		s = ch
		log.Info("events sink: clickhouse")
	} else {
		s = &slogSink{log: log}
		if cfg.PromptLogging {
			log.Warn("prompt logging enabled without a clickhouse sink; prompts will not be recorded")
		}
	}

	return newLogger(ctx, s, log, channelBuffer), nil
}

func newLogger(ctx context.Context, s sink, log *slog.Logger, buffer int) *Logger {
	l := &Logger{
		ch:      make(chan Event, buffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		sink:    s,
		log:     log,
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// Record queues one event. Never blocks; full channels drop.
func (l *Logger) Record(e Event) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	select {
	case l.ch <- e:
	default:
		atomic.AddInt64(&l.dropped, 1)
	}
}

// Dropped reports how many events were lost to a full channel.
func (l *Logger) Dropped() int64 {
	return atomic.LoadInt64(&l.dropped)
}

// Close drains the channel, flushes the final batch, and closes the sink.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return l.sink.close()
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := l.sink.write(l.baseCtx, batch); err != nil {
			l.log.Warn("event flush failed", "error", err, "events", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-l.ch:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-l.done:
			for {
				select {
				case e := <-l.ch:
					batch = append(batch, e)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// slogSink writes each event as one structured log line. Prompt text is
// deliberately omitted; stdout is not a prompt store.
type slogSink struct {
	log *slog.Logger
}

func (s *slogSink) write(ctx context.Context, batch []Event) error {
	for _, e := range batch {
		s.log.InfoContext(ctx, "request",
			slog.String("id", e.ID.String()),
			slog.String("model", e.Model),
			slog.String("family", string(e.Family)),
			slog.String("service", string(e.Service)),
			slog.String("user", e.UserToken),
			slog.String("ip", e.ClientIP),
			slog.String("key", e.KeyHash),
			slog.Int("prompt_tokens", e.PromptTokens),
			slog.Int("output_tokens", e.OutputTokens),
			slog.String("tokenizer", e.Tokenizer),
			slog.Int64("latency_ms", e.LatencyMs),
			slog.Int("status", e.Status),
			slog.Int("attempts", e.Attempts),
			slog.Bool("streaming", e.Streaming),
			slog.Time("at", e.At),
		)
	}
	return nil
}

func (s *slogSink) close() error { return nil }
