package events

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// eventsDDL creates the destination table on startup so a fresh ClickHouse
// instance works without manual migration. MergeTree ordered by time is the
// natural layout for an append-only request log.
const eventsDDL = `
CREATE TABLE IF NOT EXISTS relay_events (
	id            String,
	at            DateTime64(3),
	model         String,
	family        LowCardinality(String),
	service       LowCardinality(String),
	user_token    String,
	client_ip     String,
	key_hash      String,
	prompt_tokens UInt32,
	output_tokens UInt32,
	tokenizer     LowCardinality(String),
	latency_ms    UInt32,
	status        UInt16,
	attempts      UInt8,
	streaming     UInt8,
	prompt        String
) ENGINE = MergeTree
ORDER BY at
`

const insertEvents = "INSERT INTO relay_events"

type clickHouseSink struct {
	conn driver.Conn
}

func newClickHouseSink(ctx context.Context, dsn string) (*clickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	if err := conn.Exec(ctx, eventsDDL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	return &clickHouseSink{conn: conn}, nil
}

func (s *clickHouseSink) write(ctx context.Context, batch []Event) error {
	b, err := s.conn.PrepareBatch(ctx, insertEvents)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, e := range batch {
		streaming := uint8(0)
		if e.Streaming {
			streaming = 1
		}
		if err := b.Append(
			e.ID.String(),
			e.At,
			e.Model,
			string(e.Family),
			string(e.Service),
			e.UserToken,
			e.ClientIP,
			e.KeyHash,
			clampUint32(int64(e.PromptTokens)),
			clampUint32(int64(e.OutputTokens)),
			e.Tokenizer,
			clampUint32(e.LatencyMs),
			uint16(e.Status),
			clampUint8(e.Attempts),
			streaming,
			e.Prompt,
		); err != nil {
			return fmt.Errorf("append: %w", err)
		}
	}
	return b.Send()
}

func (s *clickHouseSink) close() error {
	return s.conn.Close()
}

func clampUint32(n int64) uint32 {
	if n < 0 {
		return 0
	}
	if n > int64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(n)
}

func clampUint8(n int) uint8 {
	if n < 0 {
		return 0
	}
	if n > 255 {
		return 255
	}
	return uint8(n)
}
