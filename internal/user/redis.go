package user

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key layout: one JSON document per user under userKeyPrefix+token.
const (
	userKeyPrefix = "relay:user:"
	scanBatch     = 200
)

// redisBackend persists users as JSON documents. A single relay process
// remains the source of truth; redis is a write-behind journal consulted only
// at startup.
type redisBackend struct {
	client *redis.Client
}

// newRedisBackend connects and verifies the server with a ping.
func newRedisBackend(ctx context.Context, redisURL string) (*redisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("user: parse redis url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("user: redis ping: %w", err)
	}
	return &redisBackend{client: cli}, nil
}

// LoadAll reads every persisted user.
func (b *redisBackend) LoadAll(ctx context.Context) ([]User, error) {
	var keys []string
	iter := b.client.Scan(ctx, 0, userKeyPrefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("user: scan: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("user: mget: %w", err)
	}

	users := make([]User, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue // deleted between SCAN and MGET
		}
		var u User
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			return nil, fmt.Errorf("user: decode %s: %w", keys[i], err)
		}
		users = append(users, u)
	}
	return users, nil
}

// SaveAll writes the batch in one pipeline.
func (b *redisBackend) SaveAll(ctx context.Context, users []User) error {
	if len(users) == 0 {
		return nil
	}
	_, err := b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i := range users {
			raw, err := json.Marshal(&users[i])
			if err != nil {
				return fmt.Errorf("user: encode %s: %w", shortToken(users[i].Token), err)
			}
			pipe.Set(ctx, userKeyPrefix+users[i].Token, raw, 0)
		}
		return nil
	})
	return err
}

// Close releases the connection pool.
func (b *redisBackend) Close() error {
	return b.client.Close()
}
