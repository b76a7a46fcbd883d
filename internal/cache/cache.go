// Package cache provides small TTL memoization stores for the relay.
//
// Two backends implement the same interface:
//   - MemoryCache — in-process, used for the per-service model lists and as
//     the fallback for everything else.
//   - RedisCache — shared across replicas, used for risu-token verdicts so a
//     token verified on one replica is trusted on all of them.
//
// Neither backend is a response cache; completion bodies are never stored.
package cache

import (
	"context"
	"time"
)

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
