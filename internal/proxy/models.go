package proxy

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/cache"
	"github.com/nulpointcorp/llm-relay/internal/config"
	"github.com/nulpointcorp/llm-relay/internal/keypool"
	"github.com/nulpointcorp/llm-relay/internal/llm"
)

// modelListTTL is how long a built listing is reused. Frontends poll the
// models endpoint on every page load, so listings are memoized briefly.
const modelListTTL = time.Minute

// modelLister serves OpenAI-shaped model listings per service, advertising
// only the families the key pool can currently serve.
type modelLister struct {
	cfg   *config.Config
	pool  *keypool.Pool
	cache *cache.MemoryCache
}

func newModelLister(ctx context.Context, cfg *config.Config, pool *keypool.Pool) *modelLister {
	return &modelLister{cfg: cfg, pool: pool, cache: cache.NewMemoryCache(ctx)}
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

func (m *modelLister) list(ctx context.Context, service llm.Service) []byte {
	key := "models:" + string(service)
	if b, ok := m.cache.Get(ctx, key); ok {
		return b
	}
	b := m.build(service)
	_ = m.cache.Set(ctx, key, b, modelListTTL)
	return b
}

func (m *modelLister) build(service llm.Service) []byte {
	now := time.Now().Unix()
	// Data stays non-nil so an empty listing serializes as [].
	out := modelList{Object: "list", Data: []modelEntry{}}
	for _, f := range llm.ServiceFamilies(service) {
		if !m.cfg.FamilyAllowed(f) || m.pool.Available(f) == 0 {
			continue
		}
		for _, id := range llm.KnownModels(f) {
			out.Data = append(out.Data, modelEntry{
				ID:      id,
				Object:  "model",
				Created: now,
				OwnedBy: string(service),
			})
		}
	}
	b, _ := json.Marshal(&out)
	return b
}
