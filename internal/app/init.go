package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/llm-relay/internal/cache"
	"github.com/nulpointcorp/llm-relay/internal/config"
	"github.com/nulpointcorp/llm-relay/internal/events"
	"github.com/nulpointcorp/llm-relay/internal/gcpauth"
	"github.com/nulpointcorp/llm-relay/internal/keypool"
	"github.com/nulpointcorp/llm-relay/internal/metrics"
	"github.com/nulpointcorp/llm-relay/internal/pipeline"
	"github.com/nulpointcorp/llm-relay/internal/proxy"
	"github.com/nulpointcorp/llm-relay/internal/queue"
	"github.com/nulpointcorp/llm-relay/internal/ratelimit"
	"github.com/nulpointcorp/llm-relay/internal/user"
)

// initInfra establishes optional external connections. A Redis client is
// only held here for the shared rate-limit window; the user store dials its
// own connection when its backend is set to redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Redis.URL != "" && a.cfg.RateLimit.RequestsPerMinute > 0 {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initSinks creates the event logger and the Prometheus metrics registry.
func (a *App) initSinks(ctx context.Context) error {
	ev, err := events.New(ctx, a.cfg, a.log)
	if err != nil {
		return err
	}
	a.events = ev

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initKeys parses the credential envelopes into the pool and starts the
// background checkers.
func (a *App) initKeys(_ context.Context) error {
	pool, err := keypool.New(a.cfg, a.log)
	if err != nil {
		return err
	}
	a.pool = pool

	if len(pool.List()) == 0 {
		a.log.Warn("no upstream keys configured; every completion will be refused")
	}
	pool.Start()

	return nil
}

// initUsers builds the user store when the gatekeeper tracks users, and the
// per-identifier rate limiter.
func (a *App) initUsers(ctx context.Context) error {
	if a.cfg.Gatekeeper.Mode == config.GateUserToken {
		users, err := user.New(ctx, a.cfg, a.log)
		if err != nil {
			return err
		}
		users.Start()
		a.users = users
	}

	a.limiter = ratelimit.New(a.rdb, a.cfg.RateLimit.RequestsPerMinute)
	if a.cfg.RateLimit.RequestsPerMinute > 0 {
		scope := "process-local"
		if a.rdb != nil {
			scope = "redis"
		}
		a.log.Info("rate limiting enabled",
			slog.Int("requests_per_minute", a.cfg.RateLimit.RequestsPerMinute),
			slog.String("window", scope),
		)
	}

	return nil
}

// initQueue builds and starts the partitioned request queue. Lockout periods
// come from the pool so a fully rate-limited family parks its partition.
func (a *App) initQueue(_ context.Context) error {
	a.queue = queue.New(a.cfg, a.pool.LockoutPeriod, a.log)
	a.queue.Start()
	return nil
}

// initProxy assembles the pipeline and the HTTP edge.
func (a *App) initProxy(ctx context.Context) error {
	a.pipe = pipeline.New(a.cfg, a.pool, a.users, gcpauth.New(""))

	// Risu verdicts are shared through Redis when a client is available so
	// replicas agree on which tokens have been verified.
	var verdicts cache.Cache
	if a.rdb != nil {
		verdicts = cache.NewRedisCacheFromClient(a.rdb)
	}

	a.srv = proxy.New(ctx, proxy.Options{
		Config:   a.cfg,
		Logger:   a.log,
		Pipeline: a.pipe,
		Pool:     a.pool,
		Queue:    a.queue,
		Users:    a.users,
		Limiter:  a.limiter,
		Events:   a.events,
		Metrics:  a.prom,
		Verdicts: verdicts,
	})

	return nil
}
