// Package proxy is the HTTP edge of the relay. It authenticates callers,
// prepares inbound completion requests through the pipeline, parks them in
// the partitioned queue, relays them upstream on a pooled key, and returns
// the response in the dialect the client spoke, buffered or streamed.
package proxy

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/cache"
	"github.com/nulpointcorp/llm-relay/internal/config"
	"github.com/nulpointcorp/llm-relay/internal/events"
	"github.com/nulpointcorp/llm-relay/internal/keypool"
	"github.com/nulpointcorp/llm-relay/internal/metrics"
	"github.com/nulpointcorp/llm-relay/internal/pipeline"
	"github.com/nulpointcorp/llm-relay/internal/queue"
	"github.com/nulpointcorp/llm-relay/internal/ratelimit"
	"github.com/nulpointcorp/llm-relay/internal/user"
)

// Context user-value keys set by the middleware chain and read by handlers.
const (
	ctxRequestID = "request_id"
	ctxUserToken = "user_token"
	ctxRisuToken = "risu_token"
	ctxClientIP  = "client_ip"
)

const (
	// readTimeout bounds how long a client may take to send its request.
	readTimeout = 60 * time.Second
	// idleTimeout closes keep-alive connections that go quiet.
	idleTimeout = 2 * time.Minute
	// maxBodySize caps inbound bodies; vision payloads carry inline images.
	maxBodySize = 16 << 20
)

// Options carries the server's dependencies. Config, Pipeline, Pool and
// Queue are required; the rest are optional and nil-safe.
type Options struct {
	Config   *config.Config
	Logger   *slog.Logger
	Pipeline *pipeline.Pipeline
	Pool     *keypool.Pool
	Queue    *queue.Queue

	// Users backs the user_token gate mode and per-user quota accounting.
	Users *user.Store

	// Limiter throttles per-identifier request rates. Nil disables.
	Limiter *ratelimit.Limiter

	// Events receives one record per relayed request. Nil disables.
	Events *events.Logger

	// Metrics enables Prometheus collection. Nil disables.
	Metrics *metrics.Registry

	// Verdicts caches risu token verification results. Shared (redis) when
	// the relay runs more than one replica; nil falls back to local memory.
	Verdicts cache.Cache

	// Client overrides the upstream HTTP client, for tests.
	Client *http.Client
}

// Server is the relay's HTTP front end. All dependencies are injected so
// tests can swap in doubles.
type Server struct {
	cfg     *config.Config
	log     *slog.Logger
	pipe    *pipeline.Pipeline
	pool    *keypool.Pool
	queue   *queue.Queue
	users   *user.Store
	limiter *ratelimit.Limiter
	events  *events.Logger
	metrics *metrics.Registry
	models  *modelLister
	risu    *risuVerifier
	client  *http.Client
	srv     *fasthttp.Server
	started time.Time
	debug   bool
}

// New builds a Server from opts. Missing required dependencies panic; they
// are wiring bugs, not runtime conditions.
func New(ctx context.Context, opts Options) *Server {
	if opts.Config == nil {
		panic("proxy: config must not be nil")
	}
	if opts.Pipeline == nil || opts.Pool == nil || opts.Queue == nil {
		panic("proxy: pipeline, pool and queue must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	client := opts.Client
	if client == nil {
		client = defaultClient()
	}

	s := &Server{
		cfg:     opts.Config,
		log:     log,
		pipe:    opts.Pipeline,
		pool:    opts.Pool,
		queue:   opts.Queue,
		users:   opts.Users,
		limiter: opts.Limiter,
		events:  opts.Events,
		metrics: opts.Metrics,
		client:  client,
		started: time.Now(),
		debug:   opts.Config.LogLevel == "debug",
	}
	s.models = newModelLister(ctx, opts.Config, opts.Pool)
	s.risu = newRisuVerifier(ctx, opts.Config, client, opts.Verdicts, log)

	s.srv = &fasthttp.Server{
		Handler:     s.Handler(),
		Name:        "llm-relay",
		ReadTimeout: readTimeout,
		// No WriteTimeout: streamed completions stay open for minutes.
		IdleTimeout:        idleTimeout,
		MaxRequestBodySize: maxBodySize,
	}
	return s
}

// Start listens on addr (e.g. ":7860") and serves until Shutdown.
func (s *Server) Start(addr string) error {
	s.log.Info("proxy listening", "addr", addr)
	return s.srv.ListenAndServe(addr)
}

// Serve accepts connections from ln. Tests pass an in-memory listener.
func (s *Server) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

// Shutdown drains the server, honoring ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.ShutdownWithContext(ctx)
}

// defaultClient is tuned for long-lived upstream calls: the response header
// timeout covers queued upstream work, and there is no overall deadline
// because streamed bodies legitimately run for minutes.
func defaultClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 5 * time.Minute,
			ExpectContinueTimeout: time.Second,
		},
	}
}

// userValueString reads a string user value set by the middleware chain.
func userValueString(ctx *fasthttp.RequestCtx, key string) string {
	if v, ok := ctx.UserValue(key).(string); ok {
		return v
	}
	return ""
}

// identity names the caller for rate limiting, most specific wins. The
// queue applies the same precedence when capping per-caller slots.
func identity(r *pipeline.Request) string {
	switch {
	case r.UserToken != "":
		return "user:" + r.UserToken
	case r.RisuToken != "":
		return "risu:" + r.RisuToken
	default:
		return "ip:" + r.ClientIP
	}
}
