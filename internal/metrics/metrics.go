// Package metrics provides the Prometheus metrics registry for the relay.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Key state labels used by SetKeyState. They track the key pool's view:
// ready keys are selectable now, cooldown keys are deprioritized by the
// reuse delay, locked-out keys wait on an upstream rate limit, disabled
// keys are out of rotation.
const (
	KeyStateReady     = "ready"
	KeyStateCooldown  = "cooldown"
	KeyStateLockedOut = "locked_out"
	KeyStateDisabled  = "disabled"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// relay_inflight_requests
	inFlight prometheus.Gauge

	// relay_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// relay_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// relay_queue_depth{family}
	queueDepth *prometheus.GaugeVec

	// relay_queue_wait_seconds{family}
	queueWait *prometheus.HistogramVec

	// relay_queue_rejections_total{reason}
	queueRejections *prometheus.CounterVec

	// relay_upstream_attempts_total{service,outcome}
	upstreamAttempts *prometheus.CounterVec

	// relay_upstream_attempt_duration_seconds{service,outcome}
	upstreamDuration *prometheus.HistogramVec

	// relay_retries_total{service,reason}
	retriesTotal *prometheus.CounterVec

	// relay_tokens_total{family,direction}
	tokensTotal *prometheus.CounterVec

	// relay_keys{service,state}
	keys *prometheus.GaugeVec

	// relay_users
	users prometheus.Gauge

	// relay_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// relay_events_dropped_total
	eventsDropped prometheus.Gauge

	// relay_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the relay",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_http_requests_total",
				Help: "Total number of HTTP requests handled by the relay",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes queue wait and upstream)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
			},
			[]string{"route"},
		),

		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_queue_depth",
				Help: "Requests currently queued, per model family partition",
			},
			[]string{"family"},
		),

		queueWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_queue_wait_seconds",
				Help:    "Time spent in the queue before dispatch, per model family partition",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"family"},
		),

		queueRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_queue_rejections_total",
				Help: "Requests rejected or killed by the queue (too_many_queued, stale, shutdown)",
			},
			[]string{"reason"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_upstream_attempts_total",
				Help: "Upstream request attempts by service and outcome",
			},
			[]string{"service", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_upstream_attempt_duration_seconds",
				Help:    "Duration of individual upstream attempts",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
			},
			[]string{"service", "outcome"},
		),

		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_retries_total",
				Help: "Requests re-enqueued after a retryable upstream failure",
			},
			[]string{"service", "reason"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tokens_total",
				Help: "Tokens processed by model family and direction (prompt/output)",
			},
			[]string{"family", "direction"},
		),

		keys: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_keys",
				Help: "Key pool population by service and state",
			},
			[]string{"service", "state"},
		),

		users: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_users",
			Help: "User tokens currently issued",
		}),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_ratelimit_total",
				Help: "Per-identifier rate limit decisions",
			},
			[]string{"result"},
		),

		eventsDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_events_dropped_total",
			Help: "Event records dropped because the sink channel was full",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_build_info",
				Help: "Build information (constant 1, labeled with version)",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.queueDepth,
		r.queueWait,
		r.queueRejections,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.retriesTotal,
		r.tokensTotal,
		r.keys,
		r.users,
		r.rateLimitTotal,
		r.eventsDropped,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics for one handled request.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// SetQueueDepth sets the current depth of one queue partition.
func (r *Registry) SetQueueDepth(family string, depth int) {
	r.queueDepth.WithLabelValues(family).Set(float64(depth))
}

// ObserveQueueWait records how long a request sat queued before dispatch.
func (r *Registry) ObserveQueueWait(family string, dur time.Duration) {
	r.queueWait.WithLabelValues(family).Observe(dur.Seconds())
}

func (r *Registry) RecordQueueRejection(reason string) {
	r.queueRejections.WithLabelValues(reason).Inc()
}

// ObserveUpstreamAttempt records one upstream attempt.
func (r *Registry) ObserveUpstreamAttempt(service, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(service, outcome).Inc()
	r.upstreamDuration.WithLabelValues(service, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordRetry(service, reason string) {
	r.retriesTotal.WithLabelValues(service, reason).Inc()
}

// AddTokens accounts prompt and output tokens against a model family.
func (r *Registry) AddTokens(family string, promptTokens, outputTokens int) {
	if promptTokens > 0 {
		r.tokensTotal.WithLabelValues(family, "prompt").Add(float64(promptTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(family, "output").Add(float64(outputTokens))
	}
}

// SetKeyState sets the key count for one service/state pair. The sampler
// resets every pair it reports, so counts never go stale.
func (r *Registry) SetKeyState(service, state string, n int) {
	r.keys.WithLabelValues(service, state).Set(float64(n))
}

func (r *Registry) SetUsers(n int) {
	r.users.Set(float64(n))
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) SetEventsDropped(n int64) {
	r.eventsDropped.Set(float64(n))
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
