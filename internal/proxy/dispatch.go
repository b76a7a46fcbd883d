package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/llm"
	"github.com/nulpointcorp/llm-relay/internal/pipeline"
	"github.com/nulpointcorp/llm-relay/internal/queue"
	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

const (
	// maxAttempts bounds total upstream tries per request, the first
	// included. Retryable failures re-enqueue until the cap.
	maxAttempts = 3

	// bufferedUpstreamTimeout caps one non-streaming round trip. Streamed
	// calls run uncapped; the transport's header timeout still applies.
	bufferedUpstreamTimeout = 5 * time.Minute
)

// dispatch runs one completion request end to end: prepare, rate-limit,
// queue, relay upstream, answer in the inbound dialect. presetModel and
// presetStream are set by routes that carry the model in the URL instead
// of the body.
func (s *Server) dispatch(ctx *fasthttp.RequestCtx, service llm.Service, inbound llm.APIFormat, presetModel string, presetStream bool) {
	start := time.Now()
	route := string(service) + ":" + string(inbound)

	r := &pipeline.Request{
		ID:         uuid.New().String(),
		StartTime:  start,
		InboundAPI: inbound,
		Service:    service,
		Model:      presetModel,
		Streaming:  presetStream,
		Body:       ctx.PostBody(),
		UserToken:  userValueString(ctx, ctxUserToken),
		RisuToken:  userValueString(ctx, ctxRisuToken),
		ClientIP:   userValueString(ctx, ctxClientIP),
	}

	// In-flight and route metrics release exactly once. Streamed responses
	// outlive the handler, so the body writer releases instead of the defer.
	var once sync.Once
	release := func(status int) {
		once.Do(func() {
			if s.metrics == nil {
				return
			}
			s.metrics.DecInFlight()
			s.metrics.ObserveHTTP(route, status, time.Since(start))
		})
	}
	if s.metrics != nil {
		s.metrics.IncInFlight()
	}
	streamed := false
	defer func() {
		if !streamed {
			release(ctx.Response.StatusCode())
		}
	}()

	// The stream flag is sniffed ahead of validation so validation failures
	// on streaming requests can come back SSE-framed.
	wantsSSE := presetStream || sniffStream(r.Body)

	if aerr := s.pipe.Prepare(r); aerr != nil {
		s.refuse(ctx, r, aerr, wantsSSE)
		return
	}

	if s.limiter != nil {
		allowed, retryAfter := s.limiter.Allow(ctx, identity(r))
		if s.metrics != nil {
			outcome := "allowed"
			if !allowed {
				outcome = "blocked"
			}
			s.metrics.RecordRateLimit(outcome)
		}
		if !allowed {
			s.refuse(ctx, r, apierr.RateLimited(retryAfter), r.Streaming)
			return
		}
	}

	t, err := s.queue.Enqueue(r)
	if err != nil {
		if errors.Is(err, queue.ErrTooManyQueued) {
			if s.metrics != nil {
				s.metrics.RecordQueueRejection("too_many_queued")
			}
			s.refuse(ctx, r, apierr.TooManyQueued(), r.Streaming)
			return
		}
		s.refuse(ctx, r, apierr.Internal(err, s.debug), r.Streaming)
		return
	}

	if r.Streaming {
		streamed = true
		s.streamCompletion(ctx, r, t, release)
		return
	}

	if err := <-t.C; err != nil {
		apierr.Write(ctx, s.queueKillError(err))
		return
	}
	s.observeWait(r)

	if aerr := s.relayBuffered(ctx, r); aerr != nil {
		apierr.Write(ctx, aerr)
	}
}

// relayBuffered drives the attempt loop for non-streaming requests:
// try upstream, classify failures, re-enqueue retryable ones until the
// attempt cap, and translate the winning response for the client.
func (s *Server) relayBuffered(ctx *fasthttp.RequestCtx, r *pipeline.Request) *apierr.Error {
	for {
		status, header, body, v, aerr := s.attemptBuffered(r)
		if aerr != nil {
			return aerr
		}
		if v == nil {
			s.trackRateLimit(r, header)
			if status < fasthttp.StatusMultipleChoices {
				return s.finishBuffered(ctx, r, header, body)
			}
			v = s.classify(r, status, body, header)
		}

		if !v.retry || r.RetryCount >= maxAttempts-1 {
			s.recordEvent(r, v.err.Status)
			return v.err
		}
		r.RetryCount++
		if s.metrics != nil {
			s.metrics.RecordRetry(string(r.Service), v.reason)
		}
		t, err := s.queue.Enqueue(r)
		if err != nil {
			return v.err
		}
		if kerr := <-t.C; kerr != nil {
			return s.queueKillError(kerr)
		}
		s.observeWait(r)
	}
}

// attemptBuffered runs one upstream try and fully reads the response body.
func (s *Server) attemptBuffered(r *pipeline.Request) (status int, header http.Header, body []byte, v *verdict, aerr *apierr.Error) {
	cctx, cancel := context.WithTimeout(context.Background(), bufferedUpstreamTimeout)
	defer cancel()

	resp, v, aerr := s.send(cctx, r)
	if aerr != nil || v != nil {
		return 0, nil, nil, v, aerr
	}
	body, err := readBody(resp)
	if err != nil {
		s.log.Warn("upstream body unreadable", "request", r.ID, "service", r.Service, "error", err)
		return 0, nil, nil, &verdict{reason: "network", err: apierr.Network(err)}, nil
	}
	return resp.StatusCode, resp.Header, body, nil, nil
}

// send checks out a key, signs the request, and performs the round trip.
// A verdict return means the try failed; aerr means the request cannot
// proceed at all.
func (s *Server) send(cctx context.Context, r *pipeline.Request) (*http.Response, *verdict, *apierr.Error) {
	if aerr := s.pipe.Checkout(r); aerr != nil {
		return nil, nil, aerr
	}
	if aerr := s.pipe.Sign(cctx, r); aerr != nil {
		return nil, nil, aerr
	}

	t0 := time.Now()
	resp, err := s.roundTrip(cctx, r.Signed)
	if err != nil {
		if s.metrics != nil {
			s.metrics.ObserveUpstreamAttempt(string(r.Service), "network", time.Since(t0))
		}
		s.log.Warn("upstream unreachable", "request", r.ID, "service", r.Service, "model", r.Model, "error", err)
		return nil, &verdict{reason: "network", err: apierr.Network(err)}, nil
	}
	if s.metrics != nil {
		outcome := "ok"
		if resp.StatusCode >= fasthttp.StatusMultipleChoices {
			outcome = "error"
		}
		s.metrics.ObserveUpstreamAttempt(string(r.Service), outcome, time.Since(t0))
	}
	return resp, nil, nil
}

// roundTrip issues the signed plan over the shared upstream client.
func (s *Server) roundTrip(cctx context.Context, sr *pipeline.Signed) (*http.Response, error) {
	req, err := http.NewRequestWithContext(cctx, sr.Method, sr.Host+sr.Path, bytes.NewReader(sr.Body))
	if err != nil {
		return nil, err
	}
	for k, val := range sr.Header {
		// net/http carries the authority on the request, not the header map.
		if k == "Host" {
			req.Host = val
			continue
		}
		req.Header.Set(k, val)
	}
	return s.client.Do(req)
}

// refuse rejects a request before it was sent upstream. Streaming clients
// get the error inside the SSE frame they are waiting for.
func (s *Server) refuse(ctx *fasthttp.RequestCtx, r *pipeline.Request, aerr *apierr.Error, sse bool) {
	s.log.Warn("request refused",
		"request", r.ID,
		"service", r.Service,
		"model", r.Model,
		"status", aerr.Status,
		"code", aerr.Code,
	)
	if sse {
		writeSSEError(ctx, r.InboundAPI, r.Model, aerr)
		return
	}
	apierr.Write(ctx, aerr)
}

func (s *Server) queueKillError(err error) *apierr.Error {
	if errors.Is(err, queue.ErrStale) {
		return apierr.QueueTimeout()
	}
	return apierr.Internal(err, s.debug)
}

func (s *Server) observeWait(r *pipeline.Request) {
	if s.metrics != nil && !r.QueueOutTime.IsZero() {
		s.metrics.ObserveQueueWait(string(r.Family), r.QueueOutTime.Sub(r.StartTime))
	}
}

// sniffStream peeks at the stream flag before validation has run.
func sniffStream(body []byte) bool {
	var probe struct {
		Stream bool `json:"stream"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	return probe.Stream
}
