package proxy

import (
	"compress/flate"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/dialect"
	"github.com/nulpointcorp/llm-relay/internal/events"
	"github.com/nulpointcorp/llm-relay/internal/keypool"
	"github.com/nulpointcorp/llm-relay/internal/llm"
	"github.com/nulpointcorp/llm-relay/internal/pipeline"
	"github.com/nulpointcorp/llm-relay/internal/tokenizer"
	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

// maxUpstreamBody caps how much of an upstream response is read into memory.
const maxUpstreamBody = 64 << 20

// verdict is the outcome of a failed upstream try: whether the request may
// be re-enqueued, the retry reason for metrics, and the error the client
// sees if it is not.
type verdict struct {
	retry  bool
	reason string
	err    *apierr.Error
}

// classify applies the upstream status table: flag or disable the key,
// decide retryability, and build the client-facing error. Messages are
// scrubbed of organization IDs before they can reach a client.
func (s *Server) classify(r *pipeline.Request, status int, body []byte, header http.Header) *verdict {
	ue := parseUpstreamError(body, header)
	msg := apierr.ScrubOrgIDs(ue.Message)
	surface := apierr.Upstream(status, ue.Type, ue.Code, msg)

	log := s.log.With(
		"request", r.ID,
		"service", r.Service,
		"key", r.Key.Hash,
		"status", status,
		"upstream_type", ue.Type,
		"upstream_code", ue.Code,
	)

	switch status {
	case fasthttp.StatusBadRequest:
		// Some Anthropic accounts insist on a leading Human turn. Flag the
		// key so the signer prepends one, and give the request another go.
		if r.OutboundAPI == llm.FormatAnthropicText && strings.Contains(ue.Message, "prompt must start with") {
			s.pool.MarkRequiresPreamble(r.Key.Hash)
			log.Info("key requires preamble, retrying")
			return &verdict{retry: true, reason: "preamble", err: surface}
		}
		return &verdict{err: surface}

	case fasthttp.StatusUnauthorized:
		s.pool.Disable(r.Key.Hash, keypool.ReasonRevoked)
		log.Warn("key revoked upstream, disabled")
		return &verdict{err: surface}

	case fasthttp.StatusForbidden:
		if r.Service == llm.AWS &&
			(strings.Contains(ue.Type, "UnrecognizedClientException") || strings.Contains(ue.Type, "AccessDeniedException")) {
			s.pool.Disable(r.Key.Hash, keypool.ReasonRevoked)
			log.Warn("aws credentials rejected, key disabled")
		}
		return &verdict{err: surface}

	case fasthttp.StatusNotFound:
		if ue.Code == "model_not_found" || ue.Type == "not_found_error" {
			return &verdict{err: apierr.ModelNotFound(r.Model)}
		}
		return &verdict{err: surface}

	case fasthttp.StatusTooManyRequests:
		switch {
		case ue.is("insufficient_quota") || ue.is("billing_not_active"):
			s.pool.Disable(r.Key.Hash, keypool.ReasonQuota)
			log.Warn("key out of quota, disabled")
			return &verdict{err: surface}
		case ue.is("access_terminated"):
			s.pool.Disable(r.Key.Hash, keypool.ReasonRevoked)
			log.Warn("key access terminated, disabled")
			return &verdict{err: surface}
		default:
			// Anthropic rate_limit_error, AWS ThrottlingException, OpenAI
			// requests/tokens, and everything shaped like them.
			s.pool.MarkRateLimited(r.Key.Hash)
			log.Info("key rate limited, retrying")
			return &verdict{retry: true, reason: "rate_limited", err: surface}
		}

	default:
		return &verdict{err: surface}
	}
}

// upstreamError is the provider-agnostic reading of an error body.
type upstreamError struct {
	Type    string
	Code    string
	Message string
}

// is matches v against both the type and code fields; providers disagree
// about which one carries the discriminator.
func (ue upstreamError) is(v string) bool {
	return ue.Type == v || ue.Code == v
}

// parseUpstreamError digs the error type, code and message out of the bodies
// the providers send: OpenAI/Anthropic {"error":{...}}, Google {"error":
// {"status":...}} and AWS {"__type":...,"message":...} (the type sometimes
// rides only in the x-amzn-errortype header).
func parseUpstreamError(body []byte, header http.Header) upstreamError {
	var envelope struct {
		Error *struct {
			Type    string          `json:"type"`
			Code    json.RawMessage `json:"code"`
			Status  string          `json:"status"`
			Message string          `json:"message"`
		} `json:"error"`
		Type    string `json:"__type"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &envelope)

	var ue upstreamError
	switch {
	case envelope.Error != nil:
		ue.Type = envelope.Error.Type
		if ue.Type == "" {
			ue.Type = envelope.Error.Status
		}
		ue.Code = rawToString(envelope.Error.Code)
		ue.Message = envelope.Error.Message
	default:
		ue.Type = envelope.Type
		ue.Message = envelope.Message
	}

	if ue.Type == "" {
		if t := header.Get("x-amzn-errortype"); t != "" {
			// The header value may carry a URI suffix after a colon.
			ue.Type, _, _ = strings.Cut(t, ":")
		}
	}
	if ue.Message == "" {
		ue.Message = "upstream request failed"
	}
	return ue
}

// rawToString renders a JSON scalar as a bare string; OpenAI sends string
// codes, Google numeric ones.
func rawToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.Trim(string(raw), `"`)
}

// finishBuffered runs the response chain on a successful upstream body:
// recount output tokens, account usage, copy headers, record the event, and
// translate the body back to the dialect the client spoke.
func (s *Server) finishBuffered(ctx *fasthttp.RequestCtx, r *pipeline.Request, header http.Header, body []byte) *apierr.Error {
	s.countResponseTokens(r, body)
	s.account(r)
	copyHeaders(ctx, header)
	s.recordEvent(r, fasthttp.StatusOK)

	out, err := dialect.TranslateResponse(r.InboundAPI, r.OutboundAPI, r.Model, body, r.PromptTokens, r.OutputTokens)
	if err != nil {
		return apierr.Internal(err, s.debug)
	}
	out = []byte(apierr.ScrubOrgIDs(string(out)))

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(out)

	s.log.Debug("request complete",
		"request", r.ID,
		"service", r.Service,
		"model", r.Model,
		"prompt_tokens", r.PromptTokens,
		"output_tokens", r.OutputTokens,
		"attempts", r.RetryCount+1,
	)
	return nil
}

// countResponseTokens replaces the requested output budget with what the
// upstream actually produced. An unextractable completion keeps the
// requested amount, the conservative overcount.
func (s *Server) countResponseTokens(r *pipeline.Request, body []byte) {
	if text, ok := dialect.ExtractCompletion(r.OutboundAPI, body); ok {
		r.OutputTokens = tokenizer.CountCompletion(text)
	}
}

// account charges the spent tokens to the key and, when known, the user.
func (s *Server) account(r *pipeline.Request) {
	tokens := r.PromptTokens + r.OutputTokens
	s.pool.IncrementUsage(r.Key.Hash, r.Model, tokens)
	if s.users != nil && r.UserToken != "" {
		s.users.IncrementUsage(r.UserToken, r.Family, int64(tokens))
	}
	if s.metrics != nil {
		s.metrics.AddTokens(string(r.Family), r.PromptTokens, r.OutputTokens)
	}
}

// recordEvent hands the request's outcome to the events sink. The prompt
// rides along only when prompt logging is switched on.
func (s *Server) recordEvent(r *pipeline.Request, status int) {
	if s.events == nil {
		return
	}
	id, _ := uuid.Parse(r.ID)
	ev := events.Event{
		ID:           id,
		Model:        r.Model,
		Family:       r.Family,
		Service:      r.Service,
		UserToken:    r.UserToken,
		ClientIP:     r.ClientIP,
		KeyHash:      r.Key.Hash,
		PromptTokens: r.PromptTokens,
		OutputTokens: r.OutputTokens,
		Tokenizer:    r.Tokenizer,
		LatencyMs:    time.Since(r.StartTime).Milliseconds(),
		Status:       status,
		Attempts:     r.RetryCount + 1,
		Streaming:    r.Streaming,
	}
	if s.cfg.PromptLogging {
		if p, ok := dialect.PromptText(r.Inbound); ok {
			ev.Prompt = p
		}
	}
	s.events.Record(ev)
}

// trackRateLimit feeds OpenAI's reset headers back into the key pool so the
// scheduler can prefer keys with headroom.
func (s *Server) trackRateLimit(r *pipeline.Request, header http.Header) {
	if header == nil {
		return
	}
	resetReq := header.Get("x-ratelimit-reset-requests")
	resetTok := header.Get("x-ratelimit-reset-tokens")
	if resetReq == "" && resetTok == "" {
		return
	}
	s.pool.UpdateRateLimits(r.Key.Hash, resetReq, resetTok)
}

// copyHeaders forwards upstream response headers, minus the transport ones
// that no longer describe the rewritten body.
func copyHeaders(ctx *fasthttp.RequestCtx, header http.Header) {
	for k, vals := range header {
		switch strings.ToLower(k) {
		case "content-encoding", "transfer-encoding", "content-length", "connection":
			continue
		}
		for _, v := range vals {
			ctx.Response.Header.Add(k, v)
		}
	}
}

// readBody drains and closes the response, decoding the content encodings
// upstreams actually use.
func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()

	var rd io.Reader = resp.Body
	switch enc := strings.ToLower(resp.Header.Get("Content-Encoding")); enc {
	case "", "identity":
	case "gzip":
		gz, err := gzip.NewReader(rd)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		rd = gz
	case "deflate":
		fl := flate.NewReader(rd)
		defer fl.Close()
		rd = fl
	case "br":
		rd = brotli.NewReader(rd)
	default:
		return nil, fmt.Errorf("proxy: unsupported content-encoding %q", enc)
	}
	return io.ReadAll(io.LimitReader(rd, maxUpstreamBody))
}
