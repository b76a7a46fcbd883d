package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/dialect"
	"github.com/nulpointcorp/llm-relay/internal/llm"
	"github.com/nulpointcorp/llm-relay/internal/pipeline"
	"github.com/nulpointcorp/llm-relay/internal/queue"
	"github.com/nulpointcorp/llm-relay/internal/tokenizer"
	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

// sseWriter frames server-sent events over the response stream. The first
// write error sticks and turns later writes into no-ops, which is how a
// client disconnect surfaces mid-stream.
type sseWriter struct {
	w   *bufio.Writer
	err error
}

func newSSEWriter(w *bufio.Writer) *sseWriter { return &sseWriter{w: w} }

func (s *sseWriter) Err() error { return s.err }

// raw forwards upstream bytes untouched.
func (s *sseWriter) raw(p []byte) {
	if s.err != nil {
		return
	}
	if _, err := s.w.Write(p); err != nil {
		s.err = err
		return
	}
	s.err = s.w.Flush()
}

// event frames one data event.
func (s *sseWriter) event(data []byte) {
	if s.err != nil {
		return
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		s.err = err
		return
	}
	s.err = s.w.Flush()
}

// comment writes a keep-alive line that SSE parsers ignore.
func (s *sseWriter) comment(text string) {
	if s.err != nil {
		return
	}
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		s.err = err
		return
	}
	s.err = s.w.Flush()
}

// done writes the stream terminator.
func (s *sseWriter) done() {
	if s.err != nil {
		return
	}
	if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
		s.err = err
		return
	}
	s.err = s.w.Flush()
}

func initSSE(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")
}

// writeSSEError refuses a streaming request in-band: SSE headers, one
// spoofed completion event carrying the error, then the terminator.
func writeSSEError(ctx *fasthttp.RequestCtx, format llm.APIFormat, model string, aerr *apierr.Error) {
	initSSE(ctx)
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }()
		sw := newSSEWriter(w)
		sw.event(spoofedEvent(format, model, errorEventText(aerr)))
		sw.done()
	})
}

// streamCompletion answers a streaming request. The SSE headers go out
// before the handler returns; everything else, including waiting out the
// queue, happens inside the body writer so the connection stays usable for
// heartbeats.
func (s *Server) streamCompletion(ctx *fasthttp.RequestCtx, r *pipeline.Request, t queue.Ticket, release func(int)) {
	initSSE(ctx)
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() {
			if p := recover(); p != nil {
				s.log.Error("stream_panic", "panic", p, "request", r.ID)
			}
		}()
		defer release(fasthttp.StatusOK)

		sw := newSSEWriter(w)
		cctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		for {
			if aerr := s.awaitStreaming(sw, r, t); aerr != nil {
				s.failStream(sw, r, aerr)
				return
			}
			if sw.Err() != nil {
				return // client left while queued
			}

			resp, v, aerr := s.send(cctx, r)
			if aerr != nil {
				s.failStream(sw, r, aerr)
				return
			}
			if v == nil {
				s.trackRateLimit(r, resp.Header)
				if resp.StatusCode < fasthttp.StatusMultipleChoices {
					s.relayStream(sw, r, resp)
					return
				}
				body, err := readBody(resp)
				if err != nil {
					v = &verdict{reason: "network", err: apierr.Network(err)}
				} else {
					v = s.classify(r, resp.StatusCode, body, resp.Header)
				}
			}

			if !v.retry || r.RetryCount >= maxAttempts-1 {
				s.recordEvent(r, v.err.Status)
				s.failStream(sw, r, v.err)
				return
			}
			r.RetryCount++
			if s.metrics != nil {
				s.metrics.RecordRetry(string(r.Service), v.reason)
			}
			next, err := s.queue.Enqueue(r)
			if err != nil {
				s.failStream(sw, r, v.err)
				return
			}
			t = next
		}
	})
}

// awaitStreaming blocks on the ticket, emitting comment heartbeats so the
// client knows it is still queued. A failed heartbeat means the client went
// away; the request is pulled back out of the queue and the wait ends.
func (s *Server) awaitStreaming(sw *sseWriter, r *pipeline.Request, t queue.Ticket) *apierr.Error {
	interval := r.HeartbeatInterval
	if interval <= 0 {
		interval = queue.HeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case err := <-t.C:
			if err != nil {
				return s.queueKillError(err)
			}
			s.observeWait(r)
			return nil
		case <-ticker.C:
			sw.comment(fmt.Sprintf("queued, depth %d, est wait %s",
				s.queue.Depth(r.Family),
				s.queue.EstimatedWait(r.Family).Round(time.Second)))
			if sw.Err() != nil {
				s.queue.Abort(r.ID)
				s.log.Debug("client left queue", "request", r.ID, "family", r.Family)
				return nil
			}
		}
	}
}

// relayStream forwards the upstream stream to the client while reassembling
// deltas for token accounting. AWS responses arrive as a binary event stream
// and are repackaged into SSE; everything else passes through verbatim.
func (s *Server) relayStream(sw *sseWriter, r *pipeline.Request, resp *http.Response) {
	defer resp.Body.Close()

	acc := dialect.NewStreamAccumulator(r.OutboundAPI)

	var relayErr *apierr.Error
	if r.Service == llm.AWS {
		relayErr = relayEventStream(sw, resp.Body, acc)
	} else {
		relayErr = relaySSE(sw, resp.Body, acc)
	}

	// Accounting runs even for broken streams; the client got whatever got
	// through. An unreliable reassembly keeps the requested max.
	if text, ok := acc.Text(); ok {
		r.OutputTokens = tokenizer.CountCompletion(text)
	}
	s.account(r)
	s.recordEvent(r, fasthttp.StatusOK)

	if relayErr != nil {
		s.log.Warn("stream interrupted",
			"request", r.ID, "service", r.Service, "status", relayErr.Status, "code", relayErr.Code)
		s.failStream(sw, r, relayErr)
		return
	}
	sw.done()
}

// relaySSE copies upstream SSE lines through verbatim, snooping on data
// payloads for the accumulator. The upstream's own terminator is dropped;
// the relay always writes its own.
func relaySSE(sw *sseWriter, body io.Reader, acc *dialect.StreamAccumulator) *apierr.Error {
	rd := bufio.NewReaderSize(body, 64<<10)
	for {
		line, err := rd.ReadBytes('\n')
		if len(line) > 0 {
			if data, ok := bytes.CutPrefix(bytes.TrimRight(line, "\r\n"), []byte("data:")); ok {
				data = bytes.TrimSpace(data)
				if bytes.Equal(data, []byte("[DONE]")) {
					return nil
				}
				acc.Feed(data)
			}
			sw.raw(line)
			if sw.Err() != nil {
				return nil // client went away; drain no further
			}
		}
		switch {
		case err == nil:
		case err == io.EOF:
			return nil
		default:
			return apierr.Network(err)
		}
	}
}

// failStream surfaces a terminal error in-band as a spoofed completion
// event, then terminates the stream.
func (s *Server) failStream(sw *sseWriter, r *pipeline.Request, aerr *apierr.Error) {
	if sw.Err() != nil {
		return
	}
	sw.event(spoofedEvent(r.InboundAPI, r.Model, errorEventText(aerr)))
	sw.done()
}

// errorEventText renders an error as a fenced block a chat frontend will
// display inline in the transcript.
func errorEventText(e *apierr.Error) string {
	return fmt.Sprintf("\n\n```\n[%s (%d)]: %s\n```\n", e.Type, e.Status, apierr.Envelope(e))
}

// spoofedEvent builds one streaming event in the client's dialect whose
// delta carries the given text. Used to surface errors on streams that must
// stay HTTP 200.
func spoofedEvent(format llm.APIFormat, model string, text string) []byte {
	now := time.Now().Unix()
	var ev any
	switch format {
	case llm.FormatOpenAIText:
		ev = map[string]any{
			"id":      "cmpl-relay",
			"object":  "text_completion",
			"created": now,
			"model":   model,
			"choices": []any{map[string]any{"index": 0, "text": text, "finish_reason": "stop"}},
		}
	case llm.FormatAnthropicText:
		ev = map[string]any{"completion": text, "stop_reason": "stop_sequence", "model": model}
	case llm.FormatAnthropicChat:
		ev = map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]any{"type": "text_delta", "text": text},
		}
	case llm.FormatGoogleAI:
		ev = map[string]any{
			"candidates": []any{map[string]any{
				"index":   0,
				"content": map[string]any{"role": "model", "parts": []any{map[string]any{"text": text}}},
			}},
		}
	default: // openai chat and mistral share the chunk shape
		ev = map[string]any{
			"id":      "chatcmpl-relay",
			"object":  "chat.completion.chunk",
			"created": now,
			"model":   model,
			"choices": []any{map[string]any{
				"index":         0,
				"delta":         map[string]any{"content": text},
				"finish_reason": "stop",
			}},
		}
	}
	b, _ := json.Marshal(ev)
	return b
}
