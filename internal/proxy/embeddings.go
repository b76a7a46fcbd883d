package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/keypool"
	"github.com/nulpointcorp/llm-relay/internal/llm"
	"github.com/nulpointcorp/llm-relay/internal/pipeline"
	"github.com/nulpointcorp/llm-relay/internal/tokenizer"
	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

// embeddingsTimeout caps the embeddings round trip; these calls return in
// seconds and never stream.
const embeddingsTimeout = 30 * time.Second

// embeddingsCheckoutModel is the model the key checkout runs under;
// embedding models bill against the same keys as turbo chat.
const embeddingsCheckoutModel = "gpt-3.5-turbo"

// handleEmbeddings relays OpenAI embeddings as a thin passthrough: no
// queueing, no dialect translation, input tokens counted for accounting.
func (s *Server) handleEmbeddings(ctx *fasthttp.RequestCtx) {
	start := time.Now()

	if s.metrics != nil {
		s.metrics.IncInFlight()
		defer func() {
			s.metrics.DecInFlight()
			s.metrics.ObserveHTTP("openai:embeddings", ctx.Response.StatusCode(), time.Since(start))
		}()
	}

	var req struct {
		Model string          `json:"model"`
		Input json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, apierr.Validation(apierr.Issue{Path: "body", Message: "body is not valid JSON"}))
		return
	}
	if len(req.Input) == 0 {
		apierr.Write(ctx, apierr.Validation(apierr.Issue{Path: "input", Message: "input is required"}))
		return
	}

	r := &pipeline.Request{
		ID:         uuid.New().String(),
		StartTime:  start,
		Service:    llm.OpenAI,
		InboundAPI: llm.FormatOpenAI,
		Family:     llm.Turbo,
		Model:      req.Model,
		Body:       ctx.PostBody(),
		UserToken:  userValueString(ctx, ctxUserToken),
		RisuToken:  userValueString(ctx, ctxRisuToken),
		ClientIP:   userValueString(ctx, ctxClientIP),
	}
	r.PromptTokens = countEmbeddingInput(req.Input)

	key, err := s.pool.Get(embeddingsCheckoutModel, llm.OpenAI)
	if err != nil {
		if errors.Is(err, keypool.ErrNoKeys) {
			apierr.Write(ctx, apierr.NoKeysAvailable(string(llm.Turbo)))
			return
		}
		apierr.Write(ctx, apierr.Internal(err, s.debug))
		return
	}
	r.Key = key
	s.pipe.SignEmbeddings(r)

	cctx, cancel := context.WithTimeout(context.Background(), embeddingsTimeout)
	defer cancel()

	resp, err := s.roundTrip(cctx, r.Signed)
	if err != nil {
		apierr.Write(ctx, apierr.Network(err))
		return
	}
	body, err := readBody(resp)
	if err != nil {
		apierr.Write(ctx, apierr.Network(err))
		return
	}
	s.trackRateLimit(r, resp.Header)

	if resp.StatusCode >= fasthttp.StatusMultipleChoices {
		// No retries here; the key state side effects still apply.
		v := s.classify(r, resp.StatusCode, body, resp.Header)
		s.recordEvent(r, v.err.Status)
		apierr.Write(ctx, v.err)
		return
	}

	s.account(r)
	s.recordEvent(r, fasthttp.StatusOK)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody([]byte(apierr.ScrubOrgIDs(string(body))))
}

// countEmbeddingInput counts tokens across the input, which may be a bare
// string or an array of strings. Pre-tokenized arrays are not re-counted.
func countEmbeddingInput(raw json.RawMessage) int {
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return tokenizer.CountCompletion(one)
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		var total int
		for _, s := range many {
			total += tokenizer.CountCompletion(s)
		}
		return total
	}
	return 0
}
