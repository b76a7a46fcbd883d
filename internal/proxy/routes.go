package proxy

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/llm"
	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

// Handler builds the routed handler with the full middleware chain. Health
// and metrics stay outside the gatekeeper; every /proxy route is gated.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()
	gate := s.gatekeeper

	r.GET("/health", s.handleHealth)
	if s.metrics != nil {
		r.GET("/metrics", s.metrics.Handler())
	}

	r.GET("/proxy/{service}/v1/models", gate(s.handleModels))

	// OpenAI.
	r.POST("/proxy/openai/v1/chat/completions", gate(s.completion(llm.OpenAI, llm.FormatOpenAI)))
	r.POST("/proxy/openai/v1/completions", gate(s.completion(llm.OpenAI, llm.FormatOpenAIText)))
	r.POST("/proxy/openai/v1/images/generations", gate(s.completion(llm.OpenAI, llm.FormatOpenAIImage)))
	r.POST("/proxy/openai/v1/embeddings", gate(s.handleEmbeddings))

	// Anthropic, native plus the OpenAI-compatible alias.
	r.POST("/proxy/anthropic/v1/messages", gate(s.completion(llm.Anthropic, llm.FormatAnthropicChat)))
	r.POST("/proxy/anthropic/v1/complete", gate(s.completion(llm.Anthropic, llm.FormatAnthropicText)))
	r.POST("/proxy/anthropic/v1/chat/completions", gate(s.completion(llm.Anthropic, llm.FormatOpenAI)))

	// Claude on AWS Bedrock. The claude-3 alias survives for clients that
	// hardcode the old split path.
	r.POST("/proxy/aws/claude/v1/messages", gate(s.completion(llm.AWS, llm.FormatAnthropicChat)))
	r.POST("/proxy/aws/claude/v1/complete", gate(s.completion(llm.AWS, llm.FormatAnthropicText)))
	r.POST("/proxy/aws/claude/v1/claude-3/complete", gate(s.completion(llm.AWS, llm.FormatAnthropicText)))
	r.POST("/proxy/aws/claude/v1/chat/completions", gate(s.completion(llm.AWS, llm.FormatOpenAI)))

	// Claude on GCP Vertex.
	r.POST("/proxy/gcp/v1/messages", gate(s.completion(llm.GCP, llm.FormatAnthropicChat)))
	r.POST("/proxy/gcp/v1/chat/completions", gate(s.completion(llm.GCP, llm.FormatOpenAI)))

	// Google AI, native generateContent plus the OpenAI-compatible alias.
	r.POST("/proxy/google-ai/v1beta/models/{action}", gate(s.handleGoogleNative))
	r.POST("/proxy/google-ai/v1/chat/completions", gate(s.completion(llm.GoogleAI, llm.FormatOpenAI)))

	// Mistral.
	r.POST("/proxy/mistral-ai/v1/chat/completions", gate(s.completion(llm.MistralAI, llm.FormatMistralAI)))

	// Azure OpenAI.
	r.POST("/proxy/azure/openai/v1/chat/completions", gate(s.completion(llm.Azure, llm.FormatOpenAI)))

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		clientIP,
		originBlocklist(s.cfg.BlockedOrigins),
		corsHandler(s.cfg.CORSOrigins),
		securityHeaders,
	)
}

// completion binds a service and inbound dialect to the dispatch path.
func (s *Server) completion(service llm.Service, inbound llm.APIFormat) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		s.dispatch(ctx, service, inbound, "", false)
	}
}

// handleGoogleNative serves the Gemini generateContent surface, where the
// model and the streaming mode ride in the final path segment
// ("gemini-pro:streamGenerateContent").
func (s *Server) handleGoogleNative(ctx *fasthttp.RequestCtx) {
	action, _ := ctx.UserValue("action").(string)
	model, verb, ok := strings.Cut(action, ":")
	// The router param aliases the request's path buffer; the model name
	// outlives the handler on streamed requests.
	model = strings.Clone(model)
	if !ok || model == "" {
		apierr.Write(ctx, apierr.Validation(apierr.Issue{Path: "path", Message: "expected model:generateContent"}))
		return
	}
	var stream bool
	switch verb {
	case "generateContent":
	case "streamGenerateContent":
		stream = true
	default:
		apierr.Write(ctx, apierr.Validation(apierr.Issue{Path: "path", Message: "unsupported action " + verb}))
		return
	}
	s.dispatch(ctx, llm.GoogleAI, llm.FormatGoogleAI, model, stream)
}

func (s *Server) handleModels(ctx *fasthttp.RequestCtx) {
	svc, _ := ctx.UserValue("service").(string)
	service := llm.Service(svc)
	if !service.Valid() {
		apierr.Write(ctx, apierr.Validation(apierr.Issue{Path: "service", Message: "unknown service " + svc}))
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(s.models.list(ctx, service))
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	keys := make(map[string]map[string]int)
	for _, k := range s.pool.List() {
		svc := keys[string(k.Service)]
		if svc == nil {
			svc = map[string]int{"total": 0, "active": 0}
			keys[string(k.Service)] = svc
		}
		svc["total"]++
		if !k.Disabled {
			svc["active"]++
		}
	}

	queued := make(map[string]any)
	for family, depth := range s.queue.Depths() {
		queued[string(family)] = map[string]any{
			"depth": depth,
			"wait":  s.queue.EstimatedWait(family).Round(time.Second).String(),
		}
	}

	writeJSON(ctx, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
		"keys":   keys,
		"queue":  queued,
	})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
