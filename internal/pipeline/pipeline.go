package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nulpointcorp/llm-relay/internal/config"
	"github.com/nulpointcorp/llm-relay/internal/dialect"
	"github.com/nulpointcorp/llm-relay/internal/gcpauth"
	"github.com/nulpointcorp/llm-relay/internal/keypool"
	"github.com/nulpointcorp/llm-relay/internal/llm"
	"github.com/nulpointcorp/llm-relay/internal/tokenizer"
	"github.com/nulpointcorp/llm-relay/internal/user"
	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

// Pipeline runs the preprocessor chain. It holds no per-request state; one
// instance serves every handler goroutine.
type Pipeline struct {
	cfg   *config.Config
	pool  *keypool.Pool
	users *user.Store
	gcp   *gcpauth.Minter
	debug bool
}

// New builds the pipeline. users may be nil when the gatekeeper does not
// track users; gcp is only exercised by GCP-keyed requests.
func New(cfg *config.Config, pool *keypool.Pool, users *user.Store, gcp *gcpauth.Minter) *Pipeline {
	return &Pipeline{
		cfg:   cfg,
		pool:  pool,
		users: users,
		gcp:   gcp,
		debug: cfg.LogLevel == "debug",
	}
}

// Prepare runs the pre-enqueue stages in order, stopping on the first
// failure: parse and validate the inbound body, resolve family and outbound
// dialect, reassign vendor model IDs, translate, count prompt tokens, then
// enforce the context, quota, and vision limits.
func (p *Pipeline) Prepare(r *Request) *apierr.Error {
	for _, stage := range []func(*Request) *apierr.Error{
		p.parseInbound,
		p.resolveRouting,
		p.reassignModel,
		p.buildOutbound,
		p.countPrompt,
		p.validateContext,
		p.applyQuota,
		p.validateVision,
	} {
		if aerr := stage(r); aerr != nil {
			return aerr
		}
	}
	return nil
}

// limits returns the validator bounds for the request's target service.
func (p *Pipeline) limits(r *Request) dialect.Limits {
	return dialect.Limits{MaxOutputTokens: p.cfg.MaxOutputTokens(r.Service)}
}

// parseInbound validates Body against the inbound dialect and lifts the
// model name and streaming flag out of it.
func (p *Pipeline) parseInbound(r *Request) *apierr.Error {
	limits := p.limits(r)
	switch r.InboundAPI {
	case llm.FormatOpenAI:
		in, aerr := dialect.ValidateOpenAI(r.Body, limits)
		if aerr != nil {
			return aerr
		}
		r.Inbound, r.Model, r.Streaming = in, in.Model, in.Stream
	case llm.FormatOpenAIText:
		in, aerr := dialect.ValidateOpenAIText(r.Body, limits)
		if aerr != nil {
			return aerr
		}
		r.Inbound, r.Model, r.Streaming = in, in.Model, in.Stream
	case llm.FormatOpenAIImage:
		in, aerr := dialect.ValidateOpenAIImage(r.Body)
		if aerr != nil {
			return aerr
		}
		r.Inbound, r.Model = in, in.Model
	case llm.FormatAnthropicText:
		in, aerr := dialect.ValidateAnthropicText(r.Body, limits)
		if aerr != nil {
			return aerr
		}
		r.Inbound, r.Model, r.Streaming = in, in.Model, in.Stream
	case llm.FormatAnthropicChat:
		in, aerr := dialect.ValidateAnthropicChat(r.Body, limits)
		if aerr != nil {
			return aerr
		}
		r.Inbound, r.Model, r.Streaming = in, in.Model, in.Stream
	case llm.FormatMistralAI:
		in, aerr := dialect.ValidateMistralAI(r.Body, limits)
		if aerr != nil {
			return aerr
		}
		r.Inbound, r.Model, r.Streaming = in, in.Model, in.Stream
	case llm.FormatGoogleAI:
		in, aerr := dialect.ValidateGoogleAI(r.Body, limits)
		if aerr != nil {
			return aerr
		}
		// Gemini carries the model in the URL, not the body; the handler has
		// already set r.Model and r.Streaming from the path.
		in.Model, in.Stream = r.Model, r.Streaming
		r.Inbound = in
	default:
		return apierr.Internal(fmt.Errorf("pipeline: no validator for %s", r.InboundAPI), p.debug)
	}
	return nil
}

// resolveRouting maps the model to its family, checks the family allow-list,
// and picks the outbound dialect for the target service.
func (p *Pipeline) resolveRouting(r *Request) *apierr.Error {
	family, ok := llm.FamilyOf(r.Model, r.Service)
	if !ok || !p.cfg.FamilyAllowed(family) {
		return apierr.ModelNotFound(r.Model)
	}
	r.Family = family
	r.OutboundAPI = outboundFor(r.Service, r.InboundAPI, r.Model)
	return nil
}

// outboundFor picks the dialect the upstream will be spoken to in. Routes
// whose path is /chat/completions accept the OpenAI dialect regardless of
// service; native-dialect routes pass through unchanged.
func outboundFor(service llm.Service, inbound llm.APIFormat, model string) llm.APIFormat {
	switch service {
	case llm.OpenAI:
		if inbound != llm.FormatOpenAI {
			return inbound
		}
		switch {
		case strings.HasPrefix(model, "dall-e"):
			return llm.FormatOpenAIImage
		case strings.Contains(model, "instruct") || strings.HasPrefix(model, "text-"):
			return llm.FormatOpenAIText
		}
		return llm.FormatOpenAI

	case llm.Azure:
		// Azure deployments are chat-only.
		return llm.FormatOpenAI

	case llm.Anthropic, llm.AWS:
		if inbound == llm.FormatOpenAI {
			// claude-3 dropped the text-completion API.
			if strings.Contains(model, "claude-3") {
				return llm.FormatAnthropicChat
			}
			return llm.FormatAnthropicText
		}
		return inbound

	case llm.GCP:
		if inbound == llm.FormatOpenAI {
			return llm.FormatAnthropicChat
		}
		return inbound

	case llm.GoogleAI:
		if inbound == llm.FormatOpenAI {
			return llm.FormatGoogleAI
		}
		return inbound

	case llm.MistralAI:
		if inbound == llm.FormatOpenAI {
			return llm.FormatMistralAI
		}
		return inbound
	}
	return inbound
}

// reassignModel swaps bare claude names for the vendor IDs AWS and GCP
// address their deployments by. The inbound struct is updated too so a
// translated payload carries the rewritten name.
func (p *Pipeline) reassignModel(r *Request) *apierr.Error {
	switch r.Family {
	case llm.AWSClaude:
		r.Model = llm.AWSVendorID(r.Model)
	case llm.GCPClaude:
		r.Model = llm.GCPVendorID(r.Model)
	default:
		return nil
	}
	switch in := r.Inbound.(type) {
	case *dialect.OpenAIRequest:
		in.Model = r.Model
	case *dialect.AnthropicTextRequest:
		in.Model = r.Model
	case *dialect.AnthropicChatRequest:
		in.Model = r.Model
	}
	return nil
}

// buildOutbound translates the parsed request into the outbound dialect and
// marshals it as the wire body. Skipped on retries: the translated payload is
// already in place and only the signing plan is rebuilt.
func (p *Pipeline) buildOutbound(r *Request) *apierr.Error {
	if r.RetryCount > 0 && r.Outbound != nil {
		return nil
	}

	if r.InboundAPI == r.OutboundAPI {
		r.Outbound = r.Inbound
	} else {
		in, ok := r.Inbound.(*dialect.OpenAIRequest)
		if !ok {
			return apierr.Internal(fmt.Errorf(
				"pipeline: no transformer from %s to %s", r.InboundAPI, r.OutboundAPI), p.debug)
		}
		limits := p.limits(r)
		switch r.OutboundAPI {
		case llm.FormatOpenAIText:
			r.Outbound = dialect.OpenAIToOpenAIText(in)
		case llm.FormatOpenAIImage:
			out, aerr := dialect.OpenAIToOpenAIImage(in)
			if aerr != nil {
				return aerr
			}
			r.Outbound = out
		case llm.FormatAnthropicText:
			r.Outbound = dialect.OpenAIToAnthropicText(in, limits)
		case llm.FormatAnthropicChat:
			r.Outbound = dialect.OpenAIToAnthropicChat(in, limits)
		case llm.FormatGoogleAI:
			r.Outbound = dialect.OpenAIToGoogleAI(in, limits)
		case llm.FormatMistralAI:
			r.Outbound = dialect.OpenAIToMistralAI(in, limits)
		default:
			return apierr.Internal(fmt.Errorf(
				"pipeline: no transformer from %s to %s", r.InboundAPI, r.OutboundAPI), p.debug)
		}
	}

	body, err := json.Marshal(r.Outbound)
	if err != nil {
		return apierr.Internal(fmt.Errorf("pipeline: marshal outbound: %w", err), p.debug)
	}
	r.Body = body
	return nil
}

// countPrompt prices the outbound payload and records the requested output
// budget.
func (p *Pipeline) countPrompt(r *Request) *apierr.Error {
	res, err := tokenizer.Count(r.Model, r.Outbound)
	if err != nil {
		switch {
		case errors.Is(err, tokenizer.ErrContentTooLarge):
			return apierr.ContentTooLarge()
		case errors.Is(err, tokenizer.ErrBadImage):
			return apierr.Validation(apierr.Issue{
				Path: "messages", Message: "inline image could not be decoded"})
		}
		return apierr.Internal(err, p.debug)
	}
	r.PromptTokens = res.Tokens
	r.Tokenizer = res.Tokenizer
	r.TokenizerDuration = res.Duration
	r.OutputTokens = requestedOutput(r.Outbound)
	return nil
}

// requestedOutput reads the max-tokens field of an outbound payload.
func requestedOutput(outbound any) int {
	switch out := outbound.(type) {
	case *dialect.OpenAIRequest:
		return out.MaxTokens
	case *dialect.OpenAITextRequest:
		return out.MaxTokens
	case *dialect.AnthropicTextRequest:
		return out.MaxTokensToSample
	case *dialect.AnthropicChatRequest:
		return out.MaxTokens
	case *dialect.MistralAIRequest:
		return out.MaxTokens
	case *dialect.GoogleAIRequest:
		return out.GenerationConfig.MaxOutputTokens
	}
	return 0
}

// claudeContextFactor shrinks the usable window for Claude models, which
// silently truncate instead of erroring when the context overflows.
const claudeContextFactor = 0.95

// validateContext rejects prompts that cannot fit the model window together
// with the requested output. Image generation is priced, not windowed.
func (p *Pipeline) validateContext(r *Request) *apierr.Error {
	if r.OutboundAPI == llm.FormatOpenAIImage {
		return nil
	}
	limit := llm.ContextWindow(r.Model)
	if bound := p.cfg.MaxContextTokens(r.Service); bound > 0 && bound < limit {
		limit = bound
	}
	if llm.IsClaudeModel(r.Model) {
		limit = int(float64(limit) * claudeContextFactor)
	}
	if r.PromptTokens+r.OutputTokens > limit {
		return apierr.ContextTooLarge(r.PromptTokens, r.OutputTokens, limit)
	}
	return nil
}

// applyQuota charges nothing but rejects requests that would push the user
// past their per-family limit.
func (p *Pipeline) applyQuota(r *Request) *apierr.Error {
	if p.users == nil || r.UserToken == "" {
		return nil
	}
	err := p.users.CheckQuota(r.UserToken, r.Family, int64(r.PromptTokens+r.OutputTokens))
	if err == nil {
		return nil
	}
	var qe *user.QuotaError
	if errors.As(err, &qe) {
		return apierr.QuotaExceeded(apierr.QuotaInfo{
			Quota:     qe.Limit,
			Used:      qe.Used,
			Requested: qe.Requested,
		})
	}
	if errors.Is(err, user.ErrNotFound) || errors.Is(err, user.ErrDisabled) {
		return apierr.Unauthorized()
	}
	return apierr.Internal(err, p.debug)
}

// validateVision rejects image-bearing prompts for services outside the
// vision allow-list. Special users bypass the list.
func (p *Pipeline) validateVision(r *Request) *apierr.Error {
	var images bool
	switch in := r.Inbound.(type) {
	case *dialect.OpenAIRequest:
		for _, m := range in.Messages {
			if m.Content.HasImages() {
				images = true
				break
			}
		}
	case *dialect.AnthropicChatRequest:
		for _, m := range in.Messages {
			if m.Content.HasImages() {
				images = true
				break
			}
		}
	}
	if !images || p.cfg.VisionAllowed(r.Service) {
		return nil
	}
	if p.users != nil && r.UserToken != "" {
		if u, ok := p.users.Get(r.UserToken); ok && u.Type == user.TypeSpecial {
			return nil
		}
	}
	return apierr.VisionNotAllowed()
}

// Checkout assigns an upstream key after the queue releases the request.
func (p *Pipeline) Checkout(r *Request) *apierr.Error {
	key, err := p.pool.Get(r.Model, r.Service)
	switch {
	case errors.Is(err, keypool.ErrUnknownModel):
		return apierr.ModelNotFound(r.Model)
	case errors.Is(err, keypool.ErrNoKeys):
		return apierr.NoKeysAvailable(string(r.Family))
	case err != nil:
		return apierr.Internal(err, p.debug)
	}
	r.Key = key
	return nil
}
