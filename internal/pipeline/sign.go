package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/nulpointcorp/llm-relay/internal/dialect"
	"github.com/nulpointcorp/llm-relay/internal/llm"
	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

// Default upstream origins. Per-service BaseURL overrides replace these for
// local mocks.
const (
	openAIOrigin    = "https://api.openai.com"
	anthropicOrigin = "https://api.anthropic.com"
	mistralOrigin   = "https://api.mistral.ai"
	googleAIOrigin  = "https://generativelanguage.googleapis.com"
)

const anthropicVersion = "2023-06-01"

// Sign builds the outbound request plan for the current attempt. The key must
// already be checked out. Every attempt gets a fresh plan; nothing from a
// previous try is reused.
func (p *Pipeline) Sign(ctx context.Context, r *Request) *apierr.Error {
	var (
		signed *Signed
		err    error
	)
	switch r.Service {
	case llm.OpenAI:
		signed, err = p.signOpenAI(r)
	case llm.Anthropic:
		signed, err = p.signAnthropic(r)
	case llm.MistralAI:
		signed, err = p.signMistral(r)
	case llm.GoogleAI:
		signed, err = p.signGoogleAI(r)
	case llm.AWS:
		signed, err = p.signAWS(r)
	case llm.Azure:
		signed, err = p.signAzure(r)
	case llm.GCP:
		signed, err = p.signGCP(ctx, r)
	default:
		err = fmt.Errorf("pipeline: no signer for service %s", r.Service)
	}
	if err != nil {
		return apierr.Internal(err, p.debug)
	}
	r.Signed = signed
	return nil
}

func (p *Pipeline) signOpenAI(r *Request) (*Signed, error) {
	var path string
	switch r.OutboundAPI {
	case llm.FormatOpenAI:
		path = "/v1/chat/completions"
	case llm.FormatOpenAIText:
		path = "/v1/completions"
	case llm.FormatOpenAIImage:
		path = "/v1/images/generations"
	default:
		return nil, fmt.Errorf("pipeline: openai cannot serve %s", r.OutboundAPI)
	}
	return &Signed{
		Method: "POST",
		Host:   origin(p.cfg.Keys.OpenAIBaseURL, openAIOrigin),
		Path:   path,
		Header: map[string]string{
			"Authorization": "Bearer " + r.Key.Secret,
			"Content-Type":  "application/json",
		},
		Body: r.Body,
	}, nil
}

// SignEmbeddings builds the upstream plan for an embeddings passthrough.
// Embeddings skip the dialect stages; the body goes through as received.
func (p *Pipeline) SignEmbeddings(r *Request) {
	r.Signed = &Signed{
		Method: "POST",
		Host:   origin(p.cfg.Keys.OpenAIBaseURL, openAIOrigin),
		Path:   "/v1/embeddings",
		Header: map[string]string{
			"Authorization": "Bearer " + r.Key.Secret,
			"Content-Type":  "application/json",
		},
		Body: r.Body,
	}
}

func (p *Pipeline) signAnthropic(r *Request) (*Signed, error) {
	var path string
	switch r.OutboundAPI {
	case llm.FormatAnthropicChat:
		path = "/v1/messages"
	case llm.FormatAnthropicText:
		path = "/v1/complete"
	default:
		return nil, fmt.Errorf("pipeline: anthropic cannot serve %s", r.OutboundAPI)
	}

	body := r.Body
	// Some accounts reject text prompts that do not open with a Human turn;
	// the response handler flags the key and the retry lands here.
	if r.OutboundAPI == llm.FormatAnthropicText && r.Key.Anthropic.RequiresPreamble {
		t, ok := r.Outbound.(*dialect.AnthropicTextRequest)
		if ok && !strings.HasPrefix(t.Prompt, "\n\nHuman:") {
			fixed := *t
			fixed.Prompt = "\n\nHuman:" + t.Prompt
			b, err := json.Marshal(&fixed)
			if err != nil {
				return nil, fmt.Errorf("pipeline: marshal preamble body: %w", err)
			}
			body = b
		}
	}

	return &Signed{
		Method: "POST",
		Host:   origin(p.cfg.Keys.AnthropicBaseURL, anthropicOrigin),
		Path:   path,
		Header: map[string]string{
			"x-api-key":         r.Key.Secret,
			"anthropic-version": anthropicVersion,
			"Content-Type":      "application/json",
		},
		Body: body,
	}, nil
}

func (p *Pipeline) signMistral(r *Request) (*Signed, error) {
	if r.OutboundAPI != llm.FormatMistralAI {
		return nil, fmt.Errorf("pipeline: mistral cannot serve %s", r.OutboundAPI)
	}
	return &Signed{
		Method: "POST",
		Host:   origin(p.cfg.Keys.MistralAIBaseURL, mistralOrigin),
		Path:   "/v1/chat/completions",
		Header: map[string]string{
			"Authorization": "Bearer " + r.Key.Secret,
			"Content-Type":  "application/json",
		},
		Body: r.Body,
	}, nil
}

// signGoogleAI targets the generateContent endpoint, carrying the key as a
// query parameter the way the Gemini API expects.
func (p *Pipeline) signGoogleAI(r *Request) (*Signed, error) {
	if r.OutboundAPI != llm.FormatGoogleAI {
		return nil, fmt.Errorf("pipeline: google-ai cannot serve %s", r.OutboundAPI)
	}
	verb := ":generateContent"
	params := url.Values{"key": {r.Key.Secret}}
	if r.Streaming {
		verb = ":streamGenerateContent"
		params.Set("alt", "sse")
	}
	return &Signed{
		Method: "POST",
		Host:   origin(p.cfg.Keys.GoogleAIBaseURL, googleAIOrigin),
		Path:   "/v1beta/models/" + r.Model + verb + "?" + params.Encode(),
		Header: map[string]string{"Content-Type": "application/json"},
		Body:   r.Body,
	}, nil
}

// origin returns the override when set, else the service default. Trailing
// slashes are trimmed so path concatenation stays clean.
func origin(override, fallback string) string {
	if override != "" {
		return strings.TrimSuffix(override, "/")
	}
	return fallback
}

// splitOrigin separates scheme://authority for signers that need the bare
// authority (the SigV4 host header).
func splitOrigin(o string) (scheme, authority string, err error) {
	u, err := url.Parse(o)
	if err != nil {
		return "", "", fmt.Errorf("pipeline: bad upstream origin %q: %w", o, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", "", fmt.Errorf("pipeline: bad upstream origin %q", o)
	}
	return u.Scheme, u.Host, nil
}
