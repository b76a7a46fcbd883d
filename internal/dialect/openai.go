package dialect

import (
	"strconv"
	"strings"

	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

// OpenAIRequest is the inbound chat-completion schema. Fields cover the
// surface the relay accepts; anything else fails strict validation.
type OpenAIRequest struct {
	Model            string             `json:"model"`
	Messages         []OpenAIMessage    `json:"messages"`
	MaxTokens        int                `json:"max_tokens,omitempty"`
	Temperature      *float64           `json:"temperature,omitempty"`
	TopP             *float64           `json:"top_p,omitempty"`
	N                *int               `json:"n,omitempty"`
	Stream           bool               `json:"stream,omitempty"`
	Stop             StringList         `json:"stop,omitempty"`
	FrequencyPenalty *float64           `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64           `json:"presence_penalty,omitempty"`
	LogitBias        map[string]float64 `json:"logit_bias,omitempty"`
	Logprobs         *bool              `json:"logprobs,omitempty"`
	TopLogprobs      *int               `json:"top_logprobs,omitempty"`
	Seed             *int               `json:"seed,omitempty"`
	User             string             `json:"user,omitempty"`
}

// OpenAIMessage is one chat turn.
type OpenAIMessage struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
	Name    string         `json:"name,omitempty"`
}

// OpenAITextRequest is the legacy completions schema.
type OpenAITextRequest struct {
	Model       string     `json:"model"`
	Prompt      string     `json:"prompt"`
	MaxTokens   int        `json:"max_tokens,omitempty"`
	Temperature *float64   `json:"temperature,omitempty"`
	TopP        *float64   `json:"top_p,omitempty"`
	N           *int       `json:"n,omitempty"`
	Stream      bool       `json:"stream,omitempty"`
	Stop        StringList `json:"stop,omitempty"`
}

// OpenAIImageRequest is the image-generation schema.
type OpenAIImageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n,omitempty"`
	Size           string `json:"size,omitempty"`
	Quality        string `json:"quality,omitempty"`
	Style          string `json:"style,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
}

// ValidateOpenAI parses and normalizes an inbound chat-completion body.
func ValidateOpenAI(body []byte, limits Limits) (*OpenAIRequest, *apierr.Error) {
	var req OpenAIRequest
	if err := decodeStrict(body, &req); err != nil {
		return nil, err
	}

	var issues []apierr.Issue
	if req.Model == "" {
		issues = append(issues, issuef("model", "model is required"))
	}
	if len(req.Messages) == 0 {
		issues = append(issues, issuef("messages", "at least one message is required"))
	}
	for i, m := range req.Messages {
		switch m.Role {
		case "system", "user", "assistant":
		default:
			issues = append(issues, issuef(
				msgPath(i, "role"), "unknown role %q; must be system, user, or assistant", m.Role))
		}
		for j, p := range m.Content.Parts {
			switch p.Type {
			case "text":
			case "image_url":
				if p.ImageURL == nil || p.ImageURL.URL == "" {
					issues = append(issues, issuef(
						partPath(i, j), "image_url part requires a url"))
				} else if !strings.HasPrefix(p.ImageURL.URL, "data:") {
					issues = append(issues, issuef(
						partPath(i, j), "remote image URLs are not accepted; inline the image as a base64 data URL"))
				}
			default:
				issues = append(issues, issuef(
					partPath(i, j), "unknown content part type %q", p.Type))
			}
		}
	}
	if req.N != nil && *req.N != 1 {
		issues = append(issues, issuef("n", "multiple completions are not supported; n must be 1"))
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		issues = append(issues, issuef("temperature", "temperature must be between 0 and 2"))
	}
	if req.TopP != nil && (*req.TopP < 0 || *req.TopP > 1) {
		issues = append(issues, issuef("top_p", "top_p must be between 0 and 1"))
	}
	if req.MaxTokens < 0 {
		issues = append(issues, issuef("max_tokens", "max_tokens must not be negative"))
	}
	if len(issues) > 0 {
		return nil, apierr.Validation(issues...)
	}

	req.MaxTokens = clampOutput(req.MaxTokens, limits)
	return &req, nil
}

// ValidateOpenAIText parses and normalizes a legacy completions body.
func ValidateOpenAIText(body []byte, limits Limits) (*OpenAITextRequest, *apierr.Error) {
	var req OpenAITextRequest
	if err := decodeStrict(body, &req); err != nil {
		return nil, err
	}
	var issues []apierr.Issue
	if req.Model == "" {
		issues = append(issues, issuef("model", "model is required"))
	}
	if req.Prompt == "" {
		issues = append(issues, issuef("prompt", "prompt is required"))
	}
	if req.N != nil && *req.N != 1 {
		issues = append(issues, issuef("n", "multiple completions are not supported; n must be 1"))
	}
	if len(issues) > 0 {
		return nil, apierr.Validation(issues...)
	}
	req.MaxTokens = clampOutput(req.MaxTokens, limits)
	return &req, nil
}

// ValidateOpenAIImage parses an inbound image-generation body.
func ValidateOpenAIImage(body []byte) (*OpenAIImageRequest, *apierr.Error) {
	var req OpenAIImageRequest
	if err := decodeStrict(body, &req); err != nil {
		return nil, err
	}
	var issues []apierr.Issue
	if req.Model == "" {
		issues = append(issues, issuef("model", "model is required"))
	}
	if req.Prompt == "" {
		issues = append(issues, issuef("prompt", "prompt is required"))
	}
	if req.N < 0 || req.N > 4 {
		issues = append(issues, issuef("n", "n must be between 1 and 4"))
	}
	switch req.Size {
	case "", "256x256", "512x512", "1024x1024", "1792x1024", "1024x1792":
	default:
		issues = append(issues, issuef("size", "unsupported size %q", req.Size))
	}
	switch req.Quality {
	case "", "standard", "hd":
	default:
		issues = append(issues, issuef("quality", "quality must be standard or hd"))
	}
	if len(issues) > 0 {
		return nil, apierr.Validation(issues...)
	}
	if req.N == 0 {
		req.N = 1
	}
	if req.Size == "" {
		req.Size = "1024x1024"
	}
	if req.Quality == "" {
		req.Quality = "standard"
	}
	return &req, nil
}

// OpenAIToOpenAIText flattens a chat request into the legacy prompt form.
func OpenAIToOpenAIText(r *OpenAIRequest) *OpenAITextRequest {
	return &OpenAITextRequest{
		Model:       r.Model,
		Prompt:      flattenChat(r.Messages, "User", "Assistant", "System"),
		MaxTokens:   r.MaxTokens,
		Temperature: r.Temperature,
		TopP:        r.TopP,
		Stream:      r.Stream,
		Stop:        StringList(dedupAppend(append([]string{}, r.Stop...), "\n\nUser:")),
	}
}

// imageMarker is the prefix a user message must carry to be treated as an
// image-generation prompt on the chat endpoint.
const imageMarker = "image:"

// OpenAIToOpenAIImage converts a chat request into an image-generation one,
// using the last user message as the prompt.
func OpenAIToOpenAIImage(r *OpenAIRequest) (*OpenAIImageRequest, *apierr.Error) {
	if r.Stream {
		return nil, apierr.Validation(issuef("stream", "image generation does not support streaming"))
	}
	var prompt string
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			prompt = strings.TrimSpace(r.Messages[i].Content.Flat())
			break
		}
	}
	if !strings.HasPrefix(strings.ToLower(prompt), imageMarker) {
		return nil, apierr.Validation(issuef(
			"messages", "the last user message must start with %q followed by the image prompt", "Image:"))
	}
	prompt = strings.TrimSpace(prompt[len(imageMarker):])
	if prompt == "" {
		return nil, apierr.Validation(issuef("messages", "image prompt is empty"))
	}
	return &OpenAIImageRequest{
		Model:          r.Model,
		Prompt:         prompt,
		N:              1,
		Size:           "1024x1024",
		Quality:        "standard",
		ResponseFormat: "url",
	}, nil
}

// flattenChat renders chat messages as "\n\nRole: content" turns with an
// assistant priming suffix, the shape Claude-era text models expect.
func flattenChat(msgs []OpenAIMessage, userLabel, assistantLabel, systemLabel string) string {
	var b strings.Builder
	for _, m := range msgs {
		label := userLabel
		switch m.Role {
		case "assistant":
			label = assistantLabel
		case "system":
			label = systemLabel
		}
		b.WriteString("\n\n")
		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(m.Content.Flat())
	}
	// A trailing assistant turn doubles as the priming prefill; otherwise add
	// an empty one for the model to complete.
	if len(msgs) == 0 || msgs[len(msgs)-1].Role != "assistant" {
		b.WriteString("\n\n")
		b.WriteString(assistantLabel)
		b.WriteString(":")
	}
	return b.String()
}

func msgPath(i int, field string) string {
	return "messages." + strconv.Itoa(i) + "." + field
}

func partPath(i, j int) string {
	return "messages." + strconv.Itoa(i) + ".content." + strconv.Itoa(j)
}
