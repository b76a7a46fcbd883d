package dialect

import (
	"strings"

	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

// MistralAIRequest is the Mistral chat-completion schema. It is close to the
// OpenAI shape but stricter about turn ordering: an optional leading system
// message, then alternating user/assistant, ending with user.
type MistralAIRequest struct {
	Model       string           `json:"model"`
	Messages    []MistralMessage `json:"messages"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	TopP        *float64         `json:"top_p,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
	SafePrompt  *bool            `json:"safe_prompt,omitempty"`
	RandomSeed  *int             `json:"random_seed,omitempty"`
}

// MistralMessage is one chat turn.
type MistralMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ValidateMistralAI parses and normalizes an inbound Mistral chat body.
func ValidateMistralAI(body []byte, limits Limits) (*MistralAIRequest, *apierr.Error) {
	var req MistralAIRequest
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
	}
	if len(issues) > 0 {
		return nil, apierr.Validation(issues...)
	}
	req.Messages = reorderMistralTurns(req.Messages)
	req.MaxTokens = clampOutput(req.MaxTokens, limits)
	return &req, nil
}

// OpenAIToMistralAI converts an OpenAI chat request to the Mistral form.
func OpenAIToMistralAI(r *OpenAIRequest, limits Limits) *MistralAIRequest {
	msgs := make([]MistralMessage, 0, len(r.Messages))
	for _, m := range r.Messages {
		msgs = append(msgs, MistralMessage{Role: m.Role, Content: m.Content.Flat()})
	}
	return &MistralAIRequest{
		Model:       r.Model,
		Messages:    reorderMistralTurns(msgs),
		MaxTokens:   clampOutput(r.MaxTokens, limits),
		Temperature: r.Temperature,
		TopP:        r.TopP,
		Stream:      r.Stream,
	}
}

// reorderMistralTurns rewrites a message sequence into the shape Mistral
// accepts: at most one system message and only at the head, then strictly
// alternating user/assistant, ending with a user turn. Consecutive same-role
// runs are coalesced; later system turns fold into the adjacent user turn.
func reorderMistralTurns(msgs []MistralMessage) []MistralMessage {
	var out []MistralMessage
	for i, m := range msgs {
		role := m.Role
		if role == "system" && i > 0 {
			// Mid-conversation system notes become user context.
			role = "user"
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = out[n-1].Content + "\n" + m.Content
			continue
		}
		out = append(out, MistralMessage{Role: role, Content: m.Content})
	}

	// Enforce alternation after the optional system head: insert a
	// placeholder user turn if the conversation opens with assistant.
	start := 0
	if len(out) > 0 && out[0].Role == "system" {
		start = 1
	}
	if len(out) > start && out[start].Role == "assistant" {
		head := append([]MistralMessage{}, out[:start]...)
		head = append(head, MistralMessage{Role: "user", Content: "..."})
		out = append(head, out[start:]...)
	}

	// The API requires the final turn to be user: a trailing assistant
	// prefill is folded into a user instruction to continue.
	if n := len(out); n > 0 && out[n-1].Role == "assistant" {
		prefill := strings.TrimSpace(out[n-1].Content)
		out = out[:n-1]
		cont := "Continue your last response."
		if prefill != "" {
			cont = "Continue this response: " + prefill
		}
		out = append(out, MistralMessage{Role: "user", Content: cont})
	}
	return out
}
