package dialect

import (
	"strings"

	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

// Prompt markers used by Claude text completions. The chat transform infers
// turn boundaries from these, so they must match what flattenChat emits.
const (
	humanMarker     = "\n\nHuman:"
	assistantMarker = "\n\nAssistant:"
	systemMarker    = "\n\nSystem:"
)

// AnthropicTextRequest is the legacy /v1/complete schema.
type AnthropicTextRequest struct {
	Model             string     `json:"model"`
	Prompt            string     `json:"prompt"`
	MaxTokensToSample int        `json:"max_tokens_to_sample"`
	StopSequences     StringList `json:"stop_sequences,omitempty"`
	Temperature       *float64   `json:"temperature,omitempty"`
	TopP              *float64   `json:"top_p,omitempty"`
	TopK              *int       `json:"top_k,omitempty"`
	Stream            bool       `json:"stream,omitempty"`
}

// AnthropicChatRequest is the /v1/messages schema.
type AnthropicChatRequest struct {
	Model         string             `json:"model"`
	System        string             `json:"system,omitempty"`
	Messages      []AnthropicMessage `json:"messages"`
	MaxTokens     int                `json:"max_tokens"`
	StopSequences StringList         `json:"stop_sequences,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	TopK          *int               `json:"top_k,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
}

// AnthropicMessage is one chat turn; content is a plain string or text parts.
type AnthropicMessage struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// ValidateAnthropicText parses and normalizes an inbound /v1/complete body.
func ValidateAnthropicText(body []byte, limits Limits) (*AnthropicTextRequest, *apierr.Error) {
	var req AnthropicTextRequest
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
	if req.MaxTokensToSample < 0 {
		issues = append(issues, issuef("max_tokens_to_sample", "must not be negative"))
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 1) {
		issues = append(issues, issuef("temperature", "temperature must be between 0 and 1"))
	}
	if len(issues) > 0 {
		return nil, apierr.Validation(issues...)
	}
	req.MaxTokensToSample = clampOutput(req.MaxTokensToSample, limits)
	return &req, nil
}

// ValidateAnthropicChat parses and normalizes an inbound /v1/messages body.
func ValidateAnthropicChat(body []byte, limits Limits) (*AnthropicChatRequest, *apierr.Error) {
	var req AnthropicChatRequest
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
		if m.Role != "user" && m.Role != "assistant" {
			issues = append(issues, issuef(
				msgPath(i, "role"), "unknown role %q; must be user or assistant", m.Role))
		}
	}
	if req.MaxTokens <= 0 {
		issues = append(issues, issuef("max_tokens", "max_tokens is required and must be positive"))
	}
	if len(issues) > 0 {
		return nil, apierr.Validation(issues...)
	}
	req.MaxTokens = clampOutput(req.MaxTokens, limits)
	return &req, nil
}

// OpenAIToAnthropicText flattens an OpenAI chat request into the Claude text
// prompt form.
func OpenAIToAnthropicText(r *OpenAIRequest, limits Limits) *AnthropicTextRequest {
	return &AnthropicTextRequest{
		Model:             r.Model,
		Prompt:            flattenChat(r.Messages, "Human", "Assistant", "System"),
		MaxTokensToSample: clampOutput(r.MaxTokens, limits),
		StopSequences: StringList(dedupAppend(
			[]string{humanMarker, systemMarker}, r.Stop...)),
		Temperature: r.Temperature,
		TopP:        r.TopP,
		Stream:      r.Stream,
	}
}

// OpenAIToAnthropicChat flattens an OpenAI chat request and re-splits it into
// alternating Claude messages, inferring the system prompt from the prefix
// before the first Human turn.
func OpenAIToAnthropicChat(r *OpenAIRequest, limits Limits) *AnthropicChatRequest {
	prompt := flattenChat(r.Messages, "Human", "Assistant", "System")
	system, msgs := splitClaudePrompt(prompt)
	return &AnthropicChatRequest{
		Model:         r.Model,
		System:        system,
		Messages:      msgs,
		MaxTokens:     clampOutput(r.MaxTokens, limits),
		StopSequences: StringList(dedupAppend([]string{}, r.Stop...)),
		Temperature:   r.Temperature,
		TopP:          r.TopP,
		Stream:        r.Stream,
	}
}

// splitClaudePrompt parses a flattened Claude prompt back into a system
// prefix and alternating user/assistant turns. Consecutive same-role turns
// are coalesced, an assistant-first sequence gets a placeholder user turn,
// and trailing whitespace is trimmed from a final assistant prefill.
func splitClaudePrompt(prompt string) (string, []AnthropicMessage) {
	type turn struct {
		role string
		text string
	}

	system := ""
	if i := strings.Index(prompt, humanMarker); i > 0 {
		system = strings.TrimSpace(stripRoleMarkers(prompt[:i]))
		prompt = prompt[i:]
	} else if i < 0 {
		// No human turn at all: everything before the assistant priming is
		// the system prompt.
		if j := strings.Index(prompt, assistantMarker); j >= 0 {
			system = strings.TrimSpace(stripRoleMarkers(prompt[:j]))
			prompt = prompt[j:]
		}
	}

	var turns []turn
	for len(prompt) > 0 {
		role, marker := "user", humanMarker
		if strings.HasPrefix(prompt, assistantMarker) {
			role, marker = "assistant", assistantMarker
		} else if !strings.HasPrefix(prompt, humanMarker) {
			// Stray prefix between markers folds into the previous turn.
			next := nextMarker(prompt)
			if len(turns) > 0 {
				turns[len(turns)-1].text += prompt[:next]
			}
			prompt = prompt[next:]
			continue
		}
		prompt = prompt[len(marker):]
		end := nextMarker(prompt)
		turns = append(turns, turn{role: role, text: strings.TrimSpace(prompt[:end])})
		prompt = prompt[end:]
	}

	var msgs []AnthropicMessage
	for _, t := range turns {
		if n := len(msgs); n > 0 && msgs[n-1].Role == t.role {
			if t.text != "" {
				msgs[n-1].Content.Text = strings.TrimRight(
					msgs[n-1].Content.Text+"\n"+t.text, " \t")
			}
			continue
		}
		msgs = append(msgs, AnthropicMessage{
			Role:    t.role,
			Content: MessageContent{Text: t.text},
		})
	}

	if len(msgs) > 0 && msgs[0].Role == "assistant" {
		msgs = append([]AnthropicMessage{{
			Role:    "user",
			Content: MessageContent{Text: "..."},
		}}, msgs...)
	}
	// The messages API rejects empty content; a bare priming turn at the end
	// is dropped (the API primes the assistant implicitly).
	if n := len(msgs); n > 0 && msgs[n-1].Role == "assistant" {
		msgs[n-1].Content.Text = strings.TrimRight(msgs[n-1].Content.Text, " \t\n")
		if msgs[n-1].Content.Text == "" {
			msgs = msgs[:n-1]
		}
	}
	return system, msgs
}

func nextMarker(s string) int {
	end := len(s)
	for _, m := range []string{humanMarker, assistantMarker} {
		if i := strings.Index(s, m); i >= 0 && i < end {
			end = i
		}
	}
	return end
}

// stripRoleMarkers removes a leading "\n\nSystem: " style label from a
// system prefix.
func stripRoleMarkers(s string) string {
	s = strings.TrimSpace(s)
	for _, label := range []string{"System:", "Human:", "Assistant:"} {
		if strings.HasPrefix(s, label) {
			return strings.TrimSpace(s[len(label):])
		}
	}
	return s
}
