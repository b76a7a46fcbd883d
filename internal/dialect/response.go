package dialect

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-relay/internal/llm"
)

// omittedPartMarker replaces non-text content blocks when a provider response
// is flattened to plain text.
const omittedPartMarker = "[omitted non-text content]"

// ExtractCompletion pulls the completion text out of a non-streaming provider
// response body in the given format. Returns false when the body does not
// carry a completion in that dialect.
func ExtractCompletion(format llm.APIFormat, body []byte) (string, bool) {
	switch format {
	case llm.FormatOpenAI, llm.FormatMistralAI:
		var resp struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}
		if json.Unmarshal(body, &resp) != nil || len(resp.Choices) == 0 {
			return "", false
		}
		return resp.Choices[0].Message.Content, true

	case llm.FormatOpenAIText:
		var resp struct {
			Choices []struct {
				Text string `json:"text"`
			} `json:"choices"`
		}
		if json.Unmarshal(body, &resp) != nil || len(resp.Choices) == 0 {
			return "", false
		}
		return resp.Choices[0].Text, true

	case llm.FormatAnthropicText:
		var resp struct {
			Completion string `json:"completion"`
		}
		if json.Unmarshal(body, &resp) != nil {
			return "", false
		}
		return resp.Completion, true

	case llm.FormatAnthropicChat:
		var resp struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		}
		if json.Unmarshal(body, &resp) != nil || len(resp.Content) == 0 {
			return "", false
		}
		parts := make([]string, 0, len(resp.Content))
		for _, c := range resp.Content {
			if c.Type == "text" {
				parts = append(parts, c.Text)
			} else {
				parts = append(parts, omittedPartMarker)
			}
		}
		return strings.Join(parts, "\n"), true

	case llm.FormatGoogleAI:
		var resp struct {
			Candidates []struct {
				Content struct {
					Parts []struct {
						Text string `json:"text"`
					} `json:"parts"`
				} `json:"content"`
			} `json:"candidates"`
		}
		if json.Unmarshal(body, &resp) != nil || len(resp.Candidates) == 0 {
			return "", false
		}
		var b strings.Builder
		for _, p := range resp.Candidates[0].Content.Parts {
			b.WriteString(p.Text)
		}
		return b.String(), true
	}
	return "", false
}

// OpenAIChatResponse is the chat.completion envelope served back to
// OpenAI-dialect clients when the upstream spoke another dialect.
type OpenAIChatResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []OpenAIChatChoice `json:"choices"`
	Usage   OpenAIUsage        `json:"usage"`
}

type OpenAIChatChoice struct {
	Index        int           `json:"index"`
	Message      OpenAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// BuildOpenAIChatResponse wraps a provider completion in a synthetic
// chat.completion envelope. Usage comes from the relay's own token
// accounting, not the upstream's.
func BuildOpenAIChatResponse(model, completion string, promptTokens, outputTokens int) []byte {
	resp := OpenAIChatResponse{
		ID:      "chatcmpl-" + shortID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []OpenAIChatChoice{{
			Message: OpenAIMessage{
				Role:    "assistant",
				Content: MessageContent{Text: strings.TrimSpace(completion)},
			},
			FinishReason: "stop",
		}},
		Usage: OpenAIUsage{
			PromptTokens:     promptTokens,
			CompletionTokens: outputTokens,
			TotalTokens:      promptTokens + outputTokens,
		},
	}
	body, _ := json.Marshal(resp)
	return body
}

// BuildOpenAITextResponse is the legacy text_completion form of the same.
func BuildOpenAITextResponse(model, completion string, promptTokens, outputTokens int) []byte {
	resp := struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		Model   string `json:"model"`
		Choices []struct {
			Text         string `json:"text"`
			Index        int    `json:"index"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage OpenAIUsage `json:"usage"`
	}{
		ID:      "cmpl-" + shortID(),
		Object:  "text_completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []struct {
			Text         string `json:"text"`
			Index        int    `json:"index"`
			FinishReason string `json:"finish_reason"`
		}{{Text: completion, FinishReason: "stop"}},
		Usage: OpenAIUsage{
			PromptTokens:     promptTokens,
			CompletionTokens: outputTokens,
			TotalTokens:      promptTokens + outputTokens,
		},
	}
	body, _ := json.Marshal(resp)
	return body
}

// BuildAnthropicTextResponse wraps a completion for clients that spoke the
// legacy /v1/complete dialect while the upstream spoke the messages one.
func BuildAnthropicTextResponse(model, completion string) []byte {
	resp := struct {
		Type       string `json:"type"`
		Completion string `json:"completion"`
		StopReason string `json:"stop_reason"`
		Model      string `json:"model"`
	}{
		Type:       "completion",
		Completion: completion,
		StopReason: "stop_sequence",
		Model:      model,
	}
	body, _ := json.Marshal(resp)
	return body
}

// TranslateResponse rewrites a provider response body into the client's
// dialect. Same-format pairs pass through untouched.
func TranslateResponse(inbound, outbound llm.APIFormat, model string, body []byte, promptTokens, outputTokens int) ([]byte, error) {
	if inbound == outbound {
		return body, nil
	}
	completion, ok := ExtractCompletion(outbound, body)
	if !ok {
		return nil, fmt.Errorf("dialect: no completion found in %s response", outbound)
	}
	switch inbound {
	case llm.FormatOpenAI:
		return BuildOpenAIChatResponse(model, completion, promptTokens, outputTokens), nil
	case llm.FormatOpenAIText:
		return BuildOpenAITextResponse(model, completion, promptTokens, outputTokens), nil
	case llm.FormatAnthropicText:
		return BuildAnthropicTextResponse(model, completion), nil
	}
	return nil, fmt.Errorf("dialect: cannot translate %s response for %s client", outbound, inbound)
}

// StreamAccumulator reassembles streamed provider deltas into the full
// completion string for token accounting. One accumulator per response; feed
// it every SSE data payload in arrival order.
type StreamAccumulator struct {
	format llm.APIFormat
	b      strings.Builder
	failed bool
}

// NewStreamAccumulator returns an accumulator for the given provider dialect.
func NewStreamAccumulator(format llm.APIFormat) *StreamAccumulator {
	return &StreamAccumulator{format: format}
}

// Feed consumes one SSE data payload. Events that carry no text (pings,
// block starts, stop events) are ignored; payloads that fail to parse mark
// the accumulator unreliable so accounting can fall back to max_tokens.
func (a *StreamAccumulator) Feed(data []byte) {
	data = []byte(strings.TrimSpace(string(data)))
	if len(data) == 0 || string(data) == "[DONE]" {
		return
	}

	switch a.format {
	case llm.FormatOpenAI, llm.FormatMistralAI:
		var ev struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if json.Unmarshal(data, &ev) != nil {
			a.failed = true
			return
		}
		if len(ev.Choices) > 0 {
			a.b.WriteString(ev.Choices[0].Delta.Content)
		}

	case llm.FormatOpenAIText:
		var ev struct {
			Choices []struct {
				Text string `json:"text"`
			} `json:"choices"`
		}
		if json.Unmarshal(data, &ev) != nil {
			a.failed = true
			return
		}
		if len(ev.Choices) > 0 {
			a.b.WriteString(ev.Choices[0].Text)
		}

	case llm.FormatAnthropicText:
		var ev struct {
			Completion string `json:"completion"`
		}
		if json.Unmarshal(data, &ev) != nil {
			a.failed = true
			return
		}
		a.b.WriteString(ev.Completion)

	case llm.FormatAnthropicChat:
		var ev struct {
			Type  string `json:"type"`
			Delta struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"delta"`
		}
		if json.Unmarshal(data, &ev) != nil {
			a.failed = true
			return
		}
		if ev.Type == "content_block_delta" && ev.Delta.Type == "text_delta" {
			a.b.WriteString(ev.Delta.Text)
		}

	case llm.FormatGoogleAI:
		var ev struct {
			Candidates []struct {
				Content struct {
					Parts []struct {
						Text string `json:"text"`
					} `json:"parts"`
				} `json:"content"`
			} `json:"candidates"`
		}
		if json.Unmarshal(data, &ev) != nil {
			a.failed = true
			return
		}
		for _, c := range ev.Candidates {
			for _, p := range c.Content.Parts {
				a.b.WriteString(p.Text)
			}
		}

	default:
		a.failed = true
	}
}

// Text returns the reassembled completion and whether it is reliable. When
// ok is false the caller should assume max_tokens were generated.
func (a *StreamAccumulator) Text() (string, bool) {
	return a.b.String(), !a.failed
}

func shortID() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")[:24]
}
