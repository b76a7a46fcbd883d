package dialect

import "strings"

// PromptText renders a parsed inbound request's prompt as plain text for
// operators who turn on prompt logging. Chat turns come out as "Role: content"
// blocks; text and image prompts come back as written.
func PromptText(req any) (string, bool) {
	switch r := req.(type) {
	case *OpenAIRequest:
		return flattenChat(r.Messages, "User", "Assistant", "System"), true
	case *OpenAITextRequest:
		return r.Prompt, true
	case *OpenAIImageRequest:
		return r.Prompt, true
	case *AnthropicTextRequest:
		return r.Prompt, true
	case *AnthropicChatRequest:
		var b strings.Builder
		if r.System != "" {
			writeTurn(&b, "System", r.System)
		}
		for _, m := range r.Messages {
			writeTurn(&b, m.Role, m.Content.Flat())
		}
		return b.String(), true
	case *MistralAIRequest:
		var b strings.Builder
		for _, m := range r.Messages {
			writeTurn(&b, m.Role, m.Content)
		}
		return b.String(), true
	case *GoogleAIRequest:
		var b strings.Builder
		for _, c := range r.Contents {
			var parts []string
			for _, p := range c.Parts {
				parts = append(parts, p.Text)
			}
			writeTurn(&b, c.Role, strings.Join(parts, "\n"))
		}
		return b.String(), true
	}
	return "", false
}

func writeTurn(b *strings.Builder, role, text string) {
	if b.Len() > 0 {
		b.WriteString("\n\n")
	}
	b.WriteString(role)
	b.WriteString(": ")
	b.WriteString(text)
}
