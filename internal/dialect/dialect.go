// Package dialect defines the request/response schemas of every API format
// the relay speaks, strict validators for inbound bodies, and the pure
// transformer functions that rewrite a request from one dialect to another.
//
// Transformers never touch the network or the key pool; given the same body
// they always produce the same output, which is what makes retries safe.
package dialect

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

// Limits carries the per-service bounds a validator applies while
// normalizing a request.
type Limits struct {
	// MaxOutputTokens clamps max_tokens / max_tokens_to_sample. 0 = no clamp.
	MaxOutputTokens int
}

// decodeStrict unmarshals body into dst rejecting unknown fields, translating
// the decoder's complaints into structured issues.
func decodeStrict(body []byte, dst any) *apierr.Error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apierr.Validation(apierr.Issue{Path: "body", Message: err.Error()})
	}
	// Trailing garbage after the JSON document is a malformed request too.
	if dec.More() {
		return apierr.Validation(apierr.Issue{Path: "body", Message: "unexpected trailing data"})
	}
	return nil
}

// MessageContent is an OpenAI message body: either a plain string or an
// array of typed parts (text and image_url).
type MessageContent struct {
	Text  string
	Parts []ContentPart
}

// ContentPart is one element of a multi-part message.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries an inline or remote image reference.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// UnmarshalJSON accepts both the string and the array form.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		c.Parts = nil
		return json.Unmarshal(data, &c.Text)
	}
	c.Text = ""
	return json.Unmarshal(data, &c.Parts)
}

// MarshalJSON emits whichever form the content was parsed from.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// Flat returns the text of the content with image parts omitted.
func (c MessageContent) Flat() string {
	if c.Parts == nil {
		return c.Text
	}
	var b bytes.Buffer
	for _, p := range c.Parts {
		if p.Type == "text" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// HasImages reports whether the content carries any image parts.
func (c MessageContent) HasImages() bool {
	for _, p := range c.Parts {
		if p.Type == "image_url" {
			return true
		}
	}
	return false
}

// StringList is a JSON value that may be a single string or a list.
type StringList []string

// UnmarshalJSON accepts "stop" in both scalar and array form.
func (s *StringList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var one string
		if err := json.Unmarshal(data, &one); err != nil {
			return err
		}
		*s = StringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// MarshalJSON always emits the array form.
func (s StringList) MarshalJSON() ([]byte, error) {
	return json.Marshal([]string(s))
}

// clampOutput applies the configured output bound with the API default of 16
// when the client did not set a value.
func clampOutput(requested int, limits Limits) int {
	if requested <= 0 {
		requested = 16
	}
	if limits.MaxOutputTokens > 0 && requested > limits.MaxOutputTokens {
		return limits.MaxOutputTokens
	}
	return requested
}

// dedupAppend appends items to base skipping values already present.
func dedupAppend(base []string, items ...string) []string {
	seen := make(map[string]bool, len(base)+len(items))
	for _, s := range base {
		seen[s] = true
	}
	for _, s := range items {
		if !seen[s] {
			base = append(base, s)
			seen[s] = true
		}
	}
	return base
}

func issuef(path, format string, args ...any) apierr.Issue {
	return apierr.Issue{Path: path, Message: fmt.Sprintf(format, args...)}
}
