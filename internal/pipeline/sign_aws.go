package pipeline

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/nulpointcorp/llm-relay/internal/awssig"
	"github.com/nulpointcorp/llm-relay/internal/dialect"
)

// Anthropic version tags required by the hosted-claude backends. The payload
// carries the tag instead of the model name, which moves into the URL.
const (
	bedrockAnthropicVersion = "bedrock-2023-05-31"
	vertexAnthropicVersion  = "vertex-2023-10-16"
)

// anthropicWireChat is the messages payload for Bedrock and Vertex: the
// native chat schema minus the model field, plus the backend version tag.
type anthropicWireChat struct {
	AnthropicVersion string                     `json:"anthropic_version"`
	System           string                     `json:"system,omitempty"`
	Messages         []dialect.AnthropicMessage `json:"messages"`
	MaxTokens        int                        `json:"max_tokens"`
	StopSequences    dialect.StringList         `json:"stop_sequences,omitempty"`
	Temperature      *float64                   `json:"temperature,omitempty"`
	TopP             *float64                   `json:"top_p,omitempty"`
	TopK             *int                       `json:"top_k,omitempty"`
}

// anthropicWireText is the text-completion payload for Bedrock.
type anthropicWireText struct {
	Prompt            string             `json:"prompt"`
	MaxTokensToSample int                `json:"max_tokens_to_sample"`
	StopSequences     dialect.StringList `json:"stop_sequences,omitempty"`
	Temperature       *float64           `json:"temperature,omitempty"`
	TopP              *float64           `json:"top_p,omitempty"`
	TopK              *int               `json:"top_k,omitempty"`
}

// anthropicWireBody reshapes the outbound payload for a hosted-claude
// backend. Chat bodies carry the backend's version tag; text bodies carry
// none (only Bedrock serves them, untagged).
func anthropicWireBody(outbound any, version string) ([]byte, error) {
	switch out := outbound.(type) {
	case *dialect.AnthropicChatRequest:
		return json.Marshal(&anthropicWireChat{
			AnthropicVersion: version,
			System:           out.System,
			Messages:         out.Messages,
			MaxTokens:        out.MaxTokens,
			StopSequences:    out.StopSequences,
			Temperature:      out.Temperature,
			TopP:             out.TopP,
			TopK:             out.TopK,
		})
	case *dialect.AnthropicTextRequest:
		return json.Marshal(&anthropicWireText{
			Prompt:            out.Prompt,
			MaxTokensToSample: out.MaxTokensToSample,
			StopSequences:     out.StopSequences,
			Temperature:       out.Temperature,
			TopP:              out.TopP,
			TopK:              out.TopK,
		})
	}
	return nil, fmt.Errorf("pipeline: %T cannot be shaped for a hosted claude backend", outbound)
}

// signAWS builds a SigV4-signed Bedrock InvokeModel plan. The model ID moves
// into the path (PathEscape keeps the colons Bedrock IDs carry) and the
// signature covers the exact path and body that get sent.
func (p *Pipeline) signAWS(r *Request) (*Signed, error) {
	st := r.Key.AWS
	if st.Region == "" {
		return nil, fmt.Errorf("pipeline: aws key %s has no region", r.Key.Hash)
	}

	body, err := anthropicWireBody(r.Outbound, bedrockAnthropicVersion)
	if err != nil {
		return nil, err
	}

	o := origin(p.cfg.Keys.AWSBaseURL, fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", st.Region))
	scheme, authority, err := splitOrigin(o)
	if err != nil {
		return nil, err
	}

	op := "invoke"
	if r.Streaming {
		op = "invoke-with-response-stream"
	}
	path := "/model/" + url.PathEscape(r.Model) + "/" + op

	headers := awssig.Sign(
		awssig.Credentials{AccessKeyID: st.AccessKeyID, SecretKey: r.Key.Secret, Region: st.Region},
		"bedrock",
		awssig.Request{
			Method:      "POST",
			Host:        authority,
			Path:        path,
			ContentType: "application/json",
			Body:        body,
		},
	)
	headers["Accept"] = "application/json"

	return &Signed{
		Method: "POST",
		Host:   scheme + "://" + authority,
		Path:   path,
		Header: headers,
		Body:   body,
	}, nil
}
