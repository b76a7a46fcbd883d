package pipeline

import (
	"context"
	"fmt"

	"github.com/nulpointcorp/llm-relay/internal/dialect"
)

// signGCP targets the regional Vertex AI claude publisher endpoint. The
// bearer token is minted from the key's service account via the JWT grant;
// mints are cached per account so retries rarely pay the exchange.
func (p *Pipeline) signGCP(ctx context.Context, r *Request) (*Signed, error) {
	st := r.Key.GCP
	if st.ProjectID == "" || st.Region == "" {
		return nil, fmt.Errorf("pipeline: gcp key %s has no project or region", r.Key.Hash)
	}
	if _, ok := r.Outbound.(*dialect.AnthropicChatRequest); !ok {
		return nil, fmt.Errorf("pipeline: vertex claude cannot serve %T", r.Outbound)
	}
	if p.gcp == nil {
		return nil, fmt.Errorf("pipeline: no gcp token minter configured")
	}

	token, err := p.gcp.Token(ctx, st.ClientEmail, r.Key.Secret)
	if err != nil {
		return nil, err
	}

	body, err := anthropicWireBody(r.Outbound, vertexAnthropicVersion)
	if err != nil {
		return nil, err
	}

	verb := "rawPredict"
	if r.Streaming {
		verb = "streamRawPredict"
	}
	host := origin(p.cfg.Keys.GCPBaseURL,
		fmt.Sprintf("https://%s-aiplatform.googleapis.com", st.Region))
	path := fmt.Sprintf("/v1/projects/%s/locations/%s/publishers/anthropic/models/%s:%s",
		st.ProjectID, st.Region, r.Model, verb)

	return &Signed{
		Method: "POST",
		Host:   host,
		Path:   path,
		Header: map[string]string{
			"Authorization": "Bearer " + token,
			"Content-Type":  "application/json",
		},
		Body: body,
	}, nil
}
