package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nulpointcorp/llm-relay/internal/dialect"
)

const azureAPIVersion = "2024-02-01"

// signAzure rewrites the request onto the key's deployment endpoint. The
// deployment decides the model, so the body keeps a cosmetic model name with
// the azure- routing prefix stripped; logprobs fields are dropped because
// Azure deployments reject them.
func (p *Pipeline) signAzure(r *Request) (*Signed, error) {
	st := r.Key.Azure
	if st.ResourceName == "" || st.DeploymentID == "" {
		return nil, fmt.Errorf("pipeline: azure key %s has no deployment", r.Key.Hash)
	}
	out, ok := r.Outbound.(*dialect.OpenAIRequest)
	if !ok {
		return nil, fmt.Errorf("pipeline: azure cannot serve %T", r.Outbound)
	}

	wire := *out
	wire.Model = strings.TrimPrefix(wire.Model, "azure-")
	wire.Logprobs = nil
	wire.TopLogprobs = nil
	body, err := json.Marshal(&wire)
	if err != nil {
		return nil, fmt.Errorf("pipeline: marshal azure body: %w", err)
	}

	host := origin(p.cfg.Keys.AzureBaseURL,
		fmt.Sprintf("https://%s.openai.azure.com", st.ResourceName))
	path := fmt.Sprintf("/openai/deployments/%s/chat/completions?api-version=%s",
		st.DeploymentID, azureAPIVersion)

	return &Signed{
		Method: "POST",
		Host:   host,
		Path:   path,
		Header: map[string]string{
			"api-key":      r.Key.Secret,
			"Content-Type": "application/json",
		},
		Body: body,
	}, nil
}
