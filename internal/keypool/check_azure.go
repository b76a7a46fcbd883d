package keypool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const azureAPIVersion = "2024-02-01"

// azureProber validates an Azure OpenAI credential with a one-token chat
// call against its configured deployment. There is no models surface worth
// probing; the deployment either answers or it does not.
type azureProber struct {
	baseURL string
	client  *http.Client
}

func newAzureProber(baseURL string) *azureProber {
	return &azureProber{
		baseURL: baseURL,
		client:  &http.Client{Timeout: probeTimeout},
	}
}

func (p *azureProber) probe(ctx context.Context, key Key) error {
	body, _ := json.Marshal(map[string]any{
		"messages":   []map[string]string{{"role": "user", "content": "Hi"}},
		"max_tokens": 1,
	})

	base := p.baseURL
	if base == "" {
		base = "https://" + key.Azure.ResourceName + ".openai.azure.com"
	}
	u := strings.TrimRight(base, "/") +
		"/openai/deployments/" + key.Azure.DeploymentID +
		"/chat/completions?api-version=" + azureAPIVersion

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Api-Key", key.Secret)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("deployment probe: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<14))

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: deployment probe: status %d", errProbeUnauthorized, resp.StatusCode)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: deployment probe", errProbeRateLimited)
	}
	return fmt.Errorf("deployment probe: status %d: %s", resp.StatusCode, string(raw))
}
