package keypool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// mistralProber validates a Mistral key with a bare models listing.
type mistralProber struct {
	baseURL string
	client  *http.Client
}

func newMistralProber(baseURL string) *mistralProber {
	if baseURL == "" {
		baseURL = "https://api.mistral.ai"
	}
	return &mistralProber{
		baseURL: baseURL,
		client:  &http.Client{Timeout: probeTimeout},
	}
}

func (p *mistralProber) probe(ctx context.Context, key Key) error {
	u := strings.TrimRight(p.baseURL, "/")
	u = strings.TrimSuffix(u, "/v1") + "/v1/models"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+key.Secret)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("models probe: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: models probe: status %d", errProbeUnauthorized, resp.StatusCode)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: models probe", errProbeRateLimited)
	}
	return fmt.Errorf("models probe: status %d", resp.StatusCode)
}
