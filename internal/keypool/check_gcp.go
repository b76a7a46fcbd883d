package keypool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nulpointcorp/llm-relay/internal/gcpauth"
)

const gcpProbeModel = "claude-3-sonnet@20240229"

// gcpProber validates a GCP service account by minting an access token and
// running a one-token rawPredict against the regional Vertex endpoint. A
// failed mint means the service-account key itself is dead.
type gcpProber struct {
	baseURL string
	minter  *gcpauth.Minter
	client  *http.Client
}

func newGCPProber(baseURL string) *gcpProber {
	tokenURL := ""
	if baseURL != "" {
		// Point the token exchange at the mock too.
		tokenURL = strings.TrimRight(baseURL, "/") + "/token"
	}
	return &gcpProber{
		baseURL: baseURL,
		minter:  gcpauth.New(tokenURL),
		client:  &http.Client{Timeout: probeTimeout},
	}
}

func (p *gcpProber) probe(ctx context.Context, key Key) error {
	token, err := p.minter.Token(ctx, key.GCP.ClientEmail, key.Secret)
	if err != nil {
		if isGCPGrantRejection(err) {
			return fmt.Errorf("%w: %v", errProbeUnauthorized, err)
		}
		return err
	}

	body, _ := json.Marshal(map[string]any{
		"anthropic_version": "vertex-2023-10-16",
		"max_tokens":        1,
		"messages": []map[string]string{
			{"role": "user", "content": "Hi"},
		},
	})

	base := p.baseURL
	if base == "" {
		base = "https://" + key.GCP.Region + "-aiplatform.googleapis.com"
	}
	u := strings.TrimRight(base, "/") + fmt.Sprintf(
		"/v1/projects/%s/locations/%s/publishers/anthropic/models/%s:rawPredict",
		key.GCP.ProjectID, key.GCP.Region, gcpProbeModel)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("rawPredict probe: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<14))

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusBadRequest:
		// A validation complaint still proves token and entitlement work.
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		p.minter.Invalidate(key.GCP.ClientEmail)
		return fmt.Errorf("%w: rawPredict probe: status %d: %s",
			errProbeUnauthorized, resp.StatusCode, string(raw))
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: rawPredict probe", errProbeRateLimited)
	}
	return fmt.Errorf("rawPredict probe: status %d: %s", resp.StatusCode, string(raw))
}

// isGCPGrantRejection reports whether a token-exchange failure indicts the
// service-account key rather than the network.
func isGCPGrantRejection(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "invalid_grant") ||
		strings.Contains(msg, "invalid_client") ||
		strings.Contains(msg, "parse private key")
}
