package keypool

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/genai"
)

// googleProber validates a Google AI key with a one-item models listing
// through the official GenAI SDK.
type googleProber struct {
	base       string
	apiVersion string
	client     *http.Client
}

func newGoogleProber(baseURL string) *googleProber {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	base, ver := splitBaseURLAndVersion(baseURL)
	return &googleProber{
		base:       base,
		apiVersion: ver,
		client:     &http.Client{Timeout: probeTimeout},
	}
}

func (p *googleProber) probe(ctx context.Context, key Key) error {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      key.Secret,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  p.client,
		HTTPOptions: genai.HTTPOptions{BaseURL: p.base, APIVersion: p.apiVersion},
	})
	if err != nil {
		return fmt.Errorf("models probe: %w", err)
	}

	if _, err := client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			switch {
			case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
				return fmt.Errorf("%w: models probe: %s", errProbeUnauthorized, apiErr.Message)
			case apiErr.Code == http.StatusBadRequest && strings.Contains(apiErr.Message, "API key"):
				// Google reports bad keys as 400 API_KEY_INVALID.
				return fmt.Errorf("%w: models probe: %s", errProbeUnauthorized, apiErr.Message)
			case apiErr.Code == http.StatusTooManyRequests:
				return fmt.Errorf("%w: models probe", errProbeRateLimited)
			}
		}
		return fmt.Errorf("models probe: %w", err)
	}
	return nil
}

// splitBaseURLAndVersion separates a trailing version segment ("v1beta",
// "v1") from an endpoint URL, since the SDK wants them apart.
func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]
	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}
