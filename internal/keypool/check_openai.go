package keypool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/llm-relay/internal/llm"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// openaiProber validates OpenAI keys: a models listing through the official
// SDK establishes liveness and which families the key can serve, then the
// legacy dashboard billing endpoints fill in trial/quota state. The billing
// endpoints are best-effort; newer project keys cannot read them and the key
// is still perfectly usable.
type openaiProber struct {
	baseURL string
	update  updateFn

	// client carries the base-URL rewrite for the SDK; raw is a plain client
	// for the dashboard endpoints, which sit outside the /v1 prefix.
	client *http.Client
	raw    *http.Client
}

func newOpenAIProber(baseURL string, update updateFn) *openaiProber {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	client := &http.Client{Timeout: probeTimeout}
	if baseURL != defaultOpenAIBaseURL {
		client.Transport = newBaseURLTransport(http.DefaultTransport, baseURL)
	}
	return &openaiProber{
		baseURL: baseURL,
		update:  update,
		client:  client,
		raw:     &http.Client{Timeout: probeTimeout},
	}
}

func (p *openaiProber) probe(ctx context.Context, key Key) error {
	sdk := openaiSDK.NewClient(
		option.WithAPIKey(key.Secret),
		option.WithHTTPClient(p.client),
	)

	page, err := sdk.Models.List(ctx)
	if err != nil {
		return classifyOpenAIErr(err)
	}
	ids := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		ids = append(ids, m.ID)
	}
	fams := openaiFamilies(ids)

	sub, org, subErr := p.subscription(ctx, key.Secret)
	usage, usageErr := p.usage(ctx, key.Secret)

	p.update(key.Hash, func(k *Key) {
		k.Families = fams
		if org != "" {
			k.OpenAI.OrganizationID = org
		}
		if subErr == nil {
			k.OpenAI.Trial = !sub.HasPaymentMethod
			k.OpenAI.HardLimitUSD = sub.HardLimitUSD
			k.OpenAI.SoftLimitUSD = sub.SoftLimitUSD
		}
		if usageErr == nil {
			k.OpenAI.UsageUSD = usage
		}
	})
	return nil
}

func classifyOpenAIErr(err error) error {
	var apiErr *openaiSDK.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", errProbeUnauthorized, apiErr.Error())
	case http.StatusTooManyRequests:
		msg := apiErr.Error()
		if strings.Contains(msg, "insufficient_quota") ||
			strings.Contains(msg, "billing_not_active") ||
			strings.Contains(msg, "access_terminated") {
			return fmt.Errorf("%w: %s", errProbeQuota, msg)
		}
		return fmt.Errorf("%w: %s", errProbeRateLimited, msg)
	}
	return err
}

// openaiFamilies maps a key's visible model IDs onto the families it can
// serve. Every key can serve turbo; the rest depend on the account.
func openaiFamilies(ids []string) map[llm.ModelFamily]bool {
	fams := map[llm.ModelFamily]bool{llm.Turbo: true}
	for _, id := range ids {
		switch {
		case strings.HasPrefix(id, "gpt-4-32k"):
			fams[llm.GPT432K] = true
			fams[llm.GPT4] = true
		case strings.HasPrefix(id, "gpt-4-turbo"),
			strings.HasPrefix(id, "gpt-4-1106"),
			strings.HasPrefix(id, "gpt-4-0125"),
			strings.HasPrefix(id, "gpt-4-vision"):
			fams[llm.GPT4Turbo] = true
			fams[llm.GPT4] = true
		case strings.HasPrefix(id, "gpt-4"):
			fams[llm.GPT4] = true
		case strings.HasPrefix(id, "dall-e-3"):
			fams[llm.DallE] = true
		}
	}
	return fams
}

type openaiSubscription struct {
	HasPaymentMethod bool    `json:"has_payment_method"`
	HardLimitUSD     float64 `json:"hard_limit_usd"`
	SoftLimitUSD     float64 `json:"soft_limit_usd"`
}

// subscription fetches billing state. The org ID rides back on the
// openai-organization response header of any dashboard call.
func (p *openaiProber) subscription(ctx context.Context, secret string) (openaiSubscription, string, error) {
	var sub openaiSubscription
	resp, err := p.dashboardGet(ctx, secret, "/dashboard/billing/subscription", nil)
	if err != nil {
		return sub, "", err
	}
	defer resp.Body.Close()

	org := resp.Header.Get("openai-organization")
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return sub, org, fmt.Errorf("subscription endpoint: status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return sub, org, fmt.Errorf("subscription endpoint: %w", err)
	}
	return sub, org, nil
}

// usage fetches month-to-date spend in USD. The endpoint reports cents.
func (p *openaiProber) usage(ctx context.Context, secret string) (float64, error) {
	now := time.Now().UTC()
	query := url.Values{
		"start_date": {time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).Format("2006-01-02")},
		"end_date":   {now.AddDate(0, 0, 1).Format("2006-01-02")},
	}
	resp, err := p.dashboardGet(ctx, secret, "/dashboard/billing/usage", query)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return 0, fmt.Errorf("usage endpoint: status %d", resp.StatusCode)
	}
	var out struct {
		TotalUsage float64 `json:"total_usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("usage endpoint: %w", err)
	}
	return out.TotalUsage / 100, nil
}

// dashboardGet hits the account dashboard surface, which lives at the API
// root rather than under /v1.
func (p *openaiProber) dashboardGet(ctx context.Context, secret, path string, query url.Values) (*http.Response, error) {
	root := strings.TrimSuffix(strings.TrimRight(p.baseURL, "/"), "/v1")
	u := root + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+secret)
	return p.raw.Do(req)
}
