package keypool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/nulpointcorp/llm-relay/internal/awssig"
	"github.com/nulpointcorp/llm-relay/internal/llm"
)

// Bedrock model IDs probed per credential. The base model answers "is this
// key alive at all"; the claude-3 probes discover per-model entitlements,
// which AWS grants individually.
const (
	awsBaseModel   = "anthropic.claude-v2"
	awsSonnetModel = "anthropic.claude-3-sonnet-20240229-v1:0"
	awsHaikuModel  = "anthropic.claude-3-haiku-20240307-v1:0"
)

// awsProber validates Bedrock credentials with minimal signed InvokeModel
// calls, then reads the account's invocation-logging config so operators know
// whether AWS retains prompt text for this key.
type awsProber struct {
	baseURL string
	update  updateFn
	client  *http.Client
}

func newAWSProber(baseURL string, update updateFn) *awsProber {
	return &awsProber{
		baseURL: baseURL,
		update:  update,
		client:  &http.Client{Timeout: probeTimeout},
	}
}

func (p *awsProber) probe(ctx context.Context, key Key) error {
	creds := awssig.Credentials{
		AccessKeyID: key.AWS.AccessKeyID,
		SecretKey:   key.Secret,
		Region:      key.AWS.Region,
	}

	baseOK, err := p.invokeProbe(ctx, creds, awsBaseModel, textProbeBody())
	if err != nil {
		return err
	}
	sonnetOK, err := p.invokeProbe(ctx, creds, awsSonnetModel, chatProbeBody())
	if err != nil {
		return err
	}
	haikuOK, err := p.invokeProbe(ctx, creds, awsHaikuModel, chatProbeBody())
	if err != nil {
		return err
	}

	logging := p.loggingStatus(ctx, creds)

	p.update(key.Hash, func(k *Key) {
		k.Families[llm.AWSClaude] = baseOK || sonnetOK || haikuOK
		k.AWS.SonnetEnabled = sonnetOK
		k.AWS.HaikuEnabled = haikuOK
		if logging != LoggingUnknown {
			k.AWS.LoggingStatus = logging
		}
	})
	return nil
}

// textProbeBody is the one-token legacy completion probe for claude-v2.
func textProbeBody() []byte {
	b, _ := json.Marshal(map[string]any{
		"prompt":               "\n\nHuman: Hi\n\nAssistant:",
		"max_tokens_to_sample": 1,
		"temperature":          0,
	})
	return b
}

// chatProbeBody is the one-token messages probe for claude-3 models, which
// reject the legacy completion schema.
func chatProbeBody() []byte {
	b, _ := json.Marshal(map[string]any{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        1,
		"messages": []map[string]string{
			{"role": "user", "content": "Hi"},
		},
	})
	return b
}

// invokeProbe runs one signed InvokeModel call. It returns whether the model
// is entitled to this credential; key-level failures (bad signature, revoked
// credential, throttling) come back as errors.
func (p *awsProber) invokeProbe(ctx context.Context, creds awssig.Credentials, modelID string, body []byte) (bool, error) {
	host := p.host("bedrock-runtime", creds.Region)
	path := "/model/" + url.PathEscape(modelID) + "/invoke"

	resp, errType, err := p.signedDo(ctx, creds, http.MethodPost, host, path, "application/json", body)
	if err != nil {
		return false, fmt.Errorf("invoke %s: %w", modelID, err)
	}

	switch {
	case resp == http.StatusOK:
		return true, nil
	case isAWSAuthFailure(errType):
		return false, fmt.Errorf("%w: invoke %s: %s", errProbeUnauthorized, modelID, errType)
	case resp == http.StatusTooManyRequests:
		return false, fmt.Errorf("%w: invoke %s", errProbeRateLimited, modelID)
	case strings.Contains(errType, "AccessDeniedException"):
		// Credential is fine; this model just is not enabled on the account.
		return false, nil
	case resp == http.StatusBadRequest:
		// A validation complaint still proves the model accepted the call.
		return true, nil
	}
	return false, fmt.Errorf("invoke %s: status %d (%s)", modelID, resp, errType)
}

// loggingStatus reads the control-plane invocation-logging config.
// Best-effort: many credentials cannot read the control plane at all.
func (p *awsProber) loggingStatus(ctx context.Context, creds awssig.Credentials) LoggingStatus {
	host := p.host("bedrock", creds.Region)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.scheme()+"://"+host+"/logging/modelinvocations", nil)
	if err != nil {
		return LoggingUnknown
	}
	for name, value := range awssig.Sign(creds, "bedrock", awssig.Request{
		Method: http.MethodGet,
		Host:   host,
		Path:   "/logging/modelinvocations",
	}) {
		req.Header.Set(name, value)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return LoggingUnknown
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return LoggingUnknown
	}

	var out struct {
		LoggingConfig *struct {
			TextDataDeliveryEnabled  bool `json:"textDataDeliveryEnabled"`
			ImageDataDeliveryEnabled bool `json:"imageDataDeliveryEnabled"`
		} `json:"loggingConfig"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return LoggingUnknown
	}
	if out.LoggingConfig == nil {
		return LoggingDisabled
	}
	if out.LoggingConfig.TextDataDeliveryEnabled || out.LoggingConfig.ImageDataDeliveryEnabled {
		return LoggingEnabled
	}
	return LoggingDisabled
}

// signedDo signs and sends one request, returning the status code and the
// AWS error type (from the x-amzn-errortype header or body) on failure.
func (p *awsProber) signedDo(ctx context.Context, creds awssig.Credentials, method, host, path, contentType string, body []byte) (status int, errType string, err error) {
	req, err := http.NewRequestWithContext(ctx, method,
		p.scheme()+"://"+host+path, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	for name, value := range awssig.Sign(creds, "bedrock", awssig.Request{
		Method:      method,
		Host:        host,
		Path:        path,
		ContentType: contentType,
		Body:        body,
	}) {
		req.Header.Set(name, value)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	errType = resp.Header.Get("x-amzn-errortype")
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<14))
	if errType == "" && resp.StatusCode >= 400 {
		var msg struct {
			Type    string `json:"__type"`
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &msg) == nil {
			errType = msg.Type
			if errType == "" {
				errType = msg.Message
			}
		}
	}
	return resp.StatusCode, errType, nil
}

func isAWSAuthFailure(errType string) bool {
	return strings.Contains(errType, "UnrecognizedClientException") ||
		strings.Contains(errType, "InvalidSignatureException") ||
		strings.Contains(errType, "ExpiredTokenException")
}

// host returns the regional AWS host, or the override's host when the base
// URL points at a mock.
func (p *awsProber) host(service, region string) string {
	if p.baseURL == "" {
		return service + "." + region + ".amazonaws.com"
	}
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return service + "." + region + ".amazonaws.com"
	}
	return u.Host
}

func (p *awsProber) scheme() string {
	if p.baseURL == "" {
		return "https"
	}
	if u, err := url.Parse(p.baseURL); err == nil && u.Scheme != "" {
		return u.Scheme
	}
	return "https"
}
