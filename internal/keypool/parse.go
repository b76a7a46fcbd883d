package keypool

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nulpointcorp/llm-relay/internal/config"
	"github.com/nulpointcorp/llm-relay/internal/llm"
)

// ParseKeys splits the configured credential envelopes into Keys. Envelope
// formats per service:
//
//	openai/anthropic/google-ai/mistral-ai — comma-separated bare API keys
//	aws   — comma-separated accessKeyId:secretAccessKey:region
//	azure — comma-separated resourceName:deploymentId:apiKey
//	gcp   — comma-separated <base64 service-account JSON>:<region>
//
// Duplicate secrets collapse to a single key.
func ParseKeys(keys config.KeysConfig) ([]*Key, error) {
	envelopes := map[llm.Service]string{
		llm.OpenAI:    keys.OpenAI,
		llm.Anthropic: keys.Anthropic,
		llm.GoogleAI:  keys.GoogleAI,
		llm.MistralAI: keys.MistralAI,
		llm.AWS:       keys.AWS,
		llm.Azure:     keys.Azure,
		llm.GCP:       keys.GCP,
	}

	var out []*Key
	seen := make(map[string]bool)
	for _, service := range llm.AllServices {
		raw := envelopes[service]
		if raw == "" {
			continue
		}
		for i, item := range splitList(raw) {
			k, err := parseOne(service, item)
			if err != nil {
				return nil, fmt.Errorf("keypool: %s credential %d: %w", service, i+1, err)
			}
			if seen[k.Hash] {
				continue
			}
			seen[k.Hash] = true
			out = append(out, k)
		}
	}
	return out, nil
}

func parseOne(service llm.Service, item string) (*Key, error) {
	k := &Key{
		Service:    service,
		Families:   allFamilies(service),
		TokensUsed: make(map[llm.ModelFamily]int64),
	}

	switch service {
	case llm.AWS:
		parts := strings.Split(item, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("expected accessKeyId:secretAccessKey:region")
		}
		k.Secret = parts[1]
		k.AWS = AWSState{
			AccessKeyID:   parts[0],
			Region:        parts[2],
			LoggingStatus: LoggingUnknown,
		}

	case llm.Azure:
		parts := strings.Split(item, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("expected resourceName:deploymentId:apiKey")
		}
		k.Secret = parts[2]
		k.Azure = AzureState{ResourceName: parts[0], DeploymentID: parts[1]}

	case llm.GCP:
		encoded, region, ok := strings.Cut(item, ":")
		if !ok {
			return nil, fmt.Errorf("expected <base64 service-account JSON>:<region>")
		}
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("service-account JSON is not valid base64: %w", err)
		}
		var sa struct {
			ProjectID   string `json:"project_id"`
			ClientEmail string `json:"client_email"`
			PrivateKey  string `json:"private_key"`
		}
		if err := json.Unmarshal(raw, &sa); err != nil {
			return nil, fmt.Errorf("service-account JSON: %w", err)
		}
		if sa.ProjectID == "" || sa.ClientEmail == "" || sa.PrivateKey == "" {
			return nil, fmt.Errorf("service-account JSON missing project_id, client_email, or private_key")
		}
		k.Secret = sa.PrivateKey
		k.GCP = GCPState{ProjectID: sa.ProjectID, ClientEmail: sa.ClientEmail, Region: region}

	default:
		k.Secret = item
	}

	if k.Secret == "" {
		return nil, fmt.Errorf("empty secret")
	}
	k.Hash = keyHash(service, hashInput(k))
	return k, nil
}

// hashInput picks the string hashed into the key identifier. For multi-part
// envelopes the non-secret parts are included so two credentials sharing a
// secret (same Azure api-key across deployments) still get distinct hashes.
func hashInput(k *Key) string {
	switch k.Service {
	case llm.AWS:
		return k.AWS.AccessKeyID + ":" + k.Secret
	case llm.Azure:
		return k.Azure.ResourceName + ":" + k.Azure.DeploymentID + ":" + k.Secret
	case llm.GCP:
		return k.GCP.ClientEmail + ":" + k.Secret
	default:
		return k.Secret
	}
}

func allFamilies(service llm.Service) map[llm.ModelFamily]bool {
	fams := make(map[llm.ModelFamily]bool)
	for _, f := range llm.ServiceFamilies(service) {
		fams[f] = true
	}
	return fams
}

// splitList splits a comma-separated envelope, trimming whitespace and
// dropping empties.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
