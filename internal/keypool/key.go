// Package keypool owns the upstream credentials: parsing them from their
// envelope formats, selecting one per request, tracking health and rate-limit
// lockouts, and accounting usage.
//
// All Key mutation happens inside the pool; everything handed out is a frozen
// value copy. The background checkers probe each service and feed their
// findings back through an update callback, never by touching the pool
// directly.
package keypool

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/llm"
)

// KeyReuseDelay is the soft cooldown applied to a key on every checkout so
// consecutive requests spread across the pool instead of hammering one key.
const KeyReuseDelay = 500 * time.Millisecond

// DisableReason explains why a key was taken out of rotation.
type DisableReason string

const (
	ReasonRevoked DisableReason = "revoked"
	ReasonQuota   DisableReason = "quota"
)

// LoggingStatus is the AWS Bedrock invocation-logging state of a key's
// account. Keys with logging enabled are still usable; operators may want to
// know prompts are retained on the AWS side.
type LoggingStatus string

const (
	LoggingUnknown  LoggingStatus = "unknown"
	LoggingEnabled  LoggingStatus = "enabled"
	LoggingDisabled LoggingStatus = "disabled"
)

// Key is one upstream credential with its health and usage state.
//
// Secret always holds the secret part of the envelope: the API key for
// OpenAI/Anthropic/Google/Mistral/Azure, the secret access key for AWS, and
// the service-account private key PEM for GCP. Non-secret envelope parts live
// in the per-service state structs.
type Key struct {
	Hash    string
	Secret  string
	Service llm.Service

	// Families this key can serve. Populated optimistically at parse time
	// with every family of the service; checkers narrow it down.
	Families map[llm.ModelFamily]bool

	Disabled      bool
	DisableReason DisableReason
	Revoked       bool

	LastUsed    time.Time
	LastChecked time.Time

	PromptCount int64
	TokensUsed  map[llm.ModelFamily]int64

	RateLimitedAt    time.Time
	RateLimitedUntil time.Time

	// LockedOut marks RateLimitedUntil as coming from an upstream rate-limit
	// event rather than the per-checkout reuse cooldown. Locked-out keys are
	// excluded from selection entirely; cooldown keys are merely deprioritized.
	LockedOut bool

	OpenAI    OpenAIState
	Anthropic AnthropicState
	AWS       AWSState
	Azure     AzureState
	GCP       GCPState
}

// OpenAIState is checker-discovered OpenAI account state.
type OpenAIState struct {
	OrganizationID string
	Trial          bool
	OverQuota      bool
	SoftLimitUSD   float64
	HardLimitUSD   float64
	UsageUSD       float64
}

// AnthropicState is checker-discovered Anthropic account state.
type AnthropicState struct {
	// Tier is derived from the account's requests-per-minute limit.
	Tier string

	// Pozzed keys have an injected safety system prompt on the completion
	// endpoint; the canary probe detects it.
	Pozzed bool

	// RequiresPreamble is set when the upstream rejects prompts that do not
	// begin with a Human turn; the pipeline then prepends one on retry.
	RequiresPreamble bool
}

// AWSState carries the non-secret parts of an AWS credential and the
// checker-discovered model entitlements.
type AWSState struct {
	AccessKeyID   string
	Region        string
	SonnetEnabled bool
	HaikuEnabled  bool
	LoggingStatus LoggingStatus
}

// AzureState carries the non-secret parts of an Azure credential.
type AzureState struct {
	ResourceName string
	DeploymentID string
}

// GCPState carries the non-secret parts of a GCP service-account credential.
type GCPState struct {
	ProjectID   string
	ClientEmail string
	Region      string
}

// hashSalt is fixed so hashes are stable across restarts; it only has to keep
// raw secrets out of rainbow lookups on leaked logs.
const hashSalt = "llm-relay/keypool"

// keyHash derives the short identifier used in logs, events, and the admin
// surface. The service prefix makes hashes self-describing.
func keyHash(service llm.Service, secret string) string {
	sum := sha256.Sum256([]byte(hashSalt + ":" + secret))
	return string(service) + "-" + hex.EncodeToString(sum[:4])
}

// rateLimited reports whether the key is inside a lockout at t.
func (k *Key) rateLimited(t time.Time) bool {
	return t.Before(k.RateLimitedUntil)
}

// serves reports whether the key can serve a family.
func (k *Key) serves(f llm.ModelFamily) bool {
	return k.Families[f]
}

// freeze returns a deep value copy safe to hand outside the pool.
func (k *Key) freeze(redactSecret bool) Key {
	out := *k
	if redactSecret {
		out.Secret = ""
	}
	out.Families = make(map[llm.ModelFamily]bool, len(k.Families))
	for f, v := range k.Families {
		out.Families[f] = v
	}
	out.TokensUsed = make(map[llm.ModelFamily]int64, len(k.TokensUsed))
	for f, n := range k.TokensUsed {
		out.TokensUsed[f] = n
	}
	return out
}
