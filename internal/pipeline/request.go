// Package pipeline owns the per-request context and the ordered preprocessor
// chain that turns an inbound completion request into a signed upstream plan.
//
// Pre-enqueue stages validate, translate between API dialects, count tokens,
// and enforce quotas; the post-dequeue stage assigns a key and signs. Stages
// stop on the first failure and surface structured apierr values.
package pipeline

import (
	"time"

	"github.com/nulpointcorp/llm-relay/internal/keypool"
	"github.com/nulpointcorp/llm-relay/internal/llm"
)

// Signed is the upstream request plan produced by the signing stage. It is
// rebuilt from scratch on every attempt so a retry never reuses stale
// credentials or headers.
type Signed struct {
	Method string
	// Host is scheme://authority.
	Host string
	// Path includes the query string when one is needed.
	Path   string
	Header map[string]string
	Body   []byte
}

// Request is the context of one in-flight completion request. The handler
// goroutine owns it; stages and the queue borrow it. Exactly one goroutine
// works on it at any moment, so it carries no locks.
type Request struct {
	ID        string
	StartTime time.Time

	// RetryCount is 0 on the first attempt and increments on each re-enqueue.
	RetryCount int

	InboundAPI  llm.APIFormat
	OutboundAPI llm.APIFormat
	Service     llm.Service
	Family      llm.ModelFamily

	// Model is the client-requested name; reassignment hooks may rewrite it
	// to a vendor-specific ID.
	Model string

	// Body is the current outbound payload. The transform stage replaces it;
	// afterwards it is what gets signed and sent.
	Body []byte

	// Inbound is the parsed client request; Outbound the parsed translated
	// form Body was marshaled from. Kept so later stages avoid re-parsing.
	Inbound  any
	Outbound any

	PromptTokens int
	// OutputTokens starts as the requested max_tokens and is replaced by the
	// counted completion size when the response lands.
	OutputTokens int

	// Tokenizer names the counting scheme used, for event records.
	Tokenizer         string
	TokenizerDuration time.Duration

	Streaming bool

	// Client identity, set by the gatekeeper.
	UserToken string
	RisuToken string
	ClientIP  string

	// Key is assigned after dequeue; zero until then.
	Key keypool.Key

	// Signed is the outbound plan for the current attempt.
	Signed *Signed

	QueueOutTime time.Time

	// HeartbeatInterval overrides how often the waiting handler writes SSE
	// keep-alives while queued. Zero means the queue default.
	HeartbeatInterval time.Duration
}
