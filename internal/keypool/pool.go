package keypool

import (
	"log/slog"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/config"
	"github.com/nulpointcorp/llm-relay/internal/llm"
)

// updateFn applies a mutation to one key inside the pool's lock. Probers get
// one of these instead of a store reference.
type updateFn func(hash string, mutate func(*Key))

// Pool is the aggregate over all per-service stores. Requests are routed by
// resolving the model to a family and the family to its owning service.
type Pool struct {
	stores   map[llm.Service]*store
	checkers []*checker
	log      *slog.Logger
}

// New parses the configured credentials and builds the pool. Checkers are
// constructed for every service that has keys when cfg.CheckKeys is set, but
// do not run until Start.
func New(cfg *config.Config, log *slog.Logger) (*Pool, error) {
	keys, err := ParseKeys(cfg.Keys)
	if err != nil {
		return nil, err
	}

	byService := make(map[llm.Service][]*Key)
	for _, k := range keys {
		byService[k.Service] = append(byService[k.Service], k)
	}

	p := &Pool{
		stores: make(map[llm.Service]*store, len(byService)),
		log:    log,
	}
	for service, serviceKeys := range byService {
		st := newStore(service, serviceKeys, log)
		p.stores[service] = st
		log.Info("loaded keys", "service", string(service), "count", len(serviceKeys))

		if !cfg.CheckKeys {
			continue
		}
		probe := newProber(service, cfg.Keys, st.update)
		p.checkers = append(p.checkers,
			newChecker(service, probe, st.snapshot, st.update, st.disable, log))
	}
	return p, nil
}

// newProber builds the per-service probe implementation.
func newProber(service llm.Service, keys config.KeysConfig, update updateFn) probeFunc {
	switch service {
	case llm.OpenAI:
		return newOpenAIProber(keys.OpenAIBaseURL, update).probe
	case llm.Anthropic:
		return newAnthropicProber(keys.AnthropicBaseURL, update).probe
	case llm.GoogleAI:
		return newGoogleProber(keys.GoogleAIBaseURL).probe
	case llm.MistralAI:
		return newMistralProber(keys.MistralAIBaseURL).probe
	case llm.AWS:
		return newAWSProber(keys.AWSBaseURL, update).probe
	case llm.Azure:
		return newAzureProber(keys.AzureBaseURL).probe
	case llm.GCP:
		return newGCPProber(keys.GCPBaseURL).probe
	}
	return nil
}

// Start launches the background checkers.
func (p *Pool) Start() {
	for _, c := range p.checkers {
		c.Start()
	}
}

// Close stops the checkers and waits for in-flight probes.
func (p *Pool) Close() {
	for _, c := range p.checkers {
		c.Stop()
	}
}

// Get checks out a key able to serve model on the given endpoint service.
// The returned copy carries the secret; it is the caller's only window into
// credential material.
func (p *Pool) Get(model string, service llm.Service) (Key, error) {
	family, ok := llm.FamilyOf(model, service)
	if !ok {
		return Key{}, ErrUnknownModel
	}
	st, ok := p.stores[family.Service()]
	if !ok {
		return Key{}, ErrNoKeys
	}
	return st.get(family)
}

// Disable takes a key out of rotation.
func (p *Pool) Disable(hash string, reason DisableReason) {
	if st := p.storeFor(hash); st != nil {
		st.disable(hash, reason)
	}
}

// MarkRateLimited starts a default-length lockout on a key.
func (p *Pool) MarkRateLimited(hash string) {
	if st := p.storeFor(hash); st != nil {
		st.markRateLimited(hash)
	}
}

// UpdateRateLimits refines a lockout from upstream reset headers.
func (p *Pool) UpdateRateLimits(hash, resetRequests, resetTokens string) {
	if st := p.storeFor(hash); st != nil {
		st.updateRateLimits(hash, resetRequests, resetTokens)
	}
}

// MarkRequiresPreamble records that a key's account rejects prompts without a
// leading Human turn, so retries know to prepend one.
func (p *Pool) MarkRequiresPreamble(hash string) {
	if st := p.storeFor(hash); st != nil {
		st.markRequiresPreamble(hash)
	}
}

// IncrementUsage accounts a completed request against a key.
func (p *Pool) IncrementUsage(hash, model string, tokens int) {
	st := p.storeFor(hash)
	if st == nil {
		return
	}
	family, ok := llm.FamilyOf(model, st.service)
	if !ok {
		return
	}
	st.incrementUsage(hash, family, tokens)
}

// LockoutPeriod reports how long a family's queue partition should hold off:
// zero when a key is usable now, otherwise the shortest remaining lockout.
func (p *Pool) LockoutPeriod(family llm.ModelFamily) time.Duration {
	st, ok := p.stores[family.Service()]
	if !ok {
		return 0
	}
	return st.lockoutPeriod(family)
}

// Available counts enabled keys serving a family.
func (p *Pool) Available(family llm.ModelFamily) int {
	st, ok := p.stores[family.Service()]
	if !ok {
		return 0
	}
	return st.available(family)
}

// List returns frozen, secret-redacted copies of every key.
func (p *Pool) List() []Key {
	var out []Key
	for _, service := range llm.AllServices {
		if st, ok := p.stores[service]; ok {
			out = append(out, st.list()...)
		}
	}
	return out
}

// AnyUnchecked reports whether any enabled key still awaits its first probe.
func (p *Pool) AnyUnchecked() bool {
	for _, st := range p.stores {
		if st.anyUnchecked() {
			return true
		}
	}
	return false
}

// Recheck zeroes the probe clock on a service so its checker revisits every
// key.
func (p *Pool) Recheck(service llm.Service) {
	if st, ok := p.stores[service]; ok {
		st.recheck()
	}
}

// storeFor routes a key hash back to its store. Hashes are prefixed with the
// service name; the service itself may contain dashes, so match on the last
// separator.
func (p *Pool) storeFor(hash string) *store {
	i := strings.LastIndexByte(hash, '-')
	if i <= 0 {
		return nil
	}
	return p.stores[llm.Service(hash[:i])]
}
