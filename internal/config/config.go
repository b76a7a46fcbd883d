// Package config loads and validates all runtime configuration for the relay.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Credential material is carried as the raw envelope strings documented on
// each field; splitting them into individual keys is the key pool's job.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/nulpointcorp/llm-relay/internal/llm"
)

// Gatekeeper modes.
const (
	GateNone      = "none"
	GateProxyKey  = "proxy_key"
	GateUserToken = "user_token"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 7860.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	LogLevel string

	// Keys holds the raw credential envelopes per upstream service.
	Keys KeysConfig

	// Gatekeeper controls client authentication.
	Gatekeeper GatekeeperConfig

	// Quota controls per-user token quotas.
	Quota QuotaConfig

	// Limits bounds prompt context and requested output sizes.
	Limits LimitsConfig

	// Queue controls dequeue ordering and the shared-IP allowances.
	Queue QueueConfig

	// RateLimit controls the per-identifier request window.
	RateLimit RateLimitConfig

	// CheckKeys enables the background key checkers. Disable only in
	// development; unchecked keys advertise every family of their service.
	CheckKeys bool

	// PromptLogging includes prompt text in event records. Requires an
	// events sink that is not plain stdout.
	PromptLogging bool

	// AllowedModelFamilies restricts which families the relay serves.
	// Empty means all.
	AllowedModelFamilies []llm.ModelFamily

	// AllowedVisionServices lists services that may receive image-bearing
	// prompts. Special users bypass this.
	AllowedVisionServices []llm.Service

	// BlockedOrigins rejects requests whose Origin or Referer contains any
	// of these substrings.
	BlockedOrigins []string

	// RisuVerifyURL is the endpoint x-risu-tk tokens are verified against.
	// Empty disables verification; unverified tokens are ignored.
	RisuVerifyURL string

	// Redis holds the connection URL for the user store backend and the
	// shared rate-limit window. Optional.
	Redis RedisConfig

	// Events configures the usage/event sink.
	Events EventsConfig

	// CORSOrigins is the list of allowed CORS origins. ["*"] allows any.
	CORSOrigins []string
}

// KeysConfig holds raw credential envelopes. Formats:
//
//	OpenAI/Anthropic/GoogleAI/MistralAI — comma-separated bare API keys
//	AWS   — comma-separated accessKey:secretKey:region triples
//	Azure — comma-separated resourceName:deploymentId:apiKey triples
//	GCP   — comma-separated <base64 service-account JSON>:<region>
//
// The BaseURL overrides exist for local mocks and tests.
type KeysConfig struct {
	OpenAI    string
	Anthropic string
	GoogleAI  string
	MistralAI string
	AWS       string
	Azure     string
	GCP       string

	OpenAIBaseURL    string
	AnthropicBaseURL string
	GoogleAIBaseURL  string
	MistralAIBaseURL string
	AWSBaseURL       string
	AzureBaseURL     string
	GCPBaseURL       string
}

// GatekeeperConfig controls who may talk to the relay.
type GatekeeperConfig struct {
	// Mode is one of none, proxy_key, user_token.
	Mode string

	// ProxyKey is the shared secret required when Mode is proxy_key.
	ProxyKey string

	// Store selects the user-store backend: memory or redis.
	Store string

	// MaxIPsPerUser caps distinct IPs per user token. 0 = unlimited.
	MaxIPsPerUser int

	// MaxIPsAutoBan disables a user outright when the IP cap is exceeded,
	// instead of just rejecting the new IP.
	MaxIPsAutoBan bool
}

// QuotaConfig controls per-user token quotas.
type QuotaConfig struct {
	// Tokens holds the default per-family quota applied to new users.
	// 0 = unlimited.
	Tokens map[llm.ModelFamily]int64

	// RefreshPeriod is "hourly", "daily", or a Go duration string.
	RefreshPeriod string
}

// LimitsConfig bounds request sizes. Zero values defer to the model's
// native context window.
type LimitsConfig struct {
	MaxContextTokensOpenAI    int
	MaxContextTokensAnthropic int
	MaxOutputTokensOpenAI     int
	MaxOutputTokensAnthropic  int
}

// QueueConfig controls the request queue.
type QueueConfig struct {
	// Mode is the dequeue strategy: fair (FIFO per partition) or random.
	Mode string

	// AgnaiIPs are shared aggregator addresses granted a wider concurrency
	// allowance since many end users sit behind them.
	AgnaiIPs []string
}

// RateLimitConfig controls the per-identifier sliding window on completion
// endpoints.
type RateLimitConfig struct {
	// RequestsPerMinute is the window size. 0 disables rate limiting.
	RequestsPerMinute int
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// EventsConfig configures the async usage/event logger.
type EventsConfig struct {
	// ClickHouseDSN enables the ClickHouse sink when non-empty,
	// e.g. "clickhouse://localhost:9000/relay". Otherwise events go to the
	// structured log.
	ClickHouseDSN string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 7860)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("GATEKEEPER", GateNone)
	v.SetDefault("GATEKEEPER_STORE", "memory")
	v.SetDefault("MAX_IPS_PER_USER", 0)
	v.SetDefault("MAX_IPS_AUTO_BAN", false)

	v.SetDefault("QUOTA_REFRESH_PERIOD", "daily")

	v.SetDefault("MAX_CONTEXT_TOKENS_OPENAI", 16384)
	v.SetDefault("MAX_CONTEXT_TOKENS_ANTHROPIC", 65536)
	v.SetDefault("MAX_OUTPUT_TOKENS_OPENAI", 1024)
	v.SetDefault("MAX_OUTPUT_TOKENS_ANTHROPIC", 1024)

	v.SetDefault("QUEUE_MODE", "fair")
	v.SetDefault("MODEL_RATE_LIMIT", 4)
	v.SetDefault("CHECK_KEYS", true)
	v.SetDefault("PROMPT_LOGGING", false)
	v.SetDefault("ALLOWED_VISION_SERVICES", "openai")
	v.SetDefault("CORS_ORIGINS", "*")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Keys: KeysConfig{
			OpenAI:    v.GetString("OPENAI_KEY"),
			Anthropic: v.GetString("ANTHROPIC_KEY"),
			GoogleAI:  v.GetString("GOOGLE_AI_KEY"),
			MistralAI: v.GetString("MISTRAL_AI_KEY"),
			AWS:       v.GetString("AWS_CREDENTIALS"),
			Azure:     v.GetString("AZURE_CREDENTIALS"),
			GCP:       v.GetString("GCP_CREDENTIALS"),

			OpenAIBaseURL:    v.GetString("OPENAI_BASE_URL"),
			AnthropicBaseURL: v.GetString("ANTHROPIC_BASE_URL"),
			GoogleAIBaseURL:  v.GetString("GOOGLE_AI_BASE_URL"),
			MistralAIBaseURL: v.GetString("MISTRAL_AI_BASE_URL"),
			AWSBaseURL:       v.GetString("AWS_BASE_URL"),
			AzureBaseURL:     v.GetString("AZURE_BASE_URL"),
			GCPBaseURL:       v.GetString("GCP_BASE_URL"),
		},

		Gatekeeper: GatekeeperConfig{
			Mode:          strings.ToLower(v.GetString("GATEKEEPER")),
			ProxyKey:      v.GetString("PROXY_KEY"),
			Store:         strings.ToLower(v.GetString("GATEKEEPER_STORE")),
			MaxIPsPerUser: v.GetInt("MAX_IPS_PER_USER"),
			MaxIPsAutoBan: v.GetBool("MAX_IPS_AUTO_BAN"),
		},

		Quota: QuotaConfig{
			Tokens:        readTokenQuotas(v),
			RefreshPeriod: strings.ToLower(v.GetString("QUOTA_REFRESH_PERIOD")),
		},

		Limits: LimitsConfig{
			MaxContextTokensOpenAI:    v.GetInt("MAX_CONTEXT_TOKENS_OPENAI"),
			MaxContextTokensAnthropic: v.GetInt("MAX_CONTEXT_TOKENS_ANTHROPIC"),
			MaxOutputTokensOpenAI:     v.GetInt("MAX_OUTPUT_TOKENS_OPENAI"),
			MaxOutputTokensAnthropic:  v.GetInt("MAX_OUTPUT_TOKENS_ANTHROPIC"),
		},

		Queue: QueueConfig{
			Mode:     strings.ToLower(v.GetString("QUEUE_MODE")),
			AgnaiIPs: splitCSV(v.GetString("AGNAI_IPS")),
		},

		RateLimit: RateLimitConfig{
			RequestsPerMinute: v.GetInt("MODEL_RATE_LIMIT"),
		},

		CheckKeys:     v.GetBool("CHECK_KEYS"),
		PromptLogging: v.GetBool("PROMPT_LOGGING"),

		BlockedOrigins: splitCSV(v.GetString("BLOCKED_ORIGINS")),

		RisuVerifyURL: v.GetString("RISU_VERIFY_URL"),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Events: EventsConfig{
			ClickHouseDSN: v.GetString("EVENTS_CLICKHOUSE_DSN"),
		},

		CORSOrigins: splitCSV(v.GetString("CORS_ORIGINS")),
	}

	for _, raw := range splitCSV(v.GetString("ALLOWED_MODEL_FAMILIES")) {
		f, ok := llm.ParseFamily(raw)
		if !ok {
			return nil, fmt.Errorf("config: unknown model family %q in ALLOWED_MODEL_FAMILIES", raw)
		}
		cfg.AllowedModelFamilies = append(cfg.AllowedModelFamilies, f)
	}
	for _, raw := range splitCSV(v.GetString("ALLOWED_VISION_SERVICES")) {
		s := llm.Service(raw)
		if !s.Valid() {
			return nil, fmt.Errorf("config: unknown service %q in ALLOWED_VISION_SERVICES", raw)
		}
		cfg.AllowedVisionServices = append(cfg.AllowedVisionServices, s)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// readTokenQuotas reads TOKEN_QUOTA_<FAMILY> for every known family, with the
// family name upper-cased and dashes mapped to underscores
// (gpt4-32k → TOKEN_QUOTA_GPT4_32K).
func readTokenQuotas(v *viper.Viper) map[llm.ModelFamily]int64 {
	quotas := make(map[llm.ModelFamily]int64, len(llm.AllFamilies))
	for _, f := range llm.AllFamilies {
		name := "TOKEN_QUOTA_" + strings.ToUpper(strings.ReplaceAll(string(f), "-", "_"))
		quotas[f] = v.GetInt64(name)
	}
	return quotas
}

// splitCSV splits a comma-separated list, trimming whitespace and dropping
// empty entries. Env vars carry lists this way.
func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.Gatekeeper.Mode {
	case GateNone, GateProxyKey, GateUserToken:
	default:
		return fmt.Errorf(
			"config: invalid GATEKEEPER %q; must be one of: none, proxy_key, user_token",
			c.Gatekeeper.Mode,
		)
	}
	if c.Gatekeeper.Mode == GateProxyKey && c.Gatekeeper.ProxyKey == "" {
		return fmt.Errorf("config: PROXY_KEY is required when GATEKEEPER=proxy_key")
	}

	switch c.Gatekeeper.Store {
	case "memory", "redis":
	default:
		return fmt.Errorf(
			"config: invalid GATEKEEPER_STORE %q; must be one of: memory, redis",
			c.Gatekeeper.Store,
		)
	}
	if c.Gatekeeper.Store == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when GATEKEEPER_STORE=redis; " +
				"set GATEKEEPER_STORE=memory for a single-process store",
		)
	}

	switch c.Queue.Mode {
	case "fair", "random":
	default:
		return fmt.Errorf("config: invalid QUEUE_MODE %q; must be fair or random", c.Queue.Mode)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("config: MODEL_RATE_LIMIT must be ≥ 0, got %d", c.RateLimit.RequestsPerMinute)
	}

	if _, err := c.Quota.RefreshInterval(); err != nil {
		return err
	}

	return nil
}

// RefreshInterval resolves the quota refresh period to a duration.
func (q QuotaConfig) RefreshInterval() (time.Duration, error) {
	switch q.RefreshPeriod {
	case "hourly":
		return time.Hour, nil
	case "daily":
		return 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(q.RefreshPeriod)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf(
			"config: invalid QUOTA_REFRESH_PERIOD %q; must be hourly, daily, or a positive duration",
			q.RefreshPeriod,
		)
	}
	return d, nil
}

// FamilyAllowed reports whether the relay serves a family under the current
// allow-list. An empty list allows everything.
func (c *Config) FamilyAllowed(f llm.ModelFamily) bool {
	if len(c.AllowedModelFamilies) == 0 {
		return true
	}
	for _, allowed := range c.AllowedModelFamilies {
		if allowed == f {
			return true
		}
	}
	return false
}

// VisionAllowed reports whether image-bearing prompts may reach a service.
func (c *Config) VisionAllowed(s llm.Service) bool {
	for _, allowed := range c.AllowedVisionServices {
		if allowed == s {
			return true
		}
	}
	return false
}

// MaxContextTokens returns the proxy-configured context bound for a service.
// 0 means no proxy bound (model limit still applies).
func (c *Config) MaxContextTokens(s llm.Service) int {
	switch s {
	case llm.Anthropic, llm.AWS, llm.GCP:
		return c.Limits.MaxContextTokensAnthropic
	default:
		return c.Limits.MaxContextTokensOpenAI
	}
}

// MaxOutputTokens returns the proxy-configured output bound for a service.
func (c *Config) MaxOutputTokens(s llm.Service) int {
	switch s {
	case llm.Anthropic, llm.AWS, llm.GCP:
		return c.Limits.MaxOutputTokensAnthropic
	default:
		return c.Limits.MaxOutputTokensOpenAI
	}
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
