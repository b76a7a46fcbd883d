package llm

import (
	"regexp"
	"strings"
)

// familyPatterns resolves a model name to its family. Order matters: more
// specific patterns must come before the catch-alls (gpt-4-32k before gpt-4,
// turbo-preview snapshots before plain gpt-4).
var familyPatterns = []struct {
	re     *regexp.Regexp
	family ModelFamily
}{
	{regexp.MustCompile(`^gpt-4-turbo(-\d{4}-\d{2}-\d{2}|-preview)?$`), GPT4Turbo},
	{regexp.MustCompile(`^gpt-4-(0125|1106)(-preview)?$`), GPT4Turbo},
	{regexp.MustCompile(`^gpt-4(-\d{4})?-32k`), GPT432K},
	{regexp.MustCompile(`^gpt-4`), GPT4},
	{regexp.MustCompile(`^gpt-3\.5-turbo`), Turbo},
	{regexp.MustCompile(`^text-(davinci|curie|babbage|ada)-\d{3}$`), Turbo},
	{regexp.MustCompile(`^dall-e`), DallE},
	{regexp.MustCompile(`^anthropic\.claude`), AWSClaude},
	{regexp.MustCompile(`^claude-3-\w+@\d{8}$`), GCPClaude},
	{regexp.MustCompile(`^claude`), Claude},
	{regexp.MustCompile(`^gemini`), GeminiPro},
	{regexp.MustCompile(`^mistral-tiny|^open-mistral-7b`), MistralTiny},
	{regexp.MustCompile(`^mistral-small|^open-mixtral-8x7b`), MistralSmall},
	{regexp.MustCompile(`^mistral-medium`), MistralMedium},
}

// FamilyOf resolves a model name to its family for the given target service.
// Azure shares OpenAI model names, so its families are derived by resolving
// the OpenAI family and re-homing it; AWS and GCP model IDs carry their own
// vendor prefixes and match directly.
func FamilyOf(model string, service Service) (ModelFamily, bool) {
	model = strings.TrimPrefix(model, "azure-")
	if service == Azure {
		base, ok := resolve(model)
		if !ok || base.Service() != OpenAI || base == DallE {
			return "", false
		}
		return ModelFamily("azure-" + string(base)), true
	}
	f, ok := resolve(model)
	if !ok {
		return "", false
	}
	// A bare claude model name on an AWS or GCP endpoint is served by that
	// service's keys even before vendor-ID reassignment.
	if f == Claude && service == AWS {
		return AWSClaude, true
	}
	if f == Claude && service == GCP {
		return GCPClaude, true
	}
	return f, ok
}

func resolve(model string) (ModelFamily, bool) {
	for _, p := range familyPatterns {
		if p.re.MatchString(model) {
			return p.family, true
		}
	}
	return "", false
}

// contextWindows maps model-name prefixes to the model's maximum context in
// tokens. Longest prefix wins. Unknown models get a conservative default.
var contextWindows = []struct {
	prefix string
	tokens int
}{
	{"gpt-3.5-turbo-16k", 16384},
	{"gpt-3.5-turbo-1106", 16384},
	{"gpt-3.5-turbo-0125", 16384},
	{"gpt-3.5-turbo", 4096},
	{"text-davinci-", 4096},
	{"gpt-4-32k", 32768},
	{"gpt-4-turbo", 131072},
	{"gpt-4-1106", 131072},
	{"gpt-4-0125", 131072},
	{"gpt-4", 8192},
	{"claude-3", 200000},
	{"claude-2.1", 200000},
	{"claude-2", 100000},
	{"claude-v1-100k", 100000},
	{"claude", 100000},
	{"anthropic.claude-3", 200000},
	{"anthropic.claude-v2:1", 200000},
	{"anthropic.claude", 100000},
	{"gemini", 32768},
	{"mistral-tiny", 32768},
	{"open-mistral-7b", 32768},
	{"mistral-small", 32768},
	{"open-mixtral-8x7b", 32768},
	{"mistral-medium", 32768},
}

const defaultContextWindow = 4096

// ContextWindow returns the native context limit of a model in tokens.
func ContextWindow(model string) int {
	model = strings.TrimPrefix(model, "azure-")
	best, bestLen := defaultContextWindow, 0
	for _, w := range contextWindows {
		if strings.HasPrefix(model, w.prefix) && len(w.prefix) > bestLen {
			best, bestLen = w.tokens, len(w.prefix)
		}
	}
	return best
}

// IsClaudeModel reports whether model is a Claude variant on any service.
// Claude degrades silently instead of erroring when the context overflows,
// so the context validator applies a safety factor to these.
func IsClaudeModel(model string) bool {
	return strings.HasPrefix(model, "claude") ||
		strings.HasPrefix(model, "anthropic.claude") ||
		strings.HasPrefix(model, "azure-claude")
}

// knownModels lists the model IDs advertised by GET /v1/models per family.
// These are synthetic lists: the relay reports what its key pool can serve,
// not what any single upstream account sees.
var knownModels = map[ModelFamily][]string{
	Turbo: {
		"gpt-3.5-turbo",
		"gpt-3.5-turbo-0125",
		"gpt-3.5-turbo-1106",
		"gpt-3.5-turbo-16k",
		"gpt-3.5-turbo-instruct",
	},
	GPT4:    {"gpt-4", "gpt-4-0613"},
	GPT432K: {"gpt-4-32k", "gpt-4-32k-0613"},
	GPT4Turbo: {
		"gpt-4-turbo",
		"gpt-4-turbo-preview",
		"gpt-4-1106-preview",
		"gpt-4-0125-preview",
	},
	DallE: {"dall-e-2", "dall-e-3"},
	Claude: {
		"claude-v1",
		"claude-2",
		"claude-2.1",
		"claude-3-haiku-20240307",
		"claude-3-sonnet-20240229",
		"claude-3-opus-20240229",
	},
	GeminiPro: {"gemini-pro", "gemini-1.0-pro", "gemini-1.5-pro-latest"},
	MistralTiny: {
		"mistral-tiny",
		"open-mistral-7b",
	},
	MistralSmall: {
		"mistral-small",
		"mistral-small-latest",
		"open-mixtral-8x7b",
	},
	MistralMedium: {"mistral-medium", "mistral-medium-latest"},
	AWSClaude: {
		"anthropic.claude-v2",
		"anthropic.claude-v2:1",
		"anthropic.claude-3-sonnet-20240229-v1:0",
		"anthropic.claude-3-haiku-20240307-v1:0",
	},
	GCPClaude: {
		"claude-3-sonnet@20240229",
		"claude-3-haiku@20240307",
	},
	AzureTurbo:     {"azure-gpt-3.5-turbo"},
	AzureGPT4:      {"azure-gpt-4"},
	AzureGPT432K:   {"azure-gpt-4-32k"},
	AzureGPT4Turbo: {"azure-gpt-4-turbo"},
}

// KnownModels returns the advertised model IDs for a family.
func KnownModels(f ModelFamily) []string {
	return knownModels[f]
}

// AWSVendorID maps a bare claude model name to its Bedrock model ID.
// Unknown claude names fall back to claude v2, the broadest-enabled variant.
func AWSVendorID(model string) string {
	if strings.HasPrefix(model, "anthropic.") {
		return model
	}
	switch {
	case strings.HasPrefix(model, "claude-3-opus"):
		return "anthropic.claude-3-opus-20240229-v1:0"
	case strings.HasPrefix(model, "claude-3-sonnet"):
		return "anthropic.claude-3-sonnet-20240229-v1:0"
	case strings.HasPrefix(model, "claude-3-haiku"):
		return "anthropic.claude-3-haiku-20240307-v1:0"
	case strings.HasPrefix(model, "claude-2.1"):
		return "anthropic.claude-v2:1"
	case strings.HasPrefix(model, "claude-2"):
		return "anthropic.claude-v2"
	case strings.HasPrefix(model, "claude-instant"):
		return "anthropic.claude-instant-v1"
	default:
		return "anthropic.claude-v2"
	}
}

// GCPVendorID maps a bare claude model name to its Vertex AI model ID.
func GCPVendorID(model string) string {
	if strings.Contains(model, "@") {
		return model
	}
	switch {
	case strings.HasPrefix(model, "claude-3-opus"):
		return "claude-3-opus@20240229"
	case strings.HasPrefix(model, "claude-3-haiku"):
		return "claude-3-haiku@20240307"
	default:
		return "claude-3-sonnet@20240229"
	}
}
