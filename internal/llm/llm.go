// Package llm defines the shared vocabulary of the relay: upstream services,
// model families, and client API dialects, plus the tables that map model
// names between them. Every other package speaks in these types.
package llm

// Service identifies an upstream credential/provider kind. Several services
// can serve the same API dialect (Claude over Anthropic, AWS, or GCP), so
// Service is deliberately distinct from APIFormat.
type Service string

const (
	OpenAI    Service = "openai"
	Anthropic Service = "anthropic"
	GoogleAI  Service = "google-ai"
	MistralAI Service = "mistral-ai"
	AWS       Service = "aws"
	GCP       Service = "gcp"
	Azure     Service = "azure"
)

// AllServices in stable order, used by config parsing and stats.
var AllServices = []Service{OpenAI, Anthropic, GoogleAI, MistralAI, AWS, GCP, Azure}

// Valid reports whether s is a known service.
func (s Service) Valid() bool {
	for _, known := range AllServices {
		if s == known {
			return true
		}
	}
	return false
}

// ModelFamily is a coarse grouping of model IDs that share pricing and
// rate-limit characteristics. The queue partitions by family; user quotas
// are tracked per family; keys advertise the families they can serve.
type ModelFamily string

const (
	Turbo          ModelFamily = "turbo"
	GPT4           ModelFamily = "gpt4"
	GPT432K        ModelFamily = "gpt4-32k"
	GPT4Turbo      ModelFamily = "gpt4-turbo"
	DallE          ModelFamily = "dall-e"
	Claude         ModelFamily = "claude"
	GeminiPro      ModelFamily = "gemini-pro"
	MistralTiny    ModelFamily = "mistral-tiny"
	MistralSmall   ModelFamily = "mistral-small"
	MistralMedium  ModelFamily = "mistral-medium"
	AWSClaude      ModelFamily = "aws-claude"
	GCPClaude      ModelFamily = "gcp-claude"
	AzureTurbo     ModelFamily = "azure-turbo"
	AzureGPT4      ModelFamily = "azure-gpt4"
	AzureGPT432K   ModelFamily = "azure-gpt4-32k"
	AzureGPT4Turbo ModelFamily = "azure-gpt4-turbo"
)

// AllFamilies in stable order.
var AllFamilies = []ModelFamily{
	Turbo, GPT4, GPT432K, GPT4Turbo, DallE,
	Claude, GeminiPro,
	MistralTiny, MistralSmall, MistralMedium,
	AWSClaude, GCPClaude,
	AzureTurbo, AzureGPT4, AzureGPT432K, AzureGPT4Turbo,
}

var familyService = map[ModelFamily]Service{
	Turbo:          OpenAI,
	GPT4:           OpenAI,
	GPT432K:        OpenAI,
	GPT4Turbo:      OpenAI,
	DallE:          OpenAI,
	Claude:         Anthropic,
	GeminiPro:      GoogleAI,
	MistralTiny:    MistralAI,
	MistralSmall:   MistralAI,
	MistralMedium:  MistralAI,
	AWSClaude:      AWS,
	GCPClaude:      GCP,
	AzureTurbo:     Azure,
	AzureGPT4:      Azure,
	AzureGPT432K:   Azure,
	AzureGPT4Turbo: Azure,
}

// Service returns the upstream service that serves this family.
func (f ModelFamily) Service() Service { return familyService[f] }

// Valid reports whether f is a known family.
func (f ModelFamily) Valid() bool {
	_, ok := familyService[f]
	return ok
}

// ParseFamily returns the family named by s, or false if unknown.
func ParseFamily(s string) (ModelFamily, bool) {
	f := ModelFamily(s)
	return f, f.Valid()
}

// ServiceFamilies returns the families served by s, in stable order.
func ServiceFamilies(s Service) []ModelFamily {
	var out []ModelFamily
	for _, f := range AllFamilies {
		if familyService[f] == s {
			out = append(out, f)
		}
	}
	return out
}

// APIFormat is a client-visible request/response dialect. Several formats
// can target several services (anthropic-chat is served by Anthropic, AWS,
// and GCP keys), which is why this is not the same enum as Service.
type APIFormat string

const (
	FormatOpenAI        APIFormat = "openai"
	FormatOpenAIText    APIFormat = "openai-text"
	FormatOpenAIImage   APIFormat = "openai-image"
	FormatAnthropicText APIFormat = "anthropic-text"
	FormatAnthropicChat APIFormat = "anthropic-chat"
	FormatGoogleAI      APIFormat = "google-ai"
	FormatMistralAI     APIFormat = "mistral-ai"
)

// Valid reports whether a is a known API format.
func (a APIFormat) Valid() bool {
	switch a {
	case FormatOpenAI, FormatOpenAIText, FormatOpenAIImage,
		FormatAnthropicText, FormatAnthropicChat,
		FormatGoogleAI, FormatMistralAI:
		return true
	}
	return false
}

// IsCompletion reports whether the format carries a text/chat completion
// request. Image generation is priced, not tokenized, and embeddings are
// passed through untransformed.
func (a APIFormat) IsCompletion() bool {
	return a != FormatOpenAIImage
}
