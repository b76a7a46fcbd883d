package llm

import "testing"

func TestFamilyOf(t *testing.T) {
	tests := []struct {
		model   string
		service Service
		want    ModelFamily
		ok      bool
	}{
		{"gpt-3.5-turbo", OpenAI, Turbo, true},
		{"gpt-3.5-turbo-0125", OpenAI, Turbo, true},
		{"gpt-3.5-turbo-instruct", OpenAI, Turbo, true},
		{"text-davinci-003", OpenAI, Turbo, true},
		{"gpt-4", OpenAI, GPT4, true},
		{"gpt-4-0613", OpenAI, GPT4, true},
		{"gpt-4-32k", OpenAI, GPT432K, true},
		{"gpt-4-32k-0613", OpenAI, GPT432K, true},
		{"gpt-4-turbo", OpenAI, GPT4Turbo, true},
		{"gpt-4-turbo-preview", OpenAI, GPT4Turbo, true},
		{"gpt-4-1106-preview", OpenAI, GPT4Turbo, true},
		{"gpt-4-0125-preview", OpenAI, GPT4Turbo, true},
		{"dall-e-3", OpenAI, DallE, true},
		{"claude-2.1", Anthropic, Claude, true},
		{"claude-3-opus-20240229", Anthropic, Claude, true},
		{"claude-3-sonnet-20240229", AWS, AWSClaude, true},
		{"anthropic.claude-v2:1", AWS, AWSClaude, true},
		{"claude-3-haiku@20240307", GCP, GCPClaude, true},
		{"claude-3-sonnet-20240229", GCP, GCPClaude, true},
		{"gemini-pro", GoogleAI, GeminiPro, true},
		{"gemini-1.5-pro-latest", GoogleAI, GeminiPro, true},
		{"mistral-tiny", MistralAI, MistralTiny, true},
		{"open-mistral-7b", MistralAI, MistralTiny, true},
		{"open-mixtral-8x7b", MistralAI, MistralSmall, true},
		{"mistral-medium-latest", MistralAI, MistralMedium, true},
		{"gpt-4", Azure, AzureGPT4, true},
		{"azure-gpt-4-turbo", Azure, AzureGPT4Turbo, true},
		{"gpt-3.5-turbo", Azure, AzureTurbo, true},
		{"llama-70b", OpenAI, "", false},
		{"dall-e-3", Azure, "", false},
	}
	for _, tt := range tests {
		got, ok := FamilyOf(tt.model, tt.service)
		if ok != tt.ok || got != tt.want {
			t.Errorf("FamilyOf(%q, %q) = (%q, %v), want (%q, %v)",
				tt.model, tt.service, got, ok, tt.want, tt.ok)
		}
	}
}

func TestFamilyService(t *testing.T) {
	for _, f := range AllFamilies {
		if !f.Service().Valid() {
			t.Errorf("family %q maps to invalid service %q", f, f.Service())
		}
	}
	if GPT4.Service() != OpenAI {
		t.Errorf("gpt4 service = %q, want openai", GPT4.Service())
	}
	if AWSClaude.Service() != AWS {
		t.Errorf("aws-claude service = %q, want aws", AWSClaude.Service())
	}
}

func TestContextWindow(t *testing.T) {
	tests := []struct {
		model string
		want  int
	}{
		{"gpt-3.5-turbo", 4096},
		{"gpt-3.5-turbo-16k", 16384},
		{"gpt-4", 8192},
		{"gpt-4-32k-0613", 32768},
		{"gpt-4-turbo-preview", 131072},
		{"claude-2", 100000},
		{"claude-2.1", 200000},
		{"claude-3-opus-20240229", 200000},
		{"anthropic.claude-v2:1", 200000},
		{"gemini-pro", 32768},
		{"azure-gpt-4", 8192},
		{"totally-unknown", 4096},
	}
	for _, tt := range tests {
		if got := ContextWindow(tt.model); got != tt.want {
			t.Errorf("ContextWindow(%q) = %d, want %d", tt.model, got, tt.want)
		}
	}
}

func TestVendorIDs(t *testing.T) {
	if got := AWSVendorID("claude-3-sonnet-20240229"); got != "anthropic.claude-3-sonnet-20240229-v1:0" {
		t.Errorf("AWSVendorID sonnet = %q", got)
	}
	if got := AWSVendorID("claude-1.3"); got != "anthropic.claude-v2" {
		t.Errorf("AWSVendorID fallback = %q", got)
	}
	if got := AWSVendorID("anthropic.claude-v2:1"); got != "anthropic.claude-v2:1" {
		t.Errorf("AWSVendorID passthrough = %q", got)
	}
	if got := GCPVendorID("claude-3-haiku-20240307"); got != "claude-3-haiku@20240307" {
		t.Errorf("GCPVendorID haiku = %q", got)
	}
	if got := GCPVendorID("claude-3-sonnet@20240229"); got != "claude-3-sonnet@20240229" {
		t.Errorf("GCPVendorID passthrough = %q", got)
	}
}

func TestServiceFamilies(t *testing.T) {
	got := ServiceFamilies(OpenAI)
	want := []ModelFamily{Turbo, GPT4, GPT432K, GPT4Turbo, DallE}
	if len(got) != len(want) {
		t.Fatalf("ServiceFamilies(openai) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ServiceFamilies(openai) = %v, want %v", got, want)
		}
	}
}
