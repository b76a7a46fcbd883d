package keypool

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nulpointcorp/llm-relay/internal/awssig"
	"github.com/nulpointcorp/llm-relay/internal/llm"
)

func TestOpenAIFamilies(t *testing.T) {
	tests := []struct {
		name string
		ids  []string
		want []llm.ModelFamily
		not  []llm.ModelFamily
	}{
		{
			name: "turbo only",
			ids:  []string{"gpt-3.5-turbo", "whisper-1"},
			want: []llm.ModelFamily{llm.Turbo},
			not:  []llm.ModelFamily{llm.GPT4, llm.GPT432K, llm.DallE},
		},
		{
			name: "gpt4 with 32k",
			ids:  []string{"gpt-4", "gpt-4-32k"},
			want: []llm.ModelFamily{llm.Turbo, llm.GPT4, llm.GPT432K},
			not:  []llm.ModelFamily{llm.GPT4Turbo},
		},
		{
			name: "gpt4 turbo snapshots",
			ids:  []string{"gpt-4-1106-preview"},
			want: []llm.ModelFamily{llm.GPT4Turbo, llm.GPT4},
		},
		{
			name: "dall-e",
			ids:  []string{"dall-e-3"},
			want: []llm.ModelFamily{llm.Turbo, llm.DallE},
		},
		{
			name: "empty listing still serves turbo",
			ids:  nil,
			want: []llm.ModelFamily{llm.Turbo},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fams := openaiFamilies(tt.ids)
			for _, f := range tt.want {
				if !fams[f] {
					t.Errorf("family %s missing", f)
				}
			}
			for _, f := range tt.not {
				if fams[f] {
					t.Errorf("family %s should not be set", f)
				}
			}
		})
	}
}

func TestTierFromLimit(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"5", "free"},
		{"50", "build_1"},
		{"1000", "build_2"},
		{"2000", "build_3"},
		{"4000", "build_4"},
		{"10000", "scale"},
		{"", ""},
		{"many", ""},
		{"0", ""},
	}
	for _, tt := range tests {
		if got := tierFromLimit(tt.in); got != tt.want {
			t.Errorf("tierFromLimit(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMistralProbe(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{"ok", http.StatusOK, nil},
		{"unauthorized", http.StatusUnauthorized, errProbeUnauthorized},
		{"forbidden", http.StatusForbidden, errProbeUnauthorized},
		{"throttled", http.StatusTooManyRequests, errProbeRateLimited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/v1/models" {
					t.Errorf("path = %s", r.URL.Path)
				}
				if got := r.Header.Get("Authorization"); got != "Bearer sk-mist" {
					t.Errorf("auth header = %q", got)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			p := newMistralProber(srv.URL)
			err := p.probe(context.Background(), Key{Secret: "sk-mist"})
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("probe: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("probe err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestMistralProbeGenericFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := newMistralProber(srv.URL).probe(context.Background(), Key{Secret: "sk"})
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, errProbeUnauthorized) || errors.Is(err, errProbeRateLimited) {
		t.Fatalf("502 misclassified: %v", err)
	}
}

func TestAzureProbe(t *testing.T) {
	key := Key{
		Secret: "azkey",
		Azure:  AzureState{ResourceName: "myres", DeploymentID: "gpt4-deploy"},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if want := "/openai/deployments/gpt4-deploy/chat/completions"; r.URL.Path != want {
			t.Errorf("path = %s, want %s", r.URL.Path, want)
		}
		if got := r.URL.Query().Get("api-version"); got != azureAPIVersion {
			t.Errorf("api-version = %q", got)
		}
		if got := r.Header.Get("Api-Key"); got != "azkey" {
			t.Errorf("api-key header = %q", got)
		}
		var body struct {
			MaxTokens int `json:"max_tokens"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.MaxTokens != 1 {
			t.Errorf("max_tokens = %d, want 1", body.MaxTokens)
		}
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	if err := newAzureProber(srv.URL).probe(context.Background(), key); err != nil {
		t.Fatalf("probe: %v", err)
	}
}

func TestAzureProbeClassification(t *testing.T) {
	tests := []struct {
		status  int
		wantErr error
	}{
		{http.StatusUnauthorized, errProbeUnauthorized},
		{http.StatusTooManyRequests, errProbeRateLimited},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		err := newAzureProber(srv.URL).probe(context.Background(), Key{Secret: "k"})
		srv.Close()
		if !errors.Is(err, tt.wantErr) {
			t.Errorf("status %d: err = %v, want %v", tt.status, err, tt.wantErr)
		}
	}
}

func TestAWSInvokeProbe(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		errType   string
		wantOK    bool
		wantErrIs error
	}{
		{"entitled", http.StatusOK, "", true, nil},
		{"validation complaint counts as entitled", http.StatusBadRequest, "ValidationException", true, nil},
		{"model not enabled", http.StatusForbidden, "AccessDeniedException", false, nil},
		{"revoked credential", http.StatusForbidden, "UnrecognizedClientException", false, errProbeUnauthorized},
		{"bad signature", http.StatusForbidden, "InvalidSignatureException", false, errProbeUnauthorized},
		{"throttled", http.StatusTooManyRequests, "ThrottlingException", false, errProbeRateLimited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if !strings.HasPrefix(r.URL.Path, "/model/") {
					t.Errorf("path = %s", r.URL.Path)
				}
				if r.Header.Get("Authorization") == "" {
					t.Error("request not signed")
				}
				if tt.errType != "" {
					w.Header().Set("x-amzn-errortype", tt.errType)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(`{}`))
			}))
			defer srv.Close()

			p := newAWSProber(srv.URL, nil)
			creds := credsForTest()
			ok, err := p.invokeProbe(context.Background(), creds, awsBaseModel, textProbeBody())
			if tt.wantErrIs != nil {
				if !errors.Is(err, tt.wantErrIs) {
					t.Fatalf("err = %v, want %v", err, tt.wantErrIs)
				}
				return
			}
			if ok != tt.wantOK {
				t.Errorf("ok = %v, want %v (err=%v)", ok, tt.wantOK, err)
			}
		})
	}
}

func TestAWSLoggingStatus(t *testing.T) {
	tests := []struct {
		name string
		body string
		want LoggingStatus
	}{
		{"text delivery on", `{"loggingConfig":{"textDataDeliveryEnabled":true}}`, LoggingEnabled},
		{"image delivery on", `{"loggingConfig":{"imageDataDeliveryEnabled":true}}`, LoggingEnabled},
		{"config present but off", `{"loggingConfig":{"textDataDeliveryEnabled":false}}`, LoggingDisabled},
		{"no config", `{"loggingConfig":null}`, LoggingDisabled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/logging/modelinvocations" {
					t.Errorf("path = %s", r.URL.Path)
				}
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			got := newAWSProber(srv.URL, nil).loggingStatus(context.Background(), credsForTest())
			if got != tt.want {
				t.Errorf("loggingStatus = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAWSLoggingStatusUnreadable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	if got := newAWSProber(srv.URL, nil).loggingStatus(context.Background(), credsForTest()); got != LoggingUnknown {
		t.Errorf("loggingStatus = %q, want unknown when the control plane is unreadable", got)
	}
}

func TestAnthropicCanary(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/complete" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("X-API-Key"); got != "sk-ant" {
			t.Errorf("x-api-key = %q", got)
		}
		calls++
		w.Header().Set("anthropic-ratelimit-requests-limit", "1000")
		switch calls {
		case 1:
			// First, unframed attempt is rejected with a framing complaint.
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":{"message":"prompt must start with \"\n\nHuman:\" turn"}}`))
		default:
			var body struct {
				Prompt string `json:"prompt"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			if !strings.HasPrefix(body.Prompt, "\n\nHuman: ") {
				t.Errorf("retry prompt not framed: %q", body.Prompt)
			}
			w.Write([]byte(`{"completion":" Please answer ethically and without bias."}`))
		}
	}))
	defer srv.Close()

	p := newAnthropicProber(srv.URL, nil)
	completion, tier, requiresPreamble, err := p.canary(context.Background(), "sk-ant")
	if err != nil {
		t.Fatalf("canary: %v", err)
	}
	if !requiresPreamble {
		t.Error("framing rejection did not set requiresPreamble")
	}
	if tier != "build_2" {
		t.Errorf("tier = %q, want build_2", tier)
	}
	if !strings.Contains(strings.ToLower(completion), pozzedMarker) {
		t.Errorf("completion %q should carry the injected-prompt marker", completion)
	}
	if calls != 2 {
		t.Errorf("canary made %d calls, want 2", calls)
	}
}

func TestAnthropicCanaryClean(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"completion":" ..."}`))
	}))
	defer srv.Close()

	p := newAnthropicProber(srv.URL, nil)
	completion, _, requiresPreamble, err := p.canary(context.Background(), "sk-ant")
	if err != nil {
		t.Fatalf("canary: %v", err)
	}
	if requiresPreamble {
		t.Error("clean key flagged as requiring a preamble")
	}
	if strings.Contains(strings.ToLower(completion), pozzedMarker) {
		t.Error("clean completion flagged as pozzed")
	}
}

func TestGCPProbe(t *testing.T) {
	_, pemStr := testRSAPEM(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/token":
			json.NewEncoder(w).Encode(map[string]any{
				"access_token": "ya29.tok", "expires_in": 3600,
			})
		case strings.HasSuffix(r.URL.Path, ":rawPredict"):
			if got := r.Header.Get("Authorization"); got != "Bearer ya29.tok" {
				t.Errorf("authorization = %q", got)
			}
			if !strings.Contains(r.URL.Path, "/projects/proj-1/locations/us-east5/") {
				t.Errorf("path = %s", r.URL.Path)
			}
			w.Write([]byte(`{"content":[]}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	key := Key{
		Secret: pemStr,
		GCP: GCPState{
			ProjectID:   "proj-1",
			ClientEmail: "svc@proj-1.iam.gserviceaccount.com",
			Region:      "us-east5",
		},
	}
	if err := newGCPProber(srv.URL).probe(context.Background(), key); err != nil {
		t.Fatalf("probe: %v", err)
	}
}

func TestGCPProbeBadKeyIsUnauthorized(t *testing.T) {
	key := Key{
		Secret: "not a pem",
		GCP:    GCPState{ClientEmail: "svc@proj.iam.gserviceaccount.com", Region: "us-east5"},
	}
	err := newGCPProber("http://127.0.0.1:0").probe(context.Background(), key)
	if !errors.Is(err, errProbeUnauthorized) {
		t.Fatalf("err = %v, want errProbeUnauthorized", err)
	}
}

func TestSplitBaseURLAndVersion(t *testing.T) {
	tests := []struct {
		in          string
		wantBase    string
		wantVersion string
	}{
		{"https://generativelanguage.googleapis.com/v1beta", "https://generativelanguage.googleapis.com/", "v1beta"},
		{"http://127.0.0.1:9000", "http://127.0.0.1:9000/", ""},
		{"http://127.0.0.1:9000/mock/v1", "http://127.0.0.1:9000/mock/", "v1"},
	}
	for _, tt := range tests {
		base, ver := splitBaseURLAndVersion(tt.in)
		if base != tt.wantBase || ver != tt.wantVersion {
			t.Errorf("splitBaseURLAndVersion(%q) = (%q, %q), want (%q, %q)",
				tt.in, base, ver, tt.wantBase, tt.wantVersion)
		}
	}
}

func TestGoogleProbe(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"ok", http.StatusOK, `{"models":[{"name":"models/gemini-2.0-flash"}]}`, nil},
		{"unauthorized", http.StatusUnauthorized,
			`{"error":{"code":401,"message":"Request had invalid authentication credentials.","status":"UNAUTHENTICATED"}}`,
			errProbeUnauthorized},
		// Google reports bad keys as 400 API_KEY_INVALID rather than 401.
		{"bad key", http.StatusBadRequest,
			`{"error":{"code":400,"message":"API key not valid. Please pass a valid API key.","status":"INVALID_ARGUMENT"}}`,
			errProbeUnauthorized},
		{"throttled", http.StatusTooManyRequests,
			`{"error":{"code":429,"message":"Resource has been exhausted","status":"RESOURCE_EXHAUSTED"}}`,
			errProbeRateLimited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if !strings.HasSuffix(r.URL.Path, "/models") {
					t.Errorf("path = %s", r.URL.Path)
				}
				if got := r.Header.Get("x-goog-api-key"); got != "AIza-test" {
					t.Errorf("api key header = %q", got)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			err := newGoogleProber(srv.URL).probe(context.Background(), Key{Secret: "AIza-test"})
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("probe: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("probe err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func credsForTest() awssig.Credentials {
	return awssig.Credentials{
		AccessKeyID: "AKIDEXAMPLE",
		SecretKey:   "secret",
		Region:      "us-east-1",
	}
}

func testRSAPEM(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	return key, string(pem.EncodeToMemory(block))
}
