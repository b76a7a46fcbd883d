package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/nulpointcorp/llm-relay/internal/config"
	"github.com/nulpointcorp/llm-relay/internal/keypool"
	"github.com/nulpointcorp/llm-relay/internal/llm"
)

func listerFixture(t *testing.T, cfg *config.Config) (*modelLister, *keypool.Pool) {
	t.Helper()
	pool, err := keypool.New(cfg, testLogger())
	if err != nil {
		t.Fatalf("keypool.New: %v", err)
	}
	return newModelLister(context.Background(), cfg, pool), pool
}

func decodeModelList(t *testing.T, b []byte) modelList {
	t.Helper()
	var out modelList
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal %q: %v", b, err)
	}
	return out
}

func listingHas(l modelList, id string) bool {
	for _, e := range l.Data {
		if e.ID == id {
			return true
		}
	}
	return false
}

func TestModelLister_AdvertisesServedFamilies(t *testing.T) {
	cfg := testConfig()
	cfg.Keys = config.KeysConfig{OpenAI: "sk-models-1"}
	lister, _ := listerFixture(t, cfg)

	got := decodeModelList(t, lister.list(context.Background(), llm.OpenAI))
	if got.Object != "list" {
		t.Errorf("object = %q", got.Object)
	}
	for _, id := range []string{"gpt-3.5-turbo", "gpt-4", "gpt-4-turbo", "dall-e-3"} {
		if !listingHas(got, id) {
			t.Errorf("listing missing %s", id)
		}
	}
	for _, e := range got.Data {
		if e.Object != "model" || e.OwnedBy != "openai" {
			t.Errorf("entry %s = object %q owned_by %q", e.ID, e.Object, e.OwnedBy)
		}
	}
}

func TestModelLister_EmptyWithoutKeys(t *testing.T) {
	cfg := testConfig()
	cfg.Keys = config.KeysConfig{OpenAI: "sk-models-2"}
	lister, _ := listerFixture(t, cfg)

	// No Anthropic keys, so the Anthropic listing advertises nothing. The
	// data array still serializes as [], never null.
	raw := lister.list(context.Background(), llm.Anthropic)
	if !bytes.Contains(raw, []byte(`"data":[]`)) {
		t.Errorf("empty listing = %s", raw)
	}
}

func TestModelLister_HonorsFamilyAllowList(t *testing.T) {
	cfg := testConfig()
	cfg.Keys = config.KeysConfig{OpenAI: "sk-models-3"}
	cfg.AllowedModelFamilies = []llm.ModelFamily{llm.Turbo}
	lister, _ := listerFixture(t, cfg)

	got := decodeModelList(t, lister.list(context.Background(), llm.OpenAI))
	if !listingHas(got, "gpt-3.5-turbo") {
		t.Error("allowed turbo family missing")
	}
	if listingHas(got, "gpt-4") || listingHas(got, "dall-e-3") {
		t.Errorf("listing leaks disallowed families: %+v", got.Data)
	}
}

func TestModelLister_Memoizes(t *testing.T) {
	cfg := testConfig()
	cfg.Keys = config.KeysConfig{OpenAI: "sk-models-4"}
	lister, pool := listerFixture(t, cfg)

	first := lister.list(context.Background(), llm.OpenAI)

	// Losing the last key would empty a rebuilt listing, but the memoized
	// one keeps serving until its TTL runs out.
	pool.Disable(pool.List()[0].Hash, keypool.ReasonRevoked)
	second := lister.list(context.Background(), llm.OpenAI)
	if !bytes.Equal(first, second) {
		t.Error("listing rebuilt inside the TTL")
	}
	if raw := lister.build(llm.OpenAI); bytes.Contains(raw, []byte("gpt-4")) {
		t.Errorf("rebuilt listing still advertises a disabled pool: %s", raw)
	}
}

func TestRelay_ModelsEndpoint(t *testing.T) {
	cfg := testConfig()
	cfg.Keys = config.KeysConfig{OpenAI: "sk-models-5"}
	client := serveRelay(t, newRelay(t, cfg, nil))

	resp := doGet(t, client, "/proxy/openai/v1/models")
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	got := decodeModelList(t, readAll(t, resp))
	if !listingHas(got, "gpt-3.5-turbo") {
		t.Error("served listing missing gpt-3.5-turbo")
	}

	resp = doGet(t, client, "/proxy/frob/v1/models")
	if resp.StatusCode != 400 {
		t.Fatalf("unknown service status = %d", resp.StatusCode)
	}
	typ, _, msg := decodeAPIError(t, readAll(t, resp))
	if typ != "proxy_validation_error" || !containsStr(msg, "frob") {
		t.Errorf("unknown service error = %s %q", typ, msg)
	}
}
