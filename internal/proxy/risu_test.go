package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func risuEndpoint(t *testing.T, calls *atomic.Int32, respond func(w http.ResponseWriter, token string)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		var in struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Errorf("verify payload: %v", err)
		}
		respond(w, in.Token)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func risuFixture(t *testing.T, srv *httptest.Server) *risuVerifier {
	t.Helper()
	cfg := testConfig()
	cfg.RisuVerifyURL = srv.URL
	return newRisuVerifier(context.Background(), cfg, srv.Client(), nil, testLogger())
}

func TestRisuVerifier_NoEndpointMeansUnverified(t *testing.T) {
	v := &risuVerifier{}
	if v.verify(context.Background(), "some-token") {
		t.Error("token verified with no endpoint configured")
	}
}

func TestRisuVerifier_CachesAcceptedVerdict(t *testing.T) {
	var calls atomic.Int32
	srv := risuEndpoint(t, &calls, func(w http.ResponseWriter, token string) {
		if token != "tk-accept" {
			t.Errorf("token = %q", token)
		}
		json.NewEncoder(w).Encode(map[string]bool{"valid": true})
	})
	v := risuFixture(t, srv)

	for i := 0; i < 3; i++ {
		if !v.verify(context.Background(), "tk-accept") {
			t.Fatalf("verify %d rejected the token", i)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("endpoint called %d times, want 1", n)
	}
}

func TestRisuVerifier_CachesRejectedVerdict(t *testing.T) {
	var calls atomic.Int32
	srv := risuEndpoint(t, &calls, func(w http.ResponseWriter, token string) {
		json.NewEncoder(w).Encode(map[string]bool{"valid": false})
	})
	v := risuFixture(t, srv)

	for i := 0; i < 2; i++ {
		if v.verify(context.Background(), "tk-reject") {
			t.Fatalf("verify %d accepted a rejected token", i)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("endpoint called %d times, want 1", n)
	}
}

func TestRisuVerifier_ErrorStatusIsARejection(t *testing.T) {
	var calls atomic.Int32
	srv := risuEndpoint(t, &calls, func(w http.ResponseWriter, token string) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	v := risuFixture(t, srv)

	if v.verify(context.Background(), "tk-err") {
		t.Error("token accepted on endpoint error")
	}
	if v.verify(context.Background(), "tk-err") {
		t.Error("cached verdict accepted the token")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("endpoint called %d times, want 1", n)
	}
}

func TestRisuVerifier_UnreachableEndpointNotCached(t *testing.T) {
	var calls atomic.Int32
	live := risuEndpoint(t, &calls, func(w http.ResponseWriter, token string) {
		json.NewEncoder(w).Encode(map[string]bool{"valid": true})
	})

	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	cfg := testConfig()
	cfg.RisuVerifyURL = deadURL
	v := newRisuVerifier(context.Background(), cfg, live.Client(), nil, testLogger())

	if v.verify(context.Background(), "tk-flaky") {
		t.Error("token accepted while endpoint unreachable")
	}

	// The outage verdict must not stick: once the endpoint is back the same
	// token verifies on the next request.
	v.url = live.URL
	if !v.verify(context.Background(), "tk-flaky") {
		t.Error("token still rejected after endpoint recovered")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("live endpoint called %d times, want 1", n)
	}
}
