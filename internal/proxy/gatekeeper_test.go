package proxy

import (
	"context"
	"testing"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/config"
	"github.com/nulpointcorp/llm-relay/internal/user"
)

// gateServer builds the minimal server a gatekeeper unit test needs.
func gateServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	s := &Server{cfg: cfg, log: testLogger(), risu: &risuVerifier{}}
	if cfg.Gatekeeper.Mode == config.GateUserToken {
		users, err := user.New(context.Background(), cfg, testLogger())
		if err != nil {
			t.Fatalf("user.New: %v", err)
		}
		s.users = users
	}
	return s
}

// runGate pushes one request through the gatekeeper and reports whether the
// inner handler ran.
func runGate(s *Server, ctx *fasthttp.RequestCtx) bool {
	passed := false
	s.gatekeeper(func(*fasthttp.RequestCtx) { passed = true })(ctx)
	return passed
}

func TestGatekeeper_NonePassesAnonymous(t *testing.T) {
	s := gateServer(t, testConfig())
	ctx := &fasthttp.RequestCtx{}
	if !runGate(s, ctx) {
		t.Errorf("anonymous request blocked in none mode, status %d", ctx.Response.StatusCode())
	}
}

func TestGatekeeper_ProxyKey(t *testing.T) {
	cfg := testConfig()
	cfg.Gatekeeper = config.GatekeeperConfig{Mode: config.GateProxyKey, ProxyKey: "hunter2"}
	s := gateServer(t, cfg)

	t.Run("bearer header", func(t *testing.T) {
		ctx := &fasthttp.RequestCtx{}
		ctx.Request.Header.Set("Authorization", "Bearer hunter2")
		if !runGate(s, ctx) {
			t.Error("correct key rejected")
		}
	})

	t.Run("x-api-key header", func(t *testing.T) {
		ctx := &fasthttp.RequestCtx{}
		ctx.Request.Header.Set("x-api-key", "hunter2")
		if !runGate(s, ctx) {
			t.Error("correct key via x-api-key rejected")
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		ctx := &fasthttp.RequestCtx{}
		ctx.Request.Header.Set("Authorization", "Bearer hunter3")
		if runGate(s, ctx) {
			t.Fatal("wrong key passed")
		}
		if ctx.Response.StatusCode() != 401 {
			t.Errorf("status = %d, want 401", ctx.Response.StatusCode())
		}
	})

	t.Run("missing key", func(t *testing.T) {
		ctx := &fasthttp.RequestCtx{}
		if runGate(s, ctx) {
			t.Fatal("anonymous request passed")
		}
		if ctx.Response.StatusCode() != 401 {
			t.Errorf("status = %d, want 401", ctx.Response.StatusCode())
		}
	})
}

func TestGatekeeper_UserToken(t *testing.T) {
	cfg := testConfig()
	cfg.Gatekeeper = config.GatekeeperConfig{Mode: config.GateUserToken, Store: "memory", MaxIPsPerUser: 1}
	s := gateServer(t, cfg)
	u := s.users.Create(user.TypeNormal)

	authedCtx := func(token, ip string) *fasthttp.RequestCtx {
		ctx := &fasthttp.RequestCtx{}
		ctx.Request.Header.Set("Authorization", "Bearer "+token)
		ctx.SetUserValue(ctxClientIP, ip)
		return ctx
	}

	t.Run("valid token", func(t *testing.T) {
		ctx := authedCtx(u.Token, "10.0.0.1")
		if !runGate(s, ctx) {
			t.Fatalf("valid token rejected, status %d", ctx.Response.StatusCode())
		}
		if got := userValueString(ctx, ctxUserToken); got != u.Token {
			t.Errorf("user_token value = %q, want the authenticated token", got)
		}
	})

	t.Run("unknown token", func(t *testing.T) {
		ctx := authedCtx("not-a-token", "10.0.0.1")
		if runGate(s, ctx) {
			t.Fatal("unknown token passed")
		}
		if ctx.Response.StatusCode() != 401 {
			t.Errorf("status = %d, want 401", ctx.Response.StatusCode())
		}
	})

	t.Run("ip limit", func(t *testing.T) {
		// The valid-token subtest used 10.0.0.1; a second address trips the
		// one-IP cap.
		ctx := authedCtx(u.Token, "10.0.0.2")
		if runGate(s, ctx) {
			t.Fatal("token passed from a second address")
		}
		if ctx.Response.StatusCode() != 403 {
			t.Errorf("status = %d, want 403", ctx.Response.StatusCode())
		}
	})

	t.Run("disabled token", func(t *testing.T) {
		u2 := s.users.Create(user.TypeNormal)
		s.users.Disable(u2.Token, "test")
		ctx := authedCtx(u2.Token, "10.0.0.3")
		if runGate(s, ctx) {
			t.Fatal("disabled token passed")
		}
		if ctx.Response.StatusCode() != 403 {
			t.Errorf("status = %d, want 403", ctx.Response.StatusCode())
		}
	})
}

func TestGatekeeper_UserTokenWithoutStore(t *testing.T) {
	cfg := testConfig()
	cfg.Gatekeeper.Mode = config.GateUserToken
	s := &Server{cfg: cfg, log: testLogger(), risu: &risuVerifier{}}

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("Authorization", "Bearer anything")
	if runGate(s, ctx) {
		t.Fatal("request passed without a user store")
	}
	if ctx.Response.StatusCode() != 500 {
		t.Errorf("status = %d, want 500 for the wiring bug", ctx.Response.StatusCode())
	}
}

func TestClientKey(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("Authorization", "Bearer  sk-padded ")
	if got := clientKey(ctx); got != "sk-padded" {
		t.Errorf("bearer key = %q, want trimmed", got)
	}

	ctx = &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("x-api-key", "sk-anthropic-style")
	if got := clientKey(ctx); got != "sk-anthropic-style" {
		t.Errorf("x-api-key = %q", got)
	}

	ctx = &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	if got := clientKey(ctx); got != "" {
		t.Errorf("non-bearer auth = %q, want empty", got)
	}
}
