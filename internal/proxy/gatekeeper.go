package proxy

import (
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/config"
	"github.com/nulpointcorp/llm-relay/internal/user"
	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

// gatekeeper authenticates relay routes according to the configured mode.
//
//   - none:       everyone passes; callers are identified by IP, or by a
//     verified risu token when they present one.
//   - proxy_key:  callers must present the single shared key.
//   - user_token: callers must present a token issued by the user store.
//
// On success the caller's identity lands in the request context for the
// queue, the rate limiter and usage accounting.
func (s *Server) gatekeeper(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		token := clientKey(ctx)

		switch s.cfg.Gatekeeper.Mode {
		case config.GateProxyKey:
			if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Gatekeeper.ProxyKey)) != 1 {
				apierr.Write(ctx, apierr.Unauthorized())
				return
			}
			s.adoptRisuToken(ctx)

		case config.GateUserToken:
			if s.users == nil {
				apierr.Write(ctx, apierr.Internal(errUserStoreMissing, false))
				return
			}
			u, err := s.users.Authenticate(token, userValueString(ctx, ctxClientIP))
			switch {
			case errors.Is(err, user.ErrNotFound):
				apierr.Write(ctx, apierr.Unauthorized())
				return
			case errors.Is(err, user.ErrDisabled):
				apierr.Write(ctx, apierr.Forbidden("this token has been disabled"))
				return
			case errors.Is(err, user.ErrIPLimit):
				apierr.Write(ctx, apierr.Forbidden("this token is in use from too many IP addresses"))
				return
			case err != nil:
				apierr.Write(ctx, apierr.Unauthorized())
				return
			}
			ctx.SetUserValue(ctxUserToken, u.Token)

		default: // GateNone
			s.adoptRisuToken(ctx)
		}
		next(ctx)
	}
}

var errUserStoreMissing = errors.New("proxy: gatekeeper mode user_token without a user store")

// adoptRisuToken records a verified x-risu-tk header as the caller's
// identity. Unverifiable tokens are ignored and the caller stays an IP.
func (s *Server) adoptRisuToken(ctx *fasthttp.RequestCtx) {
	tk := string(ctx.Request.Header.Peek("x-risu-tk"))
	if tk == "" {
		return
	}
	if s.risu.verify(ctx, tk) {
		ctx.SetUserValue(ctxRisuToken, tk)
	}
}

// clientKey extracts the caller's credential: a Bearer Authorization header,
// or the x-api-key header Anthropic-style clients send.
func clientKey(ctx *fasthttp.RequestCtx) string {
	auth := string(ctx.Request.Header.Peek("Authorization"))
	if k, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(k)
	}
	return string(ctx.Request.Header.Peek("x-api-key"))
}
