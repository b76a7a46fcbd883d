package proxy

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/cache"
	"github.com/nulpointcorp/llm-relay/internal/config"
)

const (
	// risuVerdictTTL bounds how long a verdict is trusted before the token
	// is re-verified.
	risuVerdictTTL    = time.Hour
	risuVerifyTimeout = 5 * time.Second
	risuKeyPrefix     = "risu:verdict:"
)

// risuVerifier checks x-risu-tk tokens against the configured verification
// endpoint. Verdicts are cached so a token pays at most one round trip per
// TTL; with no endpoint configured every token is treated as unverified.
type risuVerifier struct {
	url      string
	client   *http.Client
	verdicts cache.Cache
	log      *slog.Logger
}

func newRisuVerifier(ctx context.Context, cfg *config.Config, client *http.Client, verdicts cache.Cache, log *slog.Logger) *risuVerifier {
	if verdicts == nil {
		verdicts = cache.NewMemoryCache(ctx)
	}
	return &risuVerifier{
		url:      cfg.RisuVerifyURL,
		client:   client,
		verdicts: verdicts,
		log:      log,
	}
}

func (v *risuVerifier) verify(ctx context.Context, tk string) bool {
	if v.url == "" {
		return false
	}
	// Tokens are signed blobs of arbitrary length; hash them into a fixed
	// cache key.
	sum := sha256.Sum256([]byte(tk))
	key := risuKeyPrefix + hex.EncodeToString(sum[:16])

	if b, ok := v.verdicts.Get(ctx, key); ok {
		return string(b) == "1"
	}
	valid, decided := v.check(ctx, tk)
	if decided {
		val := []byte("0")
		if valid {
			val = []byte("1")
		}
		_ = v.verdicts.Set(ctx, key, val, risuVerdictTTL)
	}
	return valid
}

// check calls the verification endpoint. decided is false when the endpoint
// could not be reached, in which case the verdict is not cached and the next
// request retries.
func (v *risuVerifier) check(ctx context.Context, tk string) (valid, decided bool) {
	payload, err := json.Marshal(map[string]string{"token": tk})
	if err != nil {
		return false, false
	}
	cctx, cancel := context.WithTimeout(ctx, risuVerifyTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodPost, v.url, bytes.NewReader(payload))
	if err != nil {
		v.log.Warn("risu verify url unusable", "url", v.url, "error", err)
		return false, false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		v.log.Warn("risu verify unreachable", "error", err)
		return false, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, true
	}
	var out struct {
		Valid bool `json:"valid"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<10)).Decode(&out); err != nil {
		return false, true
	}
	return out.Valid, true
}
