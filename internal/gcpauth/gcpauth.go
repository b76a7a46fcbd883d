// Package gcpauth mints OAuth2 access tokens for GCP service accounts via
// the RS256 JWT bearer grant, with per-account caching. Both the request
// pipeline (Vertex signing) and the key checker depend on it; neither should
// pay a token round-trip on every call.
package gcpauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenURL = "https://oauth2.googleapis.com/token"
	cloudScope      = "https://www.googleapis.com/auth/cloud-platform"
	grantType       = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	// expirySlack renews tokens a minute early so signed requests never
	// carry a token that dies in flight.
	expirySlack = time.Minute
)

// Minter exchanges service-account JWTs for access tokens.
type Minter struct {
	tokenURL string
	client   *http.Client

	mu    sync.Mutex
	cache map[string]cachedToken
}

type cachedToken struct {
	token   string
	expires time.Time
}

// New builds a Minter. An empty tokenURL uses the Google OAuth endpoint; the
// override exists for local mocks.
func New(tokenURL string) *Minter {
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}
	return &Minter{
		tokenURL: tokenURL,
		client:   &http.Client{Timeout: 30 * time.Second},
		cache:    make(map[string]cachedToken),
	}
}

// Token returns a valid access token for the service account, minting a new
// one when the cached token is missing or near expiry.
func (m *Minter) Token(ctx context.Context, clientEmail, privateKeyPEM string) (string, error) {
	m.mu.Lock()
	if cached, ok := m.cache[clientEmail]; ok && time.Now().Before(cached.expires) {
		m.mu.Unlock()
		return cached.token, nil
	}
	m.mu.Unlock()

	token, expires, err := m.mint(ctx, clientEmail, privateKeyPEM)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.cache[clientEmail] = cachedToken{token: token, expires: expires.Add(-expirySlack)}
	m.mu.Unlock()
	return token, nil
}

func (m *Minter) mint(ctx context.Context, clientEmail, privateKeyPEM string) (string, time.Time, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privateKeyPEM))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("gcpauth: parse private key: %w", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   clientEmail,
		"scope": cloudScope,
		"aud":   m.tokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("gcpauth: sign assertion: %w", err)
	}

	form := url.Values{
		"grant_type": {grantType},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("gcpauth: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("gcpauth: token exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", time.Time{}, fmt.Errorf(
			"gcpauth: token exchange failed: status %d: %s", resp.StatusCode, string(body))
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", time.Time{}, fmt.Errorf("gcpauth: decode token response: %w", err)
	}
	if out.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("gcpauth: token response carried no access_token")
	}
	return out.AccessToken, now.Add(time.Duration(out.ExpiresIn) * time.Second), nil
}

// Invalidate drops a cached token, forcing a fresh mint on next use. Called
// when an upstream rejects a token before its supposed expiry.
func (m *Minter) Invalidate(clientEmail string) {
	m.mu.Lock()
	delete(m.cache, clientEmail)
	m.mu.Unlock()
}
