// Package broker implements the Credential Broker (spec §4.A): minting
// App JWTs and installation-scoped access tokens against the upstream
// platform, with a TTL cache and single-flight coalescing per installation.
package broker

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"golang.org/x/sync/singleflight"

	"github.com/kmanoj03/repopulse/internal/errs"
)

// AppJWTTTL is the lifetime of a self-issued App JWT (spec §4.A.1).
const AppJWTTTL = 10 * time.Minute

// InstallationTokenTTL bounds how long a cached installation token is
// reused before it is refreshed (spec §4.A.2: min(expiry-60s, 55min)).
const InstallationTokenTTL = 55 * time.Minute

// InstallationToken is a cached, installation-scoped platform credential.
type InstallationToken struct {
	Token     string
	ExpiresAt time.Time
}

func (t InstallationToken) expired() bool {
	return time.Now().After(t.ExpiresAt)
}

// Broker mints App JWTs and caches installation tokens, coalescing
// concurrent refreshes for the same installation id.
type Broker struct {
	appID      string
	privateKey *rsa.PrivateKey
	apiBaseURL string
	httpClient *http.Client

	mu    sync.Mutex
	cache map[int64]InstallationToken
	group singleflight.Group
}

// New creates a Broker. privateKeyPEM is the PKCS#1 or PKCS#8 RSA private
// key in PEM form backing the platform's GitHub App identity.
func New(appID string, privateKeyPEM []byte, apiBaseURL string) (*Broker, error) {
	key, err := parseRSAPrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing app private key: %w", err)
	}

	return &Broker{
		appID:      appID,
		privateKey: key,
		apiBaseURL: apiBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cache:      make(map[int64]InstallationToken),
	}, nil
}

func parseRSAPrivateKey(raw []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing PKCS8 key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return rsaKey, nil
}

// AppJWT mints a fresh App JWT. It is regenerated per call and never
// cached beyond the single outbound request that uses it.
func (b *Broker) AppJWT() (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: b.privateKey},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("creating signer: %w", err)
	}

	now := time.Now()
	claims := jwt.Claims{
		Issuer:    b.appID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-30 * time.Second)), // clock skew tolerance
		Expiry:    jwt.NewNumericDate(now.Add(AppJWTTTL)),
		NotBefore: jwt.NewNumericDate(now.Add(-30 * time.Second)),
	}

	token, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("signing app jwt: %w", err)
	}
	return token, nil
}

// InstallationToken returns a cached installation token, minting and
// caching a fresh one if absent or expired. Concurrent callers for the
// same installationID coalesce into a single outstanding refresh.
func (b *Broker) InstallationToken(ctx context.Context, installationID int64) (InstallationToken, error) {
	b.mu.Lock()
	if tok, ok := b.cache[installationID]; ok && !tok.expired() {
		b.mu.Unlock()
		return tok, nil
	}
	b.mu.Unlock()

	key := fmt.Sprintf("%d", installationID)
	v, err, _ := b.group.Do(key, func() (any, error) {
		// Re-check: another goroutine may have refreshed while we waited
		// to enter Do for this key (only the leader actually mints).
		b.mu.Lock()
		if tok, ok := b.cache[installationID]; ok && !tok.expired() {
			b.mu.Unlock()
			return tok, nil
		}
		b.mu.Unlock()

		tok, err := b.mintInstallationToken(ctx, installationID)
		if err != nil {
			return InstallationToken{}, err
		}

		b.mu.Lock()
		b.cache[installationID] = tok
		b.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return InstallationToken{}, err
	}
	return v.(InstallationToken), nil
}

func (b *Broker) mintInstallationToken(ctx context.Context, installationID int64) (InstallationToken, error) {
	appJWT, err := b.AppJWT()
	if err != nil {
		return InstallationToken{}, err
	}

	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", b.apiBaseURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return InstallationToken{}, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return InstallationToken{}, fmt.Errorf("minting installation token: %w: %w", errs.UpstreamTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return InstallationToken{}, fmt.Errorf("minting installation token: status %d: %w", resp.StatusCode, errs.UpstreamTransient)
	case resp.StatusCode >= 400:
		return InstallationToken{}, fmt.Errorf("minting installation token: status %d: %w", resp.StatusCode, errs.CredentialDenied)
	}

	var body struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := decodeJSON(resp, &body); err != nil {
		return InstallationToken{}, fmt.Errorf("decoding installation token response: %w", err)
	}

	ttl := InstallationTokenTTL
	if until := time.Until(body.ExpiresAt) - 60*time.Second; until < ttl {
		ttl = until
	}

	return InstallationToken{
		Token:     body.Token,
		ExpiresAt: time.Now().Add(ttl),
	}, nil
}
