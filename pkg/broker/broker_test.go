package broker

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

func testPrivateKeyPEM(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating rsa key: %v", err)
	}
	der := x509.MarshalPKCS1PrivateKey(key)
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der})
}

func TestAppJWTIsValidRS256(t *testing.T) {
	b, err := New("app-123", testPrivateKeyPEM(t), "https://api.example.test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	token, err := b.AppJWT()
	if err != nil {
		t.Fatalf("AppJWT: %v", err)
	}

	tok, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.RS256})
	if err != nil {
		t.Fatalf("parsing issued jwt: %v", err)
	}

	var claims jwt.Claims
	if err := tok.Claims(&b.privateKey.PublicKey, &claims); err != nil {
		t.Fatalf("verifying jwt: %v", err)
	}

	if claims.Issuer != "app-123" {
		t.Errorf("expected issuer app-123, got %q", claims.Issuer)
	}

	expiry := claims.Expiry.Time()
	if expiry.Before(time.Now()) || expiry.After(time.Now().Add(AppJWTTTL+time.Minute)) {
		t.Errorf("expiry %v not within expected window", expiry)
	}
}

func TestInstallationTokenCachesUntilExpiry(t *testing.T) {
	var mintCount int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&mintCount, 1)
		json.NewEncoder(w).Encode(map[string]any{
			"token":      "tok-1",
			"expires_at": time.Now().Add(1 * time.Hour),
		})
	}))
	defer srv.Close()

	b, err := New("app-123", testPrivateKeyPEM(t), srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	tok1, err := b.InstallationToken(ctx, 42)
	if err != nil {
		t.Fatalf("InstallationToken: %v", err)
	}
	tok2, err := b.InstallationToken(ctx, 42)
	if err != nil {
		t.Fatalf("InstallationToken (cached): %v", err)
	}

	if tok1.Token != tok2.Token {
		t.Errorf("expected cached token to be reused, got %q then %q", tok1.Token, tok2.Token)
	}
	if atomic.LoadInt32(&mintCount) != 1 {
		t.Errorf("expected exactly 1 mint call, got %d", mintCount)
	}
}

func TestInstallationTokenSingleFlightCoalesces(t *testing.T) {
	var mintCount int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&mintCount, 1)
		time.Sleep(20 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]any{
			"token":      fmt.Sprintf("tok-%d", mintCount),
			"expires_at": time.Now().Add(1 * time.Hour),
		})
	}))
	defer srv.Close()

	b, err := New("app-123", testPrivateKeyPEM(t), srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	tokens := make([]string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := b.InstallationToken(ctx, 99)
			if err != nil {
				t.Errorf("InstallationToken: %v", err)
				return
			}
			tokens[i] = tok.Token
		}(i)
	}
	wg.Wait()

	if atomic.LoadInt32(&mintCount) != 1 {
		t.Errorf("expected concurrent callers to coalesce into 1 mint call, got %d", mintCount)
	}
	for _, tok := range tokens {
		if tok != tokens[0] {
			t.Errorf("expected all concurrent callers to receive the same token, got %v", tokens)
		}
	}
}

func TestInstallationTokenDeniedOn4xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	b, err := New("app-123", testPrivateKeyPEM(t), srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = b.InstallationToken(context.Background(), 1)
	if err == nil {
		t.Fatal("expected an error for a 401 response")
	}
}

func TestClientGetPR(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/app/installations/7/access_tokens":
			json.NewEncoder(w).Encode(map[string]any{"token": "tok", "expires_at": time.Now().Add(1 * time.Hour)})
		case "/repos/acme/widgets/pulls/7":
			json.NewEncoder(w).Encode(map[string]any{
				"title":    "Fix header parsing",
				"user":     map[string]string{"login": "alice"},
				"head":     map[string]string{"ref": "alice/fix"},
				"base":     map[string]string{"ref": "main"},
				"state":    "open",
				"merged":   false,
				"html_url": "https://example.test/acme/widgets/pull/7",
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	b, err := New("app-123", testPrivateKeyPEM(t), srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	client := NewClient(b, srv.URL)

	meta, err := client.GetPR(context.Background(), PRRef{InstallationID: 7, RepoFullName: "acme/widgets", Number: 7})
	if err != nil {
		t.Fatalf("GetPR: %v", err)
	}

	if meta.Title != "Fix header parsing" || meta.Author != "alice" || meta.State != "open" {
		t.Errorf("unexpected metadata: %+v", meta)
	}
}
