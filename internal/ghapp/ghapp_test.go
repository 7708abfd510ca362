package ghapp

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/go-cmp/cmp"
)

func mustWriteKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("unable to generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "app.pem")
	data := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("unable to write key: %v", err)
	}
	return key, path
}

func TestTokens_Token(t *testing.T) {
	key, keyPath := mustWriteKey(t)
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)

		if r.URL.Path != "/app/installations/42/access_tokens" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}

		tok, err := jwt.ParseSigned(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "), []jose.SignatureAlgorithm{jose.RS256})
		if err != nil {
			t.Errorf("unable to parse jwt: %v", err)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var claims jwt.Claims
		if err := tok.Claims(&key.PublicKey, &claims); err != nil {
			t.Errorf("invalid jwt signature: %v", err)
		}
		if claims.Issuer != "app-1" {
			t.Errorf("Issuer = %q, want app-1", claims.Issuer)
		}

		var req tokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("unable to decode request: %v", err)
		}
		want := tokenRequest{Repositories: []string{"repo"}, Permissions: map[string]string{"contents": "read"}}
		if diff := cmp.Diff(want, req); diff != "" {
			t.Errorf("token request mismatch (-want +got):\n%s", diff)
		}

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Token{Token: "ghs_test", ExpiresAt: time.Now().Add(time.Hour)})
	}))
	defer server.Close()

	tokens := &Tokens{
		App:    App{ID: "app-1", InstallationID: "42", PrivateKeyPath: keyPath},
		APIURL: server.URL,
	}

	for i := 0; i < 3; i++ {
		got, err := tokens.Token(context.TODO(), "repo")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != "ghs_test" {
			t.Errorf("Token() = %q, want ghs_test", got)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("expected token to be cached but api was called %d times", calls.Load())
	}
}

func TestTokens_badKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.pem")
	if err := os.WriteFile(path, []byte("not a key"), 0600); err != nil {
		t.Fatalf("unable to write key: %v", err)
	}
	tokens := &Tokens{App: App{ID: "1", InstallationID: "2", PrivateKeyPath: path}, APIURL: "http://127.0.0.1:0"}
	if _, err := tokens.Token(context.TODO(), "repo"); err == nil {
		t.Errorf("Token() expected error")
	}
}
