// Package ghapp creates GitHub App installation tokens used to fetch
// repositories from github.com.
package ghapp

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/utilitywarehouse/mirror-sync/internal/lock"
)

const defaultAPIURL = "https://api.github.com"

// App identifies a GitHub App installation
type App struct {
	// The application id or the client ID of the Github app
	ID string
	// The installation id of the app (in the organization)
	InstallationID string
	// path to the github app private key
	PrivateKeyPath string
}

// Token is an installation access token
type Token struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type tokenRequest struct {
	Repositories []string          `json:"repositories"`
	Permissions  map[string]string `json:"permissions"`
}

// Tokens hands out read-only tokens per repository and caches them until
// shortly before they expire.
type Tokens struct {
	App    App
	APIURL string
	Client *http.Client

	lock  lock.Mutex
	cache map[string]Token
}

// Token returns a valid token with 'contents: read' permission on repo. repo
// is the repository name without the owner and '.git' suffix.
func (t *Tokens) Token(ctx context.Context, repo string) (string, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	// return token if current token is valid for next 10 min
	if tok, ok := t.cache[repo]; ok && tok.ExpiresAt.After(time.Now().UTC().Add(10*time.Minute)) {
		return tok.Token, nil
	}

	tok, err := t.installationToken(ctx, tokenRequest{
		Repositories: []string{repo},
		Permissions:  map[string]string{"contents": "read"},
	})
	if err != nil {
		return "", err
	}

	if t.cache == nil {
		t.cache = make(map[string]Token)
	}
	t.cache[repo] = *tok
	return tok.Token, nil
}

func (t *Tokens) installationToken(ctx context.Context, reqPerms tokenRequest) (*Token, error) {
	jwtToken, err := t.signedJWT()
	if err != nil {
		return nil, err
	}

	reqBody, err := json.Marshal(reqPerms)
	if err != nil {
		return nil, err
	}

	apiURL := t.APIURL
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	url := fmt.Sprintf("%s/app/installations/%s/access_tokens", apiURL, t.App.InstallationID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+jwtToken)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		errMessage, err := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("GitHub app token response status %d, body:%q err:%w", resp.StatusCode, errMessage, err)
	}

	var tok Token
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

func (t *Tokens) signedJWT() (string, error) {
	privatePEMData, err := os.ReadFile(t.App.PrivateKeyPath)
	if err != nil {
		return "", err
	}

	block, _ := pem.Decode(privatePEMData)
	if block == nil || block.Type != "RSA PRIVATE KEY" {
		return "", fmt.Errorf("failed to decode PEM block containing private key")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return "", err
	}

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: privateKey}, nil)
	if err != nil {
		return "", err
	}

	cl := jwt.Claims{
		Issuer: t.App.ID,
		// issued at time, 60 seconds in the past to allow for clock drift
		IssuedAt: jwt.NewNumericDate(time.Now().Add(-60 * time.Second)),
		// JWT expiration time (10 minute maximum)
		Expiry: jwt.NewNumericDate(time.Now().Add(10 * time.Minute)),
	}

	return jwt.Signed(signer).Claims(cl).Serialize()
}
