package token

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"claude-relay-go/internal/constants"
	"claude-relay-go/internal/storage"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// serviceAccountCache mints and caches short-lived access tokens for
// service-account credentials via the OAuth JWT-bearer grant. Tokens are
// reused until they get within the safety margin of expiry.
type serviceAccountCache struct {
	client *http.Client

	mu     sync.Mutex
	tokens map[string]*cachedToken

	now func() time.Time
}

type cachedToken struct {
	token   string
	expires time.Time
}

func newServiceAccountCache(client *http.Client) *serviceAccountCache {
	return &serviceAccountCache{
		client: client,
		tokens: make(map[string]*cachedToken),
		now:    time.Now,
	}
}

// token returns a valid access token for the credential, minting one through
// the RS256-signed JWT-bearer exchange when the cached copy is missing or
// inside the safety margin.
func (c *serviceAccountCache) token(ctx context.Context, cred *storage.Credential) (string, error) {
	c.mu.Lock()
	cached, ok := c.tokens[cred.ID]
	if ok && c.now().Add(constants.ServiceAccountTokenMargin).Before(cached.expires) {
		tok := cached.token
		c.mu.Unlock()
		return tok, nil
	}
	c.mu.Unlock()

	cfg, err := google.JWTConfigFromJSON([]byte(cred.AccessSecret), cloudPlatformScope)
	if err != nil {
		return "", fmt.Errorf("parse service account for %s: %w", cred.ID, err)
	}
	if c.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.client)
	}
	tok, err := cfg.TokenSource(ctx).Token()
	if err != nil {
		return "", fmt.Errorf("mint service-account token for %s: %w", cred.ID, err)
	}

	c.mu.Lock()
	c.tokens[cred.ID] = &cachedToken{token: tok.AccessToken, expires: tok.Expiry}
	c.mu.Unlock()
	return tok.AccessToken, nil
}

func (c *serviceAccountCache) invalidate(credID string) {
	c.mu.Lock()
	delete(c.tokens, credID)
	c.mu.Unlock()
}

// ServiceAccountProject extracts the GCP project id from a service-account
// JSON blob. Vertex request URLs embed it.
func ServiceAccountProject(secret string) (string, error) {
	var sa struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal([]byte(secret), &sa); err != nil {
		return "", fmt.Errorf("parse service account: %w", err)
	}
	if sa.ProjectID == "" {
		return "", fmt.Errorf("service account carries no project_id")
	}
	return sa.ProjectID, nil
}
