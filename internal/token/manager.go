package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"claude-relay-go/internal/constants"
	"claude-relay-go/internal/monitoring"
	"claude-relay-go/internal/registry"
	"claude-relay-go/internal/storage"

	log "github.com/sirupsen/logrus"
)

// Auth methods a credential may carry. The method selects the refresh
// endpoint and request shape.
const (
	MethodSocial         = "social"
	MethodBuilderID      = "builder-id"
	MethodIdC            = "idc"
	MethodGoogle         = "google"
	MethodServiceAccount = "service-account"
	MethodOAuth          = "oauth"
	MethodAPIKey         = "api-key"
)

// Refresh endpoint templates. {region} is substituted per credential.
const (
	socialRefreshURLTemplate = "https://prod.%s.auth.desktop.kiro.dev/refreshToken"
	oidcTokenURLTemplate     = "https://oidc.%s.amazonaws.com/token"
	googleTokenURL           = "https://oauth2.googleapis.com/token"
	anthropicTokenURL        = "https://api.anthropic.com/oauth/token"

	defaultRegion = "us-east-1"

	anthropicOAuthClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	anthropicBetaHeader    = "oauth-2025-04-20"
)

// Options tune the manager. Zero values use the package defaults.
type Options struct {
	// ExpiryThreshold is how close to expiry a token may get before
	// EnsureValid refreshes it proactively.
	ExpiryThreshold time.Duration
	HTTPClient      *http.Client
}

// Manager owns the token lifecycle: proactive refresh before expiry,
// reactive refresh on 403, and the per-auth-method endpoint matrix. Refresh
// is the only path that rotates a credential's access secret.
type Manager struct {
	registry  *registry.Registry
	client    *http.Client
	threshold time.Duration
	coord     *InflightCoordinator
	saCache   *serviceAccountCache

	now func() time.Time

	// endpoint overrides for tests
	socialURL    string
	oidcURL      string
	googleURL    string
	anthropicURL string
}

// NewManager creates a token manager over the registry.
func NewManager(reg *registry.Registry, opts Options) *Manager {
	threshold := opts.ExpiryThreshold
	if threshold <= 0 {
		threshold = constants.TokenExpiryThreshold
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: constants.TokenRefreshTimeout}
	}
	return &Manager{
		registry:  reg,
		client:    client,
		threshold: threshold,
		coord:     NewInflightCoordinator(),
		saCache:   newServiceAccountCache(client),
		now:       time.Now,
	}
}

// IsExpiringSoon reports whether expiresAt falls within threshold of now. A
// zero expiry never triggers a refresh.
func (m *Manager) IsExpiringSoon(expiresAt time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return !expiresAt.After(m.now().Add(m.threshold))
}

// EnsureValid refreshes the credential when its token is expiring. The
// passed credential is updated in place on success.
func (m *Manager) EnsureValid(ctx context.Context, cred *storage.Credential) error {
	if !needsRefresh(cred.AuthMethod) {
		return nil
	}
	if !m.IsExpiringSoon(cred.ExpiresAt) {
		return nil
	}
	return m.Refresh(ctx, cred)
}

// Refresh unconditionally rotates the credential's access token. Concurrent
// refreshes for the same credential coalesce into one upstream call; the
// stored row is re-read afterwards so every caller sees the rotated secret.
func (m *Manager) Refresh(ctx context.Context, cred *storage.Credential) error {
	if !needsRefresh(cred.AuthMethod) {
		return nil
	}
	err := m.coord.Do(ctx, cred.Provider+"/"+cred.ID, func(ctx context.Context) error {
		return m.refreshLocked(ctx, cred)
	})
	if err != nil {
		return err
	}
	// A coalesced waiter still holds the pre-refresh secret; pick up the
	// rotated row.
	fresh, getErr := m.registry.GetByID(ctx, cred.Provider, cred.ID)
	if getErr == nil {
		*cred = *fresh
	}
	return nil
}

func (m *Manager) refreshLocked(ctx context.Context, cred *storage.Credential) error {
	var result *refreshResult
	var err error
	switch cred.AuthMethod {
	case MethodSocial:
		result, err = m.refreshSocial(ctx, cred)
	case MethodBuilderID, MethodIdC:
		result, err = m.refreshOIDC(ctx, cred)
	case MethodGoogle:
		result, err = m.refreshGoogle(ctx, cred)
	case MethodOAuth:
		result, err = m.refreshAnthropic(ctx, cred)
	case MethodServiceAccount:
		// The service-account flow mints short-lived bearers on demand;
		// the stored secret is the key material itself and never rotates.
		m.saCache.invalidate(cred.ID)
		return nil
	default:
		return fmt.Errorf("auth method %q does not support refresh", cred.AuthMethod)
	}
	if err != nil {
		monitoring.CredentialRefreshes.WithLabelValues(cred.Provider, cred.AuthMethod, "failure").Inc()
		if _, recErr := m.registry.RecordError(ctx, cred.Provider, cred.ID, truncateErr(err)); recErr != nil {
			log.WithError(recErr).WithField("credential", cred.ID).Warn("recording refresh failure failed")
		}
		return fmt.Errorf("refresh %s credential %s: %w", cred.Provider, cred.ID, err)
	}

	cred.AccessSecret = result.accessToken
	if result.refreshToken != "" {
		cred.RefreshSecret = result.refreshToken
	}
	if !result.expiresAt.IsZero() {
		cred.ExpiresAt = result.expiresAt
	}
	if err := m.registry.Update(ctx, cred); err != nil {
		return fmt.Errorf("persist refreshed credential %s: %w", cred.ID, err)
	}
	monitoring.CredentialRefreshes.WithLabelValues(cred.Provider, cred.AuthMethod, "success").Inc()
	log.WithFields(log.Fields{
		"provider":   cred.Provider,
		"credential": cred.ID,
		"expires_at": cred.ExpiresAt,
	}).Info("credential token refreshed")
	return nil
}

// BearerToken returns the token to present upstream. For service-account
// credentials this is a cached short-lived JWT-bearer access token; for
// everything else it is the stored access secret.
func (m *Manager) BearerToken(ctx context.Context, cred *storage.Credential) (string, error) {
	if cred.AuthMethod == MethodServiceAccount {
		return m.saCache.token(ctx, cred)
	}
	return cred.AccessSecret, nil
}

func needsRefresh(method string) bool {
	switch method {
	case MethodAPIKey, "":
		return false
	}
	return true
}

// refreshResult normalizes the per-endpoint response shapes.
type refreshResult struct {
	accessToken  string
	refreshToken string
	expiresAt    time.Time
}

// refreshResponse accepts both camelCase and snake_case field spellings;
// expiry may arrive as an absolute timestamp or a relative lifetime.
type refreshResponse struct {
	AccessToken      string `json:"accessToken"`
	AccessTokenSnake string `json:"access_token"`

	RefreshToken      string `json:"refreshToken"`
	RefreshTokenSnake string `json:"refresh_token"`

	ExpiresAt      string `json:"expiresAt"`
	ExpiresIn      int64  `json:"expiresIn"`
	ExpiresInSnake int64  `json:"expires_in"`
}

func (r *refreshResponse) normalize(now time.Time) (*refreshResult, error) {
	access := firstNonEmpty(r.AccessToken, r.AccessTokenSnake)
	if access == "" {
		return nil, fmt.Errorf("refresh response carried no access token")
	}
	out := &refreshResult{
		accessToken:  access,
		refreshToken: firstNonEmpty(r.RefreshToken, r.RefreshTokenSnake),
	}
	switch {
	case r.ExpiresAt != "":
		ts, err := time.Parse(time.RFC3339, r.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("parse expiresAt %q: %w", r.ExpiresAt, err)
		}
		out.expiresAt = ts
	case r.ExpiresIn > 0:
		out.expiresAt = now.Add(time.Duration(r.ExpiresIn) * time.Second)
	case r.ExpiresInSnake > 0:
		out.expiresAt = now.Add(time.Duration(r.ExpiresInSnake) * time.Second)
	}
	return out, nil
}

func (m *Manager) refreshSocial(ctx context.Context, cred *storage.Credential) (*refreshResult, error) {
	endpoint := m.socialURL
	if endpoint == "" {
		endpoint = fmt.Sprintf(socialRefreshURLTemplate, regionOrDefault(cred.Region))
	}
	body := map[string]string{"refreshToken": cred.RefreshSecret}
	return m.postJSON(ctx, endpoint, body, nil)
}

func (m *Manager) refreshOIDC(ctx context.Context, cred *storage.Credential) (*refreshResult, error) {
	endpoint := m.oidcURL
	if endpoint == "" {
		endpoint = fmt.Sprintf(oidcTokenURLTemplate, regionOrDefault(cred.Region))
	}
	body := map[string]string{
		"refreshToken": cred.RefreshSecret,
		"clientId":     cred.ClientID,
		"clientSecret": cred.ClientSecret,
		"grantType":    "refresh_token",
	}
	return m.postJSON(ctx, endpoint, body, nil)
}

func (m *Manager) refreshGoogle(ctx context.Context, cred *storage.Credential) (*refreshResult, error) {
	endpoint := m.googleURL
	if endpoint == "" {
		endpoint = googleTokenURL
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {cred.RefreshSecret},
		"client_id":     {cred.ClientID},
		"client_secret": {cred.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return m.doRefreshRequest(req)
}

func (m *Manager) refreshAnthropic(ctx context.Context, cred *storage.Credential) (*refreshResult, error) {
	endpoint := m.anthropicURL
	if endpoint == "" {
		endpoint = anthropicTokenURL
	}
	clientID := cred.ClientID
	if clientID == "" {
		clientID = anthropicOAuthClientID
	}
	body := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": cred.RefreshSecret,
		"client_id":     clientID,
	}
	headers := http.Header{"anthropic-beta": {anthropicBetaHeader}}
	return m.postJSON(ctx, endpoint, body, headers)
}

func (m *Manager) postJSON(ctx context.Context, endpoint string, body any, headers http.Header) (*refreshResult, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return m.doRefreshRequest(req)
}

func (m *Manager) doRefreshRequest(req *http.Request) (*refreshResult, error) {
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("refresh endpoint returned HTTP %d: %s", resp.StatusCode, truncateBody(body))
	}
	var parsed refreshResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode refresh response: %w", err)
	}
	return parsed.normalize(m.now().UTC())
}

func regionOrDefault(region string) string {
	if region == "" {
		return defaultRegion
	}
	return region
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncateErr(err error) string {
	return truncateBody([]byte(err.Error()))
}

func truncateBody(b []byte) string {
	s := string(b)
	if len(s) > constants.MaxErrorMessageLength {
		return s[:constants.MaxErrorMessageLength] + "..."
	}
	return s
}
