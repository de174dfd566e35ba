package token

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"claude-relay-go/internal/registry"
	"claude-relay-go/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *registry.Registry, storage.Backend) {
	t.Helper()
	store := storage.NewMemoryBackend()
	reg := registry.New(store, registry.Options{})
	mgr := NewManager(reg, Options{HTTPClient: &http.Client{Timeout: 5 * time.Second}})
	return mgr, reg, store
}

func seedCredential(t *testing.T, reg *registry.Registry, cred *storage.Credential) *storage.Credential {
	t.Helper()
	require.NoError(t, reg.Add(context.Background(), cred))
	return cred
}

func TestIsExpiringSoon(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	now := time.Now()

	assert.False(t, mgr.IsExpiringSoon(time.Time{}), "zero expiry never refreshes")
	assert.True(t, mgr.IsExpiringSoon(now.Add(time.Minute)))
	assert.True(t, mgr.IsExpiringSoon(now.Add(-time.Minute)))
	assert.False(t, mgr.IsExpiringSoon(now.Add(time.Hour)))
}

func TestRefreshSocialRotatesSecret(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "refresh-1", body["refreshToken"])
		json.NewEncoder(w).Encode(map[string]any{
			"accessToken":  "access-2",
			"refreshToken": "refresh-2",
			"expiresAt":    time.Now().Add(8 * time.Hour).Format(time.RFC3339),
		})
	}))
	defer srv.Close()

	mgr, reg, _ := newTestManager(t)
	mgr.socialURL = srv.URL
	cred := seedCredential(t, reg, &storage.Credential{
		Provider:      "kiro",
		Name:          "acct",
		AuthMethod:    MethodSocial,
		AccessSecret:  "access-1",
		RefreshSecret: "refresh-1",
	})

	require.NoError(t, mgr.Refresh(context.Background(), cred))
	assert.Equal(t, "access-2", cred.AccessSecret)
	assert.Equal(t, "refresh-2", cred.RefreshSecret)
	assert.False(t, cred.ExpiresAt.IsZero())

	stored, err := reg.GetByID(context.Background(), "kiro", cred.ID)
	require.NoError(t, err)
	assert.Equal(t, "access-2", stored.AccessSecret)
}

func TestRefreshOIDCAcceptsSnakeCase(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "refresh_token", body["grantType"])
		assert.Equal(t, "client-1", body["clientId"])
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "snake-access",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	mgr, reg, _ := newTestManager(t)
	mgr.oidcURL = srv.URL
	cred := seedCredential(t, reg, &storage.Credential{
		Provider:      "kiro",
		Name:          "builder",
		AuthMethod:    MethodBuilderID,
		AccessSecret:  "old",
		RefreshSecret: "rt",
		ClientID:      "client-1",
		ClientSecret:  "secret-1",
	})

	require.NoError(t, mgr.Refresh(context.Background(), cred))
	assert.Equal(t, "snake-access", cred.AccessSecret)
	// refresh token was not reissued; the old one is preserved
	assert.Equal(t, "rt", cred.RefreshSecret)
	assert.WithinDuration(t, time.Now().Add(time.Hour), cred.ExpiresAt, time.Minute)
}

func TestRefreshFailureRecordsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	mgr, reg, _ := newTestManager(t)
	mgr.googleURL = srv.URL
	cred := seedCredential(t, reg, &storage.Credential{
		Provider:      "gemini",
		Name:          "g",
		AuthMethod:    MethodGoogle,
		AccessSecret:  "old",
		RefreshSecret: "bad",
	})

	err := mgr.Refresh(context.Background(), cred)
	require.Error(t, err)

	stored, getErr := reg.GetByID(context.Background(), "gemini", cred.ID)
	require.NoError(t, getErr)
	assert.Equal(t, 1, stored.ErrorCount)
	assert.Contains(t, stored.LastError, "400")
}

func TestConcurrentRefreshesCoalesce(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(50 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]any{"accessToken": "fresh", "expiresIn": 3600})
	}))
	defer srv.Close()

	mgr, reg, _ := newTestManager(t)
	mgr.socialURL = srv.URL
	cred := seedCredential(t, reg, &storage.Credential{
		Provider:      "kiro",
		Name:          "hot",
		AuthMethod:    MethodSocial,
		AccessSecret:  "stale",
		RefreshSecret: "rt",
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clone := *cred
			assert.NoError(t, mgr.Refresh(context.Background(), &clone))
			assert.Equal(t, "fresh", clone.AccessSecret)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, atomic.LoadInt64(&calls), "concurrent refreshes should share one upstream call")
}

func TestEnsureValidSkipsFreshToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("fresh token must not refresh")
	}))
	defer srv.Close()

	mgr, reg, _ := newTestManager(t)
	mgr.socialURL = srv.URL
	cred := seedCredential(t, reg, &storage.Credential{
		Provider:      "kiro",
		Name:          "fresh",
		AuthMethod:    MethodSocial,
		AccessSecret:  "a",
		RefreshSecret: "r",
		ExpiresAt:     time.Now().Add(2 * time.Hour),
	})
	assert.NoError(t, mgr.EnsureValid(context.Background(), cred))
}

func TestBearerTokenPassthroughForAPIKey(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	tok, err := mgr.BearerToken(context.Background(), &storage.Credential{
		AuthMethod:   MethodAPIKey,
		AccessSecret: "sk-test",
	})
	require.NoError(t, err)
	assert.Equal(t, "sk-test", tok)
}

func TestServiceAccountProject(t *testing.T) {
	project, err := ServiceAccountProject(`{"project_id":"my-proj","client_email":"a@b"}`)
	require.NoError(t, err)
	assert.Equal(t, "my-proj", project)

	_, err = ServiceAccountProject(`{}`)
	assert.Error(t, err)
}
