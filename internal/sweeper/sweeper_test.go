package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"claude-relay-go/internal/config"
	"claude-relay-go/internal/models"
	"claude-relay-go/internal/registry"
	"claude-relay-go/internal/storage"
	"claude-relay-go/internal/token"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	provider string
	probed   []string
	snapshot map[string]storage.QuotaSnapshot
	err      error
}

func (f *fakeProber) Provider() string { return f.provider }

func (f *fakeProber) Probe(ctx context.Context, cred *storage.Credential) (map[string]storage.QuotaSnapshot, error) {
	f.probed = append(f.probed, cred.ID)
	return f.snapshot, f.err
}

func newTestDeps(t *testing.T) (*registry.Registry, *token.Manager, storage.Backend) {
	t.Helper()
	store := storage.NewMemoryBackend()
	reg := registry.New(store, registry.Options{})
	tokens := token.NewManager(reg, token.Options{})
	return reg, tokens, store
}

func TestSweepQuotaPersistsSnapshots(t *testing.T) {
	ctx := context.Background()
	reg, tokens, store := newTestDeps(t)
	require.NoError(t, reg.Add(ctx, &storage.Credential{
		ID: "c1", Provider: models.ProviderKiro, Name: "kiro-1", Active: true,
		AccessSecret: "tok",
	}))

	prober := &fakeProber{
		provider: models.ProviderKiro,
		snapshot: map[string]storage.QuotaSnapshot{
			"default": {RemainingFraction: 0.8, FetchedAt: time.Now()},
		},
	}
	s := New(reg, tokens, store, config.NewSettingsCache(store), []QuotaProber{prober})
	require.NoError(t, s.SweepQuota(ctx))

	assert.Equal(t, []string{"c1"}, prober.probed)
	cred, err := reg.GetByID(ctx, models.ProviderKiro, "c1")
	require.NoError(t, err)
	quota := cred.Quota()
	require.Contains(t, quota, "default")
	assert.InDelta(t, 0.8, quota["default"].RemainingFraction, 1e-9)
	assert.False(t, cred.QuotaUpdatedAt.IsZero())
}

func TestSweepQuotaSkipsFreshCredentials(t *testing.T) {
	ctx := context.Background()
	reg, tokens, store := newTestDeps(t)
	cred := &storage.Credential{
		ID: "c1", Provider: models.ProviderKiro, Name: "kiro-1", Active: true,
		AccessSecret: "tok",
	}
	cred.SetQuota(map[string]storage.QuotaSnapshot{"default": {RemainingFraction: 1}}, time.Now())
	require.NoError(t, reg.Add(ctx, cred))

	prober := &fakeProber{provider: models.ProviderKiro}
	s := New(reg, tokens, store, config.NewSettingsCache(store), []QuotaProber{prober})
	require.NoError(t, s.SweepQuota(ctx))

	assert.Empty(t, prober.probed)
}

func TestSweepQuotaSurvivesProbeErrors(t *testing.T) {
	ctx := context.Background()
	reg, tokens, store := newTestDeps(t)
	require.NoError(t, reg.Add(ctx, &storage.Credential{
		ID: "c1", Provider: models.ProviderKiro, Name: "kiro-1", Active: true,
		AccessSecret: "tok",
	}))

	prober := &fakeProber{provider: models.ProviderKiro, err: errors.New("probe down")}
	s := New(reg, tokens, store, config.NewSettingsCache(store), []QuotaProber{prober})
	assert.NoError(t, s.SweepQuota(ctx))
}

func TestSweepLogsDeletesOldRows(t *testing.T) {
	ctx := context.Background()
	reg, tokens, store := newTestDeps(t)
	require.NoError(t, store.InsertAPILog(ctx, &storage.APILog{
		APIKeyID: "k1", Model: "m", CreatedAt: time.Now().AddDate(0, 0, -90),
	}))
	require.NoError(t, store.InsertAPILog(ctx, &storage.APILog{
		APIKeyID: "k1", Model: "m", CreatedAt: time.Now(),
	}))

	s := New(reg, tokens, store, config.NewSettingsCache(store), nil)
	require.NoError(t, s.SweepLogs(ctx))

	count, err := store.CountAPILogs(ctx, "k1", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestSweepTokensSkipsFreshTokens(t *testing.T) {
	ctx := context.Background()
	reg, tokens, store := newTestDeps(t)
	require.NoError(t, reg.Add(ctx, &storage.Credential{
		ID: "c1", Provider: models.ProviderKiro, Name: "kiro-1", Active: true,
		AccessSecret: "tok", RefreshSecret: "refresh",
		AuthMethod: token.MethodSocial, ExpiresAt: time.Now().Add(2 * time.Hour),
	}))

	s := New(reg, tokens, store, config.NewSettingsCache(store), nil)
	// The only credential is far from expiry, so no refresh HTTP call happens
	// and the sweep returns cleanly.
	assert.NoError(t, s.SweepTokens(ctx))
}
