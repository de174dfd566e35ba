package registry

import (
	"context"
	"testing"
	"time"

	"claude-relay-go/internal/events"
	"claude-relay-go/internal/storage"

	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, storage.Backend) {
	t.Helper()
	store := storage.NewMemoryBackend()
	require.NoError(t, store.Initialize(context.Background()))
	return New(store, Options{}), store
}

func seedCredential(t *testing.T, r *Registry, provider, name string) *storage.Credential {
	t.Helper()
	cred := &storage.Credential{
		Provider:     provider,
		Name:         name,
		AuthMethod:   "social",
		AccessSecret: "at-" + name,
	}
	require.NoError(t, r.Add(context.Background(), cred))
	return cred
}

func TestAddAssignsIDAndDefaults(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	cred := &storage.Credential{Provider: "kiro", Name: "primary", AccessSecret: "tok"}
	require.NoError(t, r.Add(ctx, cred))
	require.NotEmpty(t, cred.ID)
	require.True(t, cred.Active)
	require.False(t, cred.CreatedAt.IsZero())
	require.Equal(t, cred.CreatedAt, cred.UpdatedAt)

	got, err := r.GetByID(ctx, "kiro", cred.ID)
	require.NoError(t, err)
	require.Equal(t, "primary", got.Name)

	byName, err := r.GetByName(ctx, "kiro", "primary")
	require.NoError(t, err)
	require.Equal(t, cred.ID, byName.ID)
}

func TestAddRejectsIncompleteCredentials(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.Error(t, r.Add(ctx, nil))
	require.Error(t, r.Add(ctx, &storage.Credential{Name: "x", AccessSecret: "s"}))
	require.Error(t, r.Add(ctx, &storage.Credential{Provider: "kiro", AccessSecret: "s"}))
	require.Error(t, r.Add(ctx, &storage.Credential{Provider: "kiro", Name: "  "}))
}

func TestUpdatePreservesCreatedAtAndCounters(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	cred := seedCredential(t, r, "kiro", "upd")
	require.NoError(t, r.IncrementUseCount(ctx, "kiro", cred.ID))

	replacement := &storage.Credential{
		ID:           cred.ID,
		Provider:     "kiro",
		Name:         "upd-renamed",
		AuthMethod:   "social",
		AccessSecret: "new-token",
		Active:       true,
	}
	require.NoError(t, r.Update(ctx, replacement))

	got, err := r.GetByID(ctx, "kiro", cred.ID)
	require.NoError(t, err)
	require.Equal(t, "upd-renamed", got.Name)
	require.Equal(t, "new-token", got.AccessSecret)
	require.Equal(t, cred.CreatedAt, got.CreatedAt)
	require.EqualValues(t, 1, got.UseCount)
	require.False(t, got.LastUsedAt.IsZero())
}

func TestListActiveServesCachedSnapshot(t *testing.T) {
	t.Parallel()
	r, store := newTestRegistry(t)
	ctx := context.Background()
	cred := seedCredential(t, r, "kiro", "cached")

	pool, err := r.ListActive(ctx, "kiro")
	require.NoError(t, err)
	require.Len(t, pool, 1)

	// a write that bypasses the registry is invisible until the snapshot
	// expires or a registry mutation invalidates it
	behind, err := store.GetCredential(ctx, "kiro", cred.ID)
	require.NoError(t, err)
	behind.Active = false
	require.NoError(t, store.UpdateCredential(ctx, behind))

	pool, err = r.ListActive(ctx, "kiro")
	require.NoError(t, err)
	require.Len(t, pool, 1)

	require.NoError(t, r.ToggleActive(ctx, "kiro", cred.ID, false))
	pool, err = r.ListActive(ctx, "kiro")
	require.NoError(t, err)
	require.Empty(t, pool)
}

func TestToggleActiveEnableClearsErrors(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	cred := seedCredential(t, r, "kiro", "toggler")

	_, err := r.RecordError(ctx, "kiro", cred.ID, "boom")
	require.NoError(t, err)
	require.NoError(t, r.ToggleActive(ctx, "kiro", cred.ID, true))

	got, err := r.GetByID(ctx, "kiro", cred.ID)
	require.NoError(t, err)
	require.Zero(t, got.ErrorCount)
	require.Empty(t, got.LastError)
	require.True(t, got.Active)
}

func TestMoveToErrorQuarantinesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	cred := seedCredential(t, r, "kiro", "doomed")

	require.NoError(t, r.MoveToError(ctx, "kiro", cred.ID, "expired refresh token"))

	_, err := r.GetByID(ctx, "kiro", cred.ID)
	require.True(t, storage.IsNotFound(err))

	errs, err := r.ListErrors(ctx, "kiro")
	require.NoError(t, err)
	require.Len(t, errs, 1)
	require.Equal(t, cred.ID, errs[0].OriginalID)
	require.Equal(t, 1, errs[0].ErrorCount)
	require.Equal(t, "expired refresh token", errs[0].ErrorMessage)

	// moving again after the pool row is gone just refreshes the error row
	require.NoError(t, r.MoveToError(ctx, "kiro", cred.ID, "still broken"))
	errs, err = r.ListErrors(ctx, "kiro")
	require.NoError(t, err)
	require.Len(t, errs, 1)
	require.Equal(t, 2, errs[0].ErrorCount)
	require.Equal(t, "still broken", errs[0].ErrorMessage)
}

func TestRecordErrorQuarantinesAtThreshold(t *testing.T) {
	t.Parallel()
	store := storage.NewMemoryBackend()
	require.NoError(t, store.Initialize(context.Background()))
	r := New(store, Options{QuarantineThreshold: 2})
	ctx := context.Background()
	cred := seedCredential(t, r, "kiro", "flaky")

	quarantined, err := r.RecordError(ctx, "kiro", cred.ID, "timeout")
	require.NoError(t, err)
	require.False(t, quarantined)

	got, err := r.GetByID(ctx, "kiro", cred.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.ErrorCount)
	require.Equal(t, "timeout", got.LastError)

	quarantined, err = r.RecordError(ctx, "kiro", cred.ID, "timeout again")
	require.NoError(t, err)
	require.True(t, quarantined)

	_, err = r.GetByID(ctx, "kiro", cred.ID)
	require.True(t, storage.IsNotFound(err))
}

func TestResetErrorCount(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	cred := seedCredential(t, r, "kiro", "recoverer")

	_, err := r.RecordError(ctx, "kiro", cred.ID, "blip")
	require.NoError(t, err)
	require.NoError(t, r.ResetErrorCount(ctx, "kiro", cred.ID))

	got, err := r.GetByID(ctx, "kiro", cred.ID)
	require.NoError(t, err)
	require.Zero(t, got.ErrorCount)
	require.Empty(t, got.LastError)
}

func TestRestoreFromErrorAppliesNewSecrets(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	cred := seedCredential(t, r, "kiro", "restoreme")
	cred.RefreshSecret = "old-refresh"
	require.NoError(t, r.Update(ctx, cred))

	require.NoError(t, r.MoveToError(ctx, "kiro", cred.ID, "dead"))
	errs, err := r.ListErrors(ctx, "kiro")
	require.NoError(t, err)
	require.Len(t, errs, 1)

	restored, err := r.RestoreFromError(ctx, errs[0].ID, RestoreSecrets{RefreshSecret: "fresh-refresh"})
	require.NoError(t, err)
	require.Equal(t, cred.ID, restored.ID)
	require.Equal(t, "fresh-refresh", restored.RefreshSecret)
	require.Equal(t, "at-restoreme", restored.AccessSecret)
	require.True(t, restored.Active)
	require.Zero(t, restored.ErrorCount)

	errs, err = r.ListErrors(ctx, "kiro")
	require.NoError(t, err)
	require.Empty(t, errs)

	got, err := r.GetByID(ctx, "kiro", cred.ID)
	require.NoError(t, err)
	require.Equal(t, "fresh-refresh", got.RefreshSecret)
}

func TestQuotaFreshness(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	cred := seedCredential(t, r, "kiro", "quota")

	fresh, err := r.IsQuotaFresh(ctx, "kiro", cred.ID)
	require.NoError(t, err)
	require.False(t, fresh)

	quota := map[string]storage.QuotaSnapshot{
		"claude-sonnet-4-5": {RemainingFraction: 0.8, FetchedAt: time.Now().UTC()},
	}
	require.NoError(t, r.UpdateQuota(ctx, "kiro", cred.ID, quota))

	fresh, err = r.IsQuotaFresh(ctx, "kiro", cred.ID)
	require.NoError(t, err)
	require.True(t, fresh)

	got, err := r.GetByID(ctx, "kiro", cred.ID)
	require.NoError(t, err)
	require.InDelta(t, 0.8, got.Quota()["claude-sonnet-4-5"].RemainingFraction, 1e-9)

	stale := &storage.Credential{QuotaUpdatedAt: time.Now().Add(-10 * time.Minute)}
	require.False(t, QuotaFresh(stale, time.Now()))
}

func TestEventsEmittedOnMutations(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)
	hub := events.NewHub()
	r.SetEventPublisher(hub)
	ctx := context.Background()

	var changed, quarantined, restored []events.Event
	hub.Subscribe(events.TopicCredentialChanged, func(_ context.Context, ev events.Event) {
		changed = append(changed, ev)
	})
	hub.Subscribe(events.TopicCredentialQuarantined, func(_ context.Context, ev events.Event) {
		quarantined = append(quarantined, ev)
	})
	hub.Subscribe(events.TopicCredentialRestored, func(_ context.Context, ev events.Event) {
		restored = append(restored, ev)
	})

	cred := seedCredential(t, r, "kiro", "evented")
	require.Len(t, changed, 1)
	payload, ok := changed[0].Payload.(CredentialEvent)
	require.True(t, ok)
	require.Equal(t, "added", payload.Action)
	require.Equal(t, cred.ID, payload.Credential.ID)
	require.Empty(t, payload.Credential.LastError)
	require.Equal(t, "kiro", changed[0].Metadata["provider"])

	require.NoError(t, r.MoveToError(ctx, "kiro", cred.ID, "dead"))
	require.Len(t, quarantined, 1)
	qp := quarantined[0].Payload.(CredentialEvent)
	require.Equal(t, "dead", qp.Reason)

	errs, err := r.ListErrors(ctx, "kiro")
	require.NoError(t, err)
	_, err = r.RestoreFromError(ctx, errs[0].ID, RestoreSecrets{})
	require.NoError(t, err)
	require.Len(t, restored, 1)
}

func TestWatchInvalidatesPoolOnHubEvents(t *testing.T) {
	t.Parallel()
	r, store := newTestRegistry(t)
	hub := events.NewHub()
	unsubscribe := r.Watch(hub)
	defer unsubscribe()
	ctx := context.Background()

	cred := seedCredential(t, r, "kiro", "watched")
	pool, err := r.ListActive(ctx, "kiro")
	require.NoError(t, err)
	require.Len(t, pool, 1)

	behind, err := store.GetCredential(ctx, "kiro", cred.ID)
	require.NoError(t, err)
	behind.Active = false
	require.NoError(t, store.UpdateCredential(ctx, behind))

	// an external announcement drops the snapshot immediately
	hub.Publish(ctx, events.TopicCredentialChanged, nil, map[string]string{"provider": "kiro"})

	pool, err = r.ListActive(ctx, "kiro")
	require.NoError(t, err)
	require.Empty(t, pool)
}

func TestStatsAggregatesPool(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	a := seedCredential(t, r, "kiro", "stat-a")
	b := seedCredential(t, r, "kiro", "stat-b")
	seedCredential(t, r, "vertex", "other-provider")

	require.NoError(t, r.IncrementUseCount(ctx, "kiro", a.ID))
	require.NoError(t, r.IncrementUseCount(ctx, "kiro", a.ID))
	require.NoError(t, r.ToggleActive(ctx, "kiro", b.ID, false))
	require.NoError(t, r.MoveToError(ctx, "kiro", b.ID, "broken"))

	stats, err := r.Stats(ctx, "kiro")
	require.NoError(t, err)
	require.Equal(t, 1, stats.Total)
	require.Equal(t, 1, stats.Active)
	require.Equal(t, 1, stats.Quarantined)
	require.EqualValues(t, 2, stats.TotalUses)
	require.False(t, stats.LastUsedAt.IsZero())
}
