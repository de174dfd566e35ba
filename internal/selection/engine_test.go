package selection

import (
	"context"
	"testing"
	"time"

	apperrors "claude-relay-go/internal/errors"
	"claude-relay-go/internal/health"
	"claude-relay-go/internal/registry"
	"claude-relay-go/internal/storage"

	"github.com/stretchr/testify/require"
)

type fixture struct {
	engine  *Engine
	reg     *registry.Registry
	tracker *health.Tracker
	store   storage.Backend
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryBackend()
	require.NoError(t, store.Initialize(context.Background()))
	reg := registry.New(store, registry.Options{PoolCacheTTL: time.Nanosecond})
	tracker := health.New(store, health.Options{})
	return &fixture{
		engine:  New(reg, tracker),
		reg:     reg,
		tracker: tracker,
		store:   store,
	}
}

func (f *fixture) addCredential(t *testing.T, provider, name string) *storage.Credential {
	t.Helper()
	cred := &storage.Credential{
		Provider:     provider,
		Name:         name,
		AuthMethod:   "social",
		AccessSecret: "tok-" + name,
	}
	require.NoError(t, f.reg.Add(context.Background(), cred))
	return cred
}

func TestHybridPrefersHealthierCredential(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	good := f.addCredential(t, "kiro", "good")
	bad := f.addCredential(t, "kiro", "bad")

	// drive the bad one down but keep it above the usable threshold
	require.NoError(t, f.tracker.RecordRateLimit(ctx, "kiro", bad.ID))
	require.NoError(t, f.tracker.RecordSuccess(ctx, "kiro", good.ID))

	for i := 0; i < 5; i++ {
		res, err := f.engine.Pick(ctx, Request{Provider: "kiro", Model: "claude-sonnet-4-5"})
		require.NoError(t, err)
		require.Equal(t, good.ID, res.Credential.ID)
		require.Equal(t, "hybrid", res.Strategy)
		require.Empty(t, res.Relaxed)
	}
}

func TestHybridTiebreakOnErrorCount(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	clean := f.addCredential(t, "kiro", "clean")
	flaky := f.addCredential(t, "kiro", "flaky")

	// one recorded error keeps flaky in the pool but loses ties
	_, err := f.reg.RecordError(ctx, "kiro", flaky.ID, "hiccup")
	require.NoError(t, err)

	res, err := f.engine.Pick(ctx, Request{Provider: "kiro", Model: "claude-sonnet-4-5"})
	require.NoError(t, err)
	require.Equal(t, clean.ID, res.Credential.ID)
}

func TestHealthFilterRelaxesBeforeGivingUp(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	cred := f.addCredential(t, "kiro", "wounded")

	// two failures drop the score to 30, below the usable threshold
	require.NoError(t, f.tracker.RecordFailure(ctx, "kiro", cred.ID, "boom"))
	require.NoError(t, f.tracker.RecordFailure(ctx, "kiro", cred.ID, "boom"))

	res, err := f.engine.Pick(ctx, Request{Provider: "kiro", Model: "claude-sonnet-4-5"})
	require.NoError(t, err)
	require.Equal(t, cred.ID, res.Credential.ID)
	require.Equal(t, "health", res.Relaxed)
}

func TestUnavailableWhenPoolEmpty(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Pick(ctx, Request{Provider: "kiro", Model: "claude-sonnet-4-5"})
	require.Error(t, err)
	var apiErr *apperrors.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, apperrors.KindUnavailable, apiErr.Kind)
}

func TestQuarantineCountExcludesCredential(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	cred := f.addCredential(t, "kiro", "edge")

	// bump the stored error count right to the threshold without moving
	// the row, as a crash between the two writes would leave it
	raw, err := f.store.GetCredential(ctx, "kiro", cred.ID)
	require.NoError(t, err)
	raw.ErrorCount = 3
	require.NoError(t, f.store.UpdateCredential(ctx, raw))

	_, err = f.engine.Pick(ctx, Request{Provider: "kiro", Model: "claude-sonnet-4-5"})
	var apiErr *apperrors.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, apperrors.KindUnavailable, apiErr.Kind)
}

func TestGeminiRequiresProjectID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.addCredential(t, "gemini", "no-project")
	withProject := f.addCredential(t, "gemini", "with-project")
	withProject.ProjectID = "proj-123"
	require.NoError(t, f.reg.Update(ctx, withProject))

	for i := 0; i < 5; i++ {
		res, err := f.engine.Pick(ctx, Request{Provider: "gemini", Model: "gemini-2.5-pro"})
		require.NoError(t, err)
		require.Equal(t, withProject.ID, res.Credential.ID)
	}
}

func TestStickyKeepsFingerprintOnSameCredential(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.addCredential(t, "kiro", "s1")
	f.addCredential(t, "kiro", "s2")
	f.addCredential(t, "kiro", "s3")

	req := Request{Provider: "kiro", Model: "claude-sonnet-4-5", Strategy: "sticky", Fingerprint: "client-a"}
	first, err := f.engine.Pick(ctx, req)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		res, err := f.engine.Pick(ctx, req)
		require.NoError(t, err)
		require.Equal(t, first.Credential.ID, res.Credential.ID)
	}

	// a different caller may land elsewhere, but is itself stable
	other := Request{Provider: "kiro", Model: "claude-sonnet-4-5", Strategy: "sticky", Fingerprint: "client-b"}
	otherFirst, err := f.engine.Pick(ctx, other)
	require.NoError(t, err)
	res, err := f.engine.Pick(ctx, other)
	require.NoError(t, err)
	require.Equal(t, otherFirst.Credential.ID, res.Credential.ID)
}

func TestStickyFallsBackWhenMappedCredentialLeaves(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.addCredential(t, "kiro", "s1")
	f.addCredential(t, "kiro", "s2")

	req := Request{Provider: "kiro", Model: "claude-sonnet-4-5", Strategy: "sticky", Fingerprint: "client-a"}
	first, err := f.engine.Pick(ctx, req)
	require.NoError(t, err)

	require.NoError(t, f.reg.ToggleActive(ctx, "kiro", first.Credential.ID, false))

	res, err := f.engine.Pick(ctx, req)
	require.NoError(t, err)
	require.NotEqual(t, first.Credential.ID, res.Credential.ID)
}

func TestRoundRobinCycles(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.addCredential(t, "kiro", "r1")
	f.addCredential(t, "kiro", "r2")
	f.addCredential(t, "kiro", "r3")

	seen := make(map[string]int)
	for i := 0; i < 6; i++ {
		res, err := f.engine.Pick(ctx, Request{Provider: "kiro", Model: "m", Strategy: "round-robin"})
		require.NoError(t, err)
		seen[res.Credential.ID]++
	}
	require.Len(t, seen, 3)
	for _, count := range seen {
		require.Equal(t, 2, count)
	}
}

func TestFeedbackDrivesQuarantine(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	cred := f.addCredential(t, "kiro", "doomed")

	require.False(t, f.engine.OnFailure(ctx, "kiro", cred.ID, "broken pipe"))
	require.False(t, f.engine.OnFailure(ctx, "kiro", cred.ID, "broken pipe"))
	require.True(t, f.engine.OnFailure(ctx, "kiro", cred.ID, "broken pipe"))

	_, err := f.reg.GetByID(ctx, "kiro", cred.ID)
	require.True(t, storage.IsNotFound(err))

	errRows, err := f.reg.ListErrors(ctx, "kiro")
	require.NoError(t, err)
	require.Len(t, errRows, 1)
}

func TestFeedbackSuccessRestoresCounters(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	cred := f.addCredential(t, "kiro", "healer")

	require.False(t, f.engine.OnFailure(ctx, "kiro", cred.ID, "transient"))
	f.engine.OnSuccess(ctx, "kiro", cred.ID)

	got, err := f.reg.GetByID(ctx, "kiro", cred.ID)
	require.NoError(t, err)
	require.Zero(t, got.ErrorCount)
	require.EqualValues(t, 1, got.UseCount)

	score, err := f.tracker.Score(ctx, "kiro", cred.ID)
	require.NoError(t, err)
	require.InDelta(t, 51.0, score, 1e-9)
}

func TestAcquireAndRateLimitRefund(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	cred := f.addCredential(t, "kiro", "bucketed")

	ok, remaining, err := f.engine.Acquire(ctx, "kiro", cred.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.InDelta(t, 49.0, remaining, 1e-9)

	f.engine.OnRateLimit(ctx, "kiro", cred.ID)
	tokens, err := f.tracker.Tokens(ctx, "kiro", cred.ID)
	require.NoError(t, err)
	require.InDelta(t, 50.0, tokens, 1e-9)

	score, err := f.tracker.Score(ctx, "kiro", cred.ID)
	require.NoError(t, err)
	require.InDelta(t, 60.0, score, 1e-9)
}
