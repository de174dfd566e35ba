package stats

import (
	"context"
	"testing"
	"time"

	"claude-relay-go/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedLogs(t *testing.T, store storage.Backend, apiKeyID, model string, n, inTok, outTok int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, store.InsertAPILog(context.Background(), &storage.APILog{
			APIKeyID:     apiKeyID,
			Model:        model,
			InputTokens:  inTok,
			OutputTokens: outTok,
			StatusCode:   200,
			CreatedAt:    time.Now(),
		}))
	}
}

func TestUsageComputesCost(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryBackend()
	require.NoError(t, store.UpsertModelPricing(ctx, &storage.ModelPricing{
		ModelName: "claude-sonnet-4-5", InputPricePerM: 3, OutputPricePerM: 15,
	}))
	seedLogs(t, store, "k1", "claude-sonnet-4-5", 2, 500_000, 100_000)
	seedLogs(t, store, "k1", "unpriced-model", 1, 1_000_000, 0)

	s := NewService(store)
	summary, err := s.Usage(ctx, "k1", time.Time{})
	require.NoError(t, err)

	assert.Equal(t, int64(3), summary.Requests)
	assert.Equal(t, int64(2_000_000), summary.InputTokens)
	assert.Equal(t, int64(200_000), summary.OutputTokens)
	// 1M input at $3/M plus 200k output at $15/M; the unpriced model adds nothing.
	assert.InDelta(t, 3.0+3.0, summary.Cost, 1e-9)
	assert.Len(t, summary.PerModel, 2)
}

func TestCheckLimitsRequests(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryBackend()
	seedLogs(t, store, "k1", "m", 5, 10, 10)

	s := NewService(store)
	key := &storage.APIKey{ID: "k1", DailyLimit: 5}
	err := s.CheckLimits(ctx, key)
	require.Error(t, err)
	var exceeded *LimitExceeded
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, "daily", exceeded.Window)
	assert.Equal(t, "requests", exceeded.Kind)

	key = &storage.APIKey{ID: "k1", DailyLimit: 100}
	assert.NoError(t, s.CheckLimits(ctx, key))
}

func TestCheckLimitsCost(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryBackend()
	require.NoError(t, store.UpsertModelPricing(ctx, &storage.ModelPricing{
		ModelName: "m", InputPricePerM: 10, OutputPricePerM: 10,
	}))
	seedLogs(t, store, "k1", "m", 1, 1_000_000, 0)

	s := NewService(store)
	err := s.CheckLimits(ctx, &storage.APIKey{ID: "k1", TotalCostLimit: 5})
	require.Error(t, err)
	var exceeded *LimitExceeded
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, "cost", exceeded.Kind)
	assert.Equal(t, "total", exceeded.Window)

	assert.NoError(t, s.CheckLimits(ctx, &storage.APIKey{ID: "k1", TotalCostLimit: 50}))
}

func TestCheckLimitsUnlimitedKey(t *testing.T) {
	store := storage.NewMemoryBackend()
	s := NewService(store)
	assert.NoError(t, s.CheckLimits(context.Background(), &storage.APIKey{ID: "k1"}))
}
