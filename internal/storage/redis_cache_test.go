package storage

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestRedisCacheRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mr, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(mr.Close)

	rc := NewRedisCache(mr.Addr(), "", 0, "relay:")
	require.NoError(t, rc.Initialize(ctx))
	t.Cleanup(func() { _ = rc.Close() })

	require.NoError(t, rc.SetCache(ctx, "sig:abc", []byte("signature"), time.Minute))

	got, err := rc.GetCache(ctx, "sig:abc")
	require.NoError(t, err)
	require.Equal(t, "signature", string(got))

	// Key is stored under the configured prefix.
	require.True(t, mr.Exists("relay:sig:abc"))

	mr.FastForward(2 * time.Minute)
	_, err = rc.GetCache(ctx, "sig:abc")
	require.True(t, IsNotFound(err))

	require.NoError(t, rc.SetCache(ctx, "sig:keep", []byte("v"), 0))
	require.NoError(t, rc.DeleteCache(ctx, "sig:keep"))
	_, err = rc.GetCache(ctx, "sig:keep")
	require.True(t, IsNotFound(err))
}

func TestWithCacheRoutesCacheOpsToRedis(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mr, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(mr.Close)

	rc := NewRedisCache(mr.Addr(), "", 0, "relay:")
	require.NoError(t, rc.Initialize(ctx))
	t.Cleanup(func() { _ = rc.Close() })

	primary := NewMemoryBackend()
	combined := WithCache(primary, rc)

	// Durable rows still land in the primary backend.
	require.NoError(t, combined.InsertCredential(ctx, &Credential{ID: "c1", Provider: "kiro", Active: true}))
	got, err := primary.GetCredential(ctx, "kiro", "c1")
	require.NoError(t, err)
	require.Equal(t, "c1", got.ID)

	// Cache writes go to Redis, not the primary.
	require.NoError(t, combined.SetCache(ctx, "k", []byte("v"), time.Minute))
	require.True(t, mr.Exists("relay:k"))
	_, err = primary.GetCache(ctx, "k")
	require.True(t, IsNotFound(err))

	val, err := combined.GetCache(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v", string(val))
}
