package storage

import (
	"context"
	"time"

	"claude-relay-go/internal/monitoring"
	"claude-relay-go/internal/monitoring/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// StoragePoolStatsProvider can optionally expose pool statistics for a backend.
type StoragePoolStatsProvider interface {
	PoolStats(context.Context) (monitoring.StoragePoolStats, error)
}

// WithInstrumentation wraps a backend with tracing and metrics
// instrumentation on the hot-path operations.
func WithInstrumentation(inner Backend, metrics *monitoring.Metrics, label string) Backend {
	if inner == nil || metrics == nil {
		return inner
	}
	if label == "" {
		label = "unknown"
	}
	return &instrumentedBackend{
		Backend: inner,
		metrics: metrics,
		label:   label,
	}
}

type instrumentedBackend struct {
	Backend
	metrics *monitoring.Metrics
	label   string
}

func (i *instrumentedBackend) instrument(ctx context.Context, operation string, fn func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(ctx, "storage", i.label+"/"+operation)
	span.SetAttributes(
		attribute.String("storage.backend", i.label),
		attribute.String("storage.operation", operation),
	)
	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()

	if i.metrics != nil {
		i.metrics.RecordStorageOperation(i.label, operation, duration, err)
		if provider, ok := i.Backend.(StoragePoolStatsProvider); ok {
			if stats, statsErr := provider.PoolStats(ctx); statsErr == nil {
				i.metrics.UpdateStoragePoolStats(i.label, stats)
			}
		}
	}
	return err
}

func (i *instrumentedBackend) GetCredential(ctx context.Context, provider, id string) (*Credential, error) {
	var result *Credential
	err := i.instrument(ctx, "get_credential", func(ctx context.Context) error {
		var innerErr error
		result, innerErr = i.Backend.GetCredential(ctx, provider, id)
		return innerErr
	})
	return result, err
}

func (i *instrumentedBackend) InsertCredential(ctx context.Context, cred *Credential) error {
	return i.instrument(ctx, "insert_credential", func(ctx context.Context) error {
		return i.Backend.InsertCredential(ctx, cred)
	})
}

func (i *instrumentedBackend) UpdateCredential(ctx context.Context, cred *Credential) error {
	return i.instrument(ctx, "update_credential", func(ctx context.Context) error {
		return i.Backend.UpdateCredential(ctx, cred)
	})
}

func (i *instrumentedBackend) DeleteCredential(ctx context.Context, provider, id string) error {
	return i.instrument(ctx, "delete_credential", func(ctx context.Context) error {
		return i.Backend.DeleteCredential(ctx, provider, id)
	})
}

func (i *instrumentedBackend) ListCredentials(ctx context.Context, provider string, activeOnly bool) ([]*Credential, error) {
	var result []*Credential
	err := i.instrument(ctx, "list_credentials", func(ctx context.Context) error {
		var innerErr error
		result, innerErr = i.Backend.ListCredentials(ctx, provider, activeOnly)
		return innerErr
	})
	return result, err
}

func (i *instrumentedBackend) IncrementCredentialField(ctx context.Context, provider, id, field string, delta int64) error {
	return i.instrument(ctx, "increment_credential_field", func(ctx context.Context) error {
		return i.Backend.IncrementCredentialField(ctx, provider, id, field, delta)
	})
}

func (i *instrumentedBackend) UpsertErrorCredential(ctx context.Context, ec *ErrorCredential) error {
	return i.instrument(ctx, "upsert_error_credential", func(ctx context.Context) error {
		return i.Backend.UpsertErrorCredential(ctx, ec)
	})
}

func (i *instrumentedBackend) UpsertHealth(ctx context.Context, row *HealthRow) error {
	return i.instrument(ctx, "upsert_health", func(ctx context.Context) error {
		return i.Backend.UpsertHealth(ctx, row)
	})
}

func (i *instrumentedBackend) UpsertBucket(ctx context.Context, row *BucketRow) error {
	return i.instrument(ctx, "upsert_bucket", func(ctx context.Context) error {
		return i.Backend.UpsertBucket(ctx, row)
	})
}

func (i *instrumentedBackend) GetAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error) {
	var result *APIKey
	err := i.instrument(ctx, "get_api_key_by_hash", func(ctx context.Context) error {
		var innerErr error
		result, innerErr = i.Backend.GetAPIKeyByHash(ctx, keyHash)
		return innerErr
	})
	return result, err
}

func (i *instrumentedBackend) InsertAPILog(ctx context.Context, row *APILog) error {
	return i.instrument(ctx, "insert_api_log", func(ctx context.Context) error {
		return i.Backend.InsertAPILog(ctx, row)
	})
}

func (i *instrumentedBackend) CountAPILogs(ctx context.Context, apiKeyID string, since time.Time) (int64, error) {
	var result int64
	err := i.instrument(ctx, "count_api_logs", func(ctx context.Context) error {
		var innerErr error
		result, innerErr = i.Backend.CountAPILogs(ctx, apiKeyID, since)
		return innerErr
	})
	return result, err
}

func (i *instrumentedBackend) SumModelUsage(ctx context.Context, apiKeyID string, since time.Time) ([]*ModelUsage, error) {
	var result []*ModelUsage
	err := i.instrument(ctx, "sum_model_usage", func(ctx context.Context) error {
		var innerErr error
		result, innerErr = i.Backend.SumModelUsage(ctx, apiKeyID, since)
		return innerErr
	})
	return result, err
}

func (i *instrumentedBackend) GetSetting(ctx context.Context, key string) ([]byte, error) {
	var result []byte
	err := i.instrument(ctx, "get_setting", func(ctx context.Context) error {
		var innerErr error
		result, innerErr = i.Backend.GetSetting(ctx, key)
		return innerErr
	})
	return result, err
}

func (i *instrumentedBackend) SetSetting(ctx context.Context, key string, value []byte) error {
	return i.instrument(ctx, "set_setting", func(ctx context.Context) error {
		return i.Backend.SetSetting(ctx, key, value)
	})
}

func (i *instrumentedBackend) GetCache(ctx context.Context, key string) ([]byte, error) {
	var result []byte
	err := i.instrument(ctx, "get_cache", func(ctx context.Context) error {
		var innerErr error
		result, innerErr = i.Backend.GetCache(ctx, key)
		return innerErr
	})
	return result, err
}

func (i *instrumentedBackend) SetCache(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return i.instrument(ctx, "set_cache", func(ctx context.Context) error {
		return i.Backend.SetCache(ctx, key, value, ttl)
	})
}
