package storage

import (
	"context"
	"strings"

	"claude-relay-go/internal/monitoring"
)

// DetectBackendLabel returns a normalized label for the configured backend.
// An explicit configuration value wins over type detection.
func DetectBackendLabel(configured string, backend Backend) string {
	if raw := strings.TrimSpace(strings.ToLower(configured)); raw != "" && raw != "auto" {
		return raw
	}
	switch b := backend.(type) {
	case *SQLBackend:
		return b.label
	case *MongoBackend:
		return "mongodb"
	case *MemoryBackend:
		return "memory"
	case *cachedBackend:
		return DetectBackendLabel("", b.Backend)
	case *instrumentedBackend:
		return b.label
	default:
		return "unknown"
	}
}

// PoolStats exposes database/sql pool counters to monitoring instrumentation.
func (b *SQLBackend) PoolStats(ctx context.Context) (monitoring.StoragePoolStats, error) {
	s := b.db.Stats()
	return monitoring.StoragePoolStats{
		Active: int64(s.InUse),
		Idle:   int64(s.Idle),
	}, nil
}
