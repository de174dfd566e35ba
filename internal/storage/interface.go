package storage

import (
	"context"
	"errors"
	"time"
)

// Backend defines the interface for storage implementations
type Backend interface {
	// Initialize sets up the storage backend
	Initialize(ctx context.Context) error

	// Close closes the storage backend
	Close() error

	// Health checks if the storage backend is healthy
	Health(ctx context.Context) error

	// Credential operations
	InsertCredential(ctx context.Context, cred *Credential) error
	UpdateCredential(ctx context.Context, cred *Credential) error
	DeleteCredential(ctx context.Context, provider, id string) error
	GetCredential(ctx context.Context, provider, id string) (*Credential, error)
	GetCredentialByName(ctx context.Context, provider, name string) (*Credential, error)
	ListCredentials(ctx context.Context, provider string, activeOnly bool) ([]*Credential, error)
	IncrementCredentialField(ctx context.Context, provider, id, field string, delta int64) error

	// Quarantine operations. UpsertErrorCredential is idempotent on
	// OriginalID: an existing row gets its counter bumped and its
	// message/timestamp refreshed.
	UpsertErrorCredential(ctx context.Context, ec *ErrorCredential) error
	GetErrorCredential(ctx context.Context, id string) (*ErrorCredential, error)
	ListErrorCredentials(ctx context.Context, provider string) ([]*ErrorCredential, error)
	DeleteErrorCredential(ctx context.Context, id string) error

	// Health score and token bucket rows (atomic upserts)
	GetHealth(ctx context.Context, provider, credentialID string) (*HealthRow, error)
	UpsertHealth(ctx context.Context, row *HealthRow) error
	ListHealth(ctx context.Context, provider string) ([]*HealthRow, error)
	GetBucket(ctx context.Context, provider, credentialID string) (*BucketRow, error)
	UpsertBucket(ctx context.Context, row *BucketRow) error

	// API key operations
	InsertAPIKey(ctx context.Context, key *APIKey) error
	UpdateAPIKey(ctx context.Context, key *APIKey) error
	GetAPIKey(ctx context.Context, id string) (*APIKey, error)
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error)
	ListAPIKeys(ctx context.Context) ([]*APIKey, error)
	TouchAPIKey(ctx context.Context, id string, usedAt time.Time) error

	// Request log operations
	InsertAPILog(ctx context.Context, row *APILog) error
	CountAPILogs(ctx context.Context, apiKeyID string, since time.Time) (int64, error)
	SumModelUsage(ctx context.Context, apiKeyID string, since time.Time) ([]*ModelUsage, error)
	DeleteAPILogsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Settings (key -> raw JSON value)
	GetSetting(ctx context.Context, key string) ([]byte, error)
	SetSetting(ctx context.Context, key string, value []byte) error
	ListSettings(ctx context.Context) (map[string][]byte, error)

	// Model aliases and pricing
	ListModelAliases(ctx context.Context) ([]*ModelAlias, error)
	UpsertModelAlias(ctx context.Context, alias *ModelAlias) error
	DeleteModelAlias(ctx context.Context, id int64) error
	ListModelPricing(ctx context.Context) ([]*ModelPricing, error)
	UpsertModelPricing(ctx context.Context, pricing *ModelPricing) error

	// Cache operations (optional, can return ErrNotSupported)
	GetCache(ctx context.Context, key string) ([]byte, error)
	SetCache(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeleteCache(ctx context.Context, key string) error

	// Storage metrics and monitoring
	GetStorageStats(ctx context.Context) (StorageStats, error)
}

// ErrNotFound is returned when a key is not found
type ErrNotFound struct {
	Key string
}

func (e *ErrNotFound) Error() string {
	return "key not found: " + e.Key
}

// ErrNotSupported is returned when an operation is not supported
type ErrNotSupported struct {
	Operation string
}

func (e *ErrNotSupported) Error() string {
	return "operation not supported: " + e.Operation
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}

// IsNotSupported reports whether err is an ErrNotSupported.
func IsNotSupported(err error) bool {
	var ns *ErrNotSupported
	return errors.As(err, &ns)
}

// UnsupportedCacheOps 提供默认的"不支持"缓存操作实现
// 用于不支持缓存的存储后端（如 MySQL, PostgreSQL, MongoDB）
//
// 使用方法：在后端结构体中嵌入此类型
type UnsupportedCacheOps struct{}

func (u UnsupportedCacheOps) GetCache(ctx context.Context, key string) ([]byte, error) {
	return nil, &ErrNotSupported{Operation: "GetCache"}
}

func (u UnsupportedCacheOps) SetCache(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return &ErrNotSupported{Operation: "SetCache"}
}

func (u UnsupportedCacheOps) DeleteCache(ctx context.Context, key string) error {
	return &ErrNotSupported{Operation: "DeleteCache"}
}
