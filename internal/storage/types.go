package storage

import (
	"encoding/json"
	"time"
)

// Credential is one upstream account within a provider pool.
type Credential struct {
	ID       string `json:"id" bson:"id"`
	Provider string `json:"provider" bson:"provider"`
	Name     string `json:"name" bson:"name"`

	// AuthMethod selects the refresh flow: social, builder-id, idc,
	// google, service-account, api-key.
	AuthMethod string `json:"auth_method" bson:"auth_method"`

	// AccessSecret is the current access token, API key, or serialized
	// service-account JSON depending on the auth method.
	AccessSecret  string `json:"access_secret" bson:"access_secret"`
	RefreshSecret string `json:"refresh_secret,omitempty" bson:"refresh_secret,omitempty"`
	ClientID      string `json:"client_id,omitempty" bson:"client_id,omitempty"`
	ClientSecret  string `json:"client_secret,omitempty" bson:"client_secret,omitempty"`
	Region        string `json:"region,omitempty" bson:"region,omitempty"`
	ProfileARN    string `json:"profile_arn,omitempty" bson:"profile_arn,omitempty"`
	StartURL      string `json:"start_url,omitempty" bson:"start_url,omitempty"`
	ProjectID     string `json:"project_id,omitempty" bson:"project_id,omitempty"`

	ExpiresAt time.Time `json:"expires_at,omitempty" bson:"expires_at,omitempty"`
	Active    bool      `json:"active" bson:"active"`

	UseCount    int64     `json:"use_count" bson:"use_count"`
	LastUsedAt  time.Time `json:"last_used_at,omitempty" bson:"last_used_at,omitempty"`
	ErrorCount  int       `json:"error_count" bson:"error_count"`
	LastError   string    `json:"last_error,omitempty" bson:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at,omitempty" bson:"last_error_at,omitempty"`

	// QuotaJSON is the compact per-model quota snapshot map
	// (modelID -> QuotaSnapshot); QuotaUpdatedAt governs freshness.
	QuotaJSON      []byte    `json:"quota_json,omitempty" bson:"quota_json,omitempty"`
	QuotaUpdatedAt time.Time `json:"quota_updated_at,omitempty" bson:"quota_updated_at,omitempty"`

	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// QuotaSnapshot is the per-model remaining-quota observation.
type QuotaSnapshot struct {
	RemainingFraction float64   `json:"remaining_fraction"`
	ResetTime         time.Time `json:"reset_time,omitempty"`
	FetchedAt         time.Time `json:"fetched_at"`
}

// Quota decodes the snapshot map; a nil map means no quota was ever fetched.
func (c *Credential) Quota() map[string]QuotaSnapshot {
	if len(c.QuotaJSON) == 0 {
		return nil
	}
	var m map[string]QuotaSnapshot
	if err := json.Unmarshal(c.QuotaJSON, &m); err != nil {
		return nil
	}
	return m
}

// SetQuota encodes the snapshot map and stamps QuotaUpdatedAt.
func (c *Credential) SetQuota(m map[string]QuotaSnapshot, now time.Time) {
	b, err := json.Marshal(m)
	if err != nil {
		return
	}
	c.QuotaJSON = b
	c.QuotaUpdatedAt = now
}

// ErrorCredential is the quarantine snapshot of a failed credential.
type ErrorCredential struct {
	ID           string    `json:"id" bson:"id"`
	OriginalID   string    `json:"original_id" bson:"original_id"`
	Provider     string    `json:"provider" bson:"provider"`
	Name         string    `json:"name" bson:"name"`
	SnapshotJSON []byte    `json:"snapshot_json" bson:"snapshot_json"`
	ErrorMessage string    `json:"error_message" bson:"error_message"`
	ErrorCount   int       `json:"error_count" bson:"error_count"`
	LastErrorAt  time.Time `json:"last_error_at" bson:"last_error_at"`
	CreatedAt    time.Time `json:"created_at" bson:"created_at"`
}

// HealthRow tracks the health score for one (provider, credential) pair.
type HealthRow struct {
	Provider            string    `json:"provider" bson:"provider"`
	CredentialID        string    `json:"credential_id" bson:"credential_id"`
	Score               float64   `json:"score" bson:"score"`
	ConsecutiveFailures int       `json:"consecutive_failures" bson:"consecutive_failures"`
	LastSuccessAt       time.Time `json:"last_success_at,omitempty" bson:"last_success_at,omitempty"`
	LastFailureAt       time.Time `json:"last_failure_at,omitempty" bson:"last_failure_at,omitempty"`
	LastErrorMessage    string    `json:"last_error_message,omitempty" bson:"last_error_message,omitempty"`
	UpdatedAt           time.Time `json:"updated_at" bson:"updated_at"`
}

// BucketRow is the persisted token-bucket state for one credential.
type BucketRow struct {
	Provider     string    `json:"provider" bson:"provider"`
	CredentialID string    `json:"credential_id" bson:"credential_id"`
	Tokens       float64   `json:"tokens" bson:"tokens"`
	LastUpdated  time.Time `json:"last_updated" bson:"last_updated"`
}

// APIKey is a client-facing key with quota limits. Zero limits mean
// unlimited.
type APIKey struct {
	ID        string `json:"id" bson:"id"`
	UserID    string `json:"user_id" bson:"user_id"`
	Name      string `json:"name" bson:"name"`
	KeyHash   string `json:"key_hash" bson:"key_hash"`
	KeyPrefix string `json:"key_prefix" bson:"key_prefix"`
	Active    bool   `json:"active" bson:"active"`

	DailyLimit      int64 `json:"daily_limit" bson:"daily_limit"`
	MonthlyLimit    int64 `json:"monthly_limit" bson:"monthly_limit"`
	TotalLimit      int64 `json:"total_limit" bson:"total_limit"`
	ConcurrentLimit int   `json:"concurrent_limit" bson:"concurrent_limit"`
	RateLimit       int   `json:"rate_limit" bson:"rate_limit"`

	DailyCostLimit   float64 `json:"daily_cost_limit" bson:"daily_cost_limit"`
	MonthlyCostLimit float64 `json:"monthly_cost_limit" bson:"monthly_cost_limit"`
	TotalCostLimit   float64 `json:"total_cost_limit" bson:"total_cost_limit"`

	ExpiresInDays int       `json:"expires_in_days" bson:"expires_in_days"`
	CreatedAt     time.Time `json:"created_at" bson:"created_at"`
	LastUsedAt    time.Time `json:"last_used_at,omitempty" bson:"last_used_at,omitempty"`
}

// Expired reports whether the key is past its expiry window.
func (k *APIKey) Expired(now time.Time) bool {
	if k.ExpiresInDays <= 0 {
		return false
	}
	return now.After(k.CreatedAt.AddDate(0, 0, k.ExpiresInDays))
}

// APILog is one row per completed request.
type APILog struct {
	ID           int64     `json:"id" bson:"id"`
	RequestID    string    `json:"request_id" bson:"request_id"`
	APIKeyID     string    `json:"api_key_id" bson:"api_key_id"`
	CredentialID string    `json:"credential_id,omitempty" bson:"credential_id,omitempty"`
	Provider     string    `json:"provider,omitempty" bson:"provider,omitempty"`
	Model        string    `json:"model" bson:"model"`
	InputTokens  int       `json:"input_tokens" bson:"input_tokens"`
	OutputTokens int       `json:"output_tokens" bson:"output_tokens"`
	StatusCode   int       `json:"status_code" bson:"status_code"`
	DurationMs   int64     `json:"duration_ms" bson:"duration_ms"`
	Path         string    `json:"path" bson:"path"`
	Source       string    `json:"source,omitempty" bson:"source,omitempty"`
	CreatedAt    time.Time `json:"created_at" bson:"created_at"`
}

// ModelUsage aggregates log rows per model for cost computation.
type ModelUsage struct {
	Model        string `json:"model" bson:"model"`
	Requests     int64  `json:"requests" bson:"requests"`
	InputTokens  int64  `json:"input_tokens" bson:"input_tokens"`
	OutputTokens int64  `json:"output_tokens" bson:"output_tokens"`
}

// ModelAlias resolves a public alias to a provider-specific target model.
type ModelAlias struct {
	ID          int64  `json:"id" bson:"id"`
	Alias       string `json:"alias" bson:"alias"`
	Provider    string `json:"provider" bson:"provider"`
	TargetModel string `json:"target_model" bson:"target_model"`
	Priority    int    `json:"priority" bson:"priority"`
	Active      bool   `json:"active" bson:"active"`
}

// ModelPricing carries per-1M-token prices. Manual or custom rows suppress
// remote overwrites.
type ModelPricing struct {
	ModelName       string    `json:"model_name" bson:"model_name"`
	InputPricePerM  float64   `json:"input_price_per_m" bson:"input_price_per_m"`
	OutputPricePerM float64   `json:"output_price_per_m" bson:"output_price_per_m"`
	Provider        string    `json:"provider,omitempty" bson:"provider,omitempty"`
	Source          string    `json:"source" bson:"source"`
	IsCustom        bool      `json:"is_custom" bson:"is_custom"`
	UpdatedAt       time.Time `json:"updated_at" bson:"updated_at"`
}

// StorageStats summarizes backend health for the admin surface.
type StorageStats struct {
	Backend          string `json:"backend"`
	Credentials      int64  `json:"credentials"`
	ErrorCredentials int64  `json:"error_credentials"`
	APIKeys          int64  `json:"api_keys"`
	LogRows          int64  `json:"log_rows"`
}
