package config

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"claude-relay-go/internal/constants"
	"claude-relay-go/internal/events"
	"claude-relay-go/internal/storage"

	log "github.com/sirupsen/logrus"
)

// Settings are the runtime-tunable policy knobs. They live in the store's
// settings table (one row per field, raw JSON values) so admin updates take
// effect across restarts.
type Settings struct {
	SelectionStrategy     string  `json:"selection_strategy"`
	DefaultProvider       string  `json:"default_provider"`
	DisableCredentialLock bool    `json:"disable_credential_lock"`
	RequestLogEnabled     bool    `json:"request_log_enabled"`
	LogQuotaRejections    bool    `json:"log_quota_rejections"`
	LogRetentionDays      int     `json:"log_retention_days"`
	ModelAliasesEnabled   bool    `json:"model_aliases_enabled"`
	CompressionEnabled    bool    `json:"compression_enabled"`
	QuotaRefreshEnabled   bool    `json:"quota_refresh_enabled"`
	TokenRefreshThreshMin int     `json:"token_refresh_threshold_min"`
	WeightHealth          float64 `json:"weight_health"`
	WeightBucket          float64 `json:"weight_bucket"`
	WeightQuota           float64 `json:"weight_quota"`
	WeightLRU             float64 `json:"weight_lru"`
}

// DefaultSettings returns the built-in policy values.
func DefaultSettings() *Settings {
	return &Settings{
		SelectionStrategy:     constants.StrategyHybrid,
		DefaultProvider:       "kiro",
		RequestLogEnabled:     true,
		LogQuotaRejections:    false,
		LogRetentionDays:      constants.DefaultRetentionDays,
		ModelAliasesEnabled:   true,
		CompressionEnabled:    true,
		QuotaRefreshEnabled:   true,
		TokenRefreshThreshMin: int(constants.TokenExpiryThreshold.Minutes()),
		WeightHealth:          constants.SelectionHealthWeight,
		WeightBucket:          constants.SelectionTokenWeight,
		WeightQuota:           constants.SelectionQuotaWeight,
		WeightLRU:             constants.SelectionLRUWeight,
	}
}

// settingsFields maps store row names onto Settings fields. Unknown rows in
// the table are ignored; unknown keys on Put are rejected.
var settingsFields = map[string]func(*Settings, json.RawMessage) error{
	"selection_strategy":          func(s *Settings, v json.RawMessage) error { return json.Unmarshal(v, &s.SelectionStrategy) },
	"default_provider":            func(s *Settings, v json.RawMessage) error { return json.Unmarshal(v, &s.DefaultProvider) },
	"disable_credential_lock":     func(s *Settings, v json.RawMessage) error { return json.Unmarshal(v, &s.DisableCredentialLock) },
	"request_log_enabled":         func(s *Settings, v json.RawMessage) error { return json.Unmarshal(v, &s.RequestLogEnabled) },
	"log_quota_rejections":        func(s *Settings, v json.RawMessage) error { return json.Unmarshal(v, &s.LogQuotaRejections) },
	"log_retention_days":          func(s *Settings, v json.RawMessage) error { return json.Unmarshal(v, &s.LogRetentionDays) },
	"model_aliases_enabled":       func(s *Settings, v json.RawMessage) error { return json.Unmarshal(v, &s.ModelAliasesEnabled) },
	"compression_enabled":         func(s *Settings, v json.RawMessage) error { return json.Unmarshal(v, &s.CompressionEnabled) },
	"quota_refresh_enabled":       func(s *Settings, v json.RawMessage) error { return json.Unmarshal(v, &s.QuotaRefreshEnabled) },
	"token_refresh_threshold_min": func(s *Settings, v json.RawMessage) error { return json.Unmarshal(v, &s.TokenRefreshThreshMin) },
	"weight_health":               func(s *Settings, v json.RawMessage) error { return json.Unmarshal(v, &s.WeightHealth) },
	"weight_bucket":               func(s *Settings, v json.RawMessage) error { return json.Unmarshal(v, &s.WeightBucket) },
	"weight_quota":                func(s *Settings, v json.RawMessage) error { return json.Unmarshal(v, &s.WeightQuota) },
	"weight_lru":                  func(s *Settings, v json.RawMessage) error { return json.Unmarshal(v, &s.WeightLRU) },
}

// SettingsCache serves Settings from memory with a short TTL so the hot path
// never waits on a store round-trip. Admin writes invalidate immediately and
// broadcast on the event hub so other holders drop their copies too.
type SettingsCache struct {
	store     storage.Backend
	ttl       time.Duration
	publisher events.Publisher

	mu        sync.RWMutex
	cached    *Settings
	fetchedAt time.Time
}

// NewSettingsCache builds a cache over the given store.
func NewSettingsCache(store storage.Backend) *SettingsCache {
	return &SettingsCache{
		store: store,
		ttl:   constants.SettingsCacheTTL,
	}
}

// SetEventPublisher wires the hub used to broadcast settings updates.
func (c *SettingsCache) SetEventPublisher(p events.Publisher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publisher = p
}

// Get returns the current settings. Store failures degrade to the last
// cached value, then to defaults; Get never fails.
func (c *SettingsCache) Get(ctx context.Context) *Settings {
	c.mu.RLock()
	if c.cached != nil && time.Since(c.fetchedAt) < c.ttl {
		cp := *c.cached
		c.mu.RUnlock()
		return &cp
	}
	c.mu.RUnlock()

	loaded, err := c.load(ctx)
	if err != nil {
		log.WithError(err).Warn("failed to load settings, serving stale values")
		c.mu.RLock()
		defer c.mu.RUnlock()
		if c.cached != nil {
			cp := *c.cached
			return &cp
		}
		return DefaultSettings()
	}

	c.mu.Lock()
	c.cached = loaded
	c.fetchedAt = time.Now()
	cp := *loaded
	c.mu.Unlock()
	return &cp
}

func (c *SettingsCache) load(ctx context.Context) (*Settings, error) {
	rows, err := c.store.ListSettings(ctx)
	if err != nil {
		return nil, err
	}
	s := DefaultSettings()
	for name, raw := range rows {
		apply, ok := settingsFields[name]
		if !ok {
			continue
		}
		if err := apply(s, json.RawMessage(raw)); err != nil {
			log.WithError(err).WithField("setting", name).Warn("ignoring malformed setting row")
		}
	}
	return s, nil
}

// Put writes one setting through to the store and invalidates the cache.
func (c *SettingsCache) Put(ctx context.Context, name string, value json.RawMessage) error {
	apply, ok := settingsFields[name]
	if !ok {
		return fmt.Errorf("unknown setting %q", name)
	}
	// Validate against a scratch copy before persisting.
	if err := apply(DefaultSettings(), value); err != nil {
		return fmt.Errorf("invalid value for setting %q: %w", name, err)
	}
	if err := c.store.SetSetting(ctx, name, []byte(value)); err != nil {
		return err
	}
	c.Invalidate()

	c.mu.RLock()
	publisher := c.publisher
	c.mu.RUnlock()
	if publisher != nil {
		publisher.Publish(ctx, events.TopicSettingsChanged, map[string]string{"setting": name}, nil)
	}
	return nil
}

// Invalidate drops the cached copy; the next Get reloads from the store.
func (c *SettingsCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = nil
	c.fetchedAt = time.Time{}
}
