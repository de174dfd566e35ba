package storage

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryBackend is a fully functional in-memory store. It backs unit tests
// and the STORAGE_BACKEND=memory development mode.
type MemoryBackend struct {
	mu sync.RWMutex

	creds       map[string]*Credential // provider/id
	errorCreds  map[string]*ErrorCredential
	byOriginal  map[string]string // originalID -> error row id
	health      map[string]*HealthRow
	buckets     map[string]*BucketRow
	apiKeys     map[string]*APIKey
	keysByHash  map[string]string // keyHash -> id
	logs        []*APILog
	nextLogID   int64
	settings    map[string][]byte
	aliases     map[int64]*ModelAlias
	nextAliasID int64
	pricing     map[string]*ModelPricing
	cache       map[string]cacheEntry
}

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryBackend constructs an empty in-memory store.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		creds:      make(map[string]*Credential),
		errorCreds: make(map[string]*ErrorCredential),
		byOriginal: make(map[string]string),
		health:     make(map[string]*HealthRow),
		buckets:    make(map[string]*BucketRow),
		apiKeys:    make(map[string]*APIKey),
		keysByHash: make(map[string]string),
		settings:   make(map[string][]byte),
		aliases:    make(map[int64]*ModelAlias),
		pricing:    make(map[string]*ModelPricing),
		cache:      make(map[string]cacheEntry),
	}
}

func (m *MemoryBackend) Initialize(ctx context.Context) error { return nil }
func (m *MemoryBackend) Close() error                         { return nil }
func (m *MemoryBackend) Health(ctx context.Context) error     { return nil }

func credKey(provider, id string) string { return provider + "/" + id }

// ---- credentials ----

func (m *MemoryBackend) InsertCredential(ctx context.Context, cred *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = now
	}
	if cred.UpdatedAt.IsZero() {
		cred.UpdatedAt = now
	}
	cp := *cred
	m.creds[credKey(cred.Provider, cred.ID)] = &cp
	return nil
}

func (m *MemoryBackend) UpdateCredential(ctx context.Context, cred *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := credKey(cred.Provider, cred.ID)
	if _, ok := m.creds[key]; !ok {
		return &ErrNotFound{Key: key}
	}
	cred.UpdatedAt = time.Now().UTC()
	cp := *cred
	m.creds[key] = &cp
	return nil
}

func (m *MemoryBackend) DeleteCredential(ctx context.Context, provider, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := credKey(provider, id)
	if _, ok := m.creds[key]; !ok {
		return &ErrNotFound{Key: key}
	}
	delete(m.creds, key)
	return nil
}

func (m *MemoryBackend) GetCredential(ctx context.Context, provider, id string) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key := credKey(provider, id)
	cred, ok := m.creds[key]
	if !ok {
		return nil, &ErrNotFound{Key: key}
	}
	cp := *cred
	return &cp, nil
}

func (m *MemoryBackend) GetCredentialByName(ctx context.Context, provider, name string) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, cred := range m.creds {
		if cred.Provider == provider && cred.Name == name {
			cp := *cred
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Key: provider + "/" + name}
}

func (m *MemoryBackend) ListCredentials(ctx context.Context, provider string, activeOnly bool) ([]*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Credential
	for _, cred := range m.creds {
		if cred.Provider != provider {
			continue
		}
		if activeOnly && !cred.Active {
			continue
		}
		cp := *cred
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ErrorCount != out[j].ErrorCount {
			return out[i].ErrorCount < out[j].ErrorCount
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (m *MemoryBackend) IncrementCredentialField(ctx context.Context, provider, id, field string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := credKey(provider, id)
	cred, ok := m.creds[key]
	if !ok {
		return &ErrNotFound{Key: key}
	}
	now := time.Now().UTC()
	switch field {
	case "use_count":
		cred.UseCount += delta
		cred.LastUsedAt = now
	case "error_count":
		cred.ErrorCount += int(delta)
	default:
		return &ErrNotSupported{Operation: "IncrementCredentialField(" + field + ")"}
	}
	cred.UpdatedAt = now
	return nil
}

// ---- quarantine ----

func (m *MemoryBackend) UpsertErrorCredential(ctx context.Context, ec *ErrorCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if ec.LastErrorAt.IsZero() {
		ec.LastErrorAt = now
	}
	if existingID, ok := m.byOriginal[ec.OriginalID]; ok {
		existing := m.errorCreds[existingID]
		existing.ErrorCount++
		existing.ErrorMessage = ec.ErrorMessage
		existing.LastErrorAt = ec.LastErrorAt
		return nil
	}
	if ec.CreatedAt.IsZero() {
		ec.CreatedAt = now
	}
	if ec.ErrorCount <= 0 {
		ec.ErrorCount = 1
	}
	cp := *ec
	m.errorCreds[ec.ID] = &cp
	m.byOriginal[ec.OriginalID] = ec.ID
	return nil
}

func (m *MemoryBackend) GetErrorCredential(ctx context.Context, id string) (*ErrorCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ec, ok := m.errorCreds[id]; ok {
		cp := *ec
		return &cp, nil
	}
	if rowID, ok := m.byOriginal[id]; ok {
		cp := *m.errorCreds[rowID]
		return &cp, nil
	}
	return nil, &ErrNotFound{Key: id}
}

func (m *MemoryBackend) ListErrorCredentials(ctx context.Context, provider string) ([]*ErrorCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ErrorCredential
	for _, ec := range m.errorCreds {
		if provider != "" && ec.Provider != provider {
			continue
		}
		cp := *ec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastErrorAt.After(out[j].LastErrorAt) })
	return out, nil
}

func (m *MemoryBackend) DeleteErrorCredential(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ec, ok := m.errorCreds[id]
	if !ok {
		return &ErrNotFound{Key: id}
	}
	delete(m.byOriginal, ec.OriginalID)
	delete(m.errorCreds, id)
	return nil
}

// ---- health + buckets ----

func (m *MemoryBackend) GetHealth(ctx context.Context, provider, credentialID string) (*HealthRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key := credKey(provider, credentialID)
	h, ok := m.health[key]
	if !ok {
		return nil, &ErrNotFound{Key: key}
	}
	cp := *h
	return &cp, nil
}

func (m *MemoryBackend) UpsertHealth(ctx context.Context, row *HealthRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row.UpdatedAt = time.Now().UTC()
	cp := *row
	m.health[credKey(row.Provider, row.CredentialID)] = &cp
	return nil
}

func (m *MemoryBackend) ListHealth(ctx context.Context, provider string) ([]*HealthRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*HealthRow
	for _, h := range m.health {
		if h.Provider != provider {
			continue
		}
		cp := *h
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryBackend) GetBucket(ctx context.Context, provider, credentialID string) (*BucketRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key := credKey(provider, credentialID)
	b, ok := m.buckets[key]
	if !ok {
		return nil, &ErrNotFound{Key: key}
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryBackend) UpsertBucket(ctx context.Context, row *BucketRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *row
	m.buckets[credKey(row.Provider, row.CredentialID)] = &cp
	return nil
}

// ---- api keys ----

func (m *MemoryBackend) InsertAPIKey(ctx context.Context, key *APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	cp := *key
	m.apiKeys[key.ID] = &cp
	m.keysByHash[key.KeyHash] = key.ID
	return nil
}

func (m *MemoryBackend) UpdateAPIKey(ctx context.Context, key *APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.apiKeys[key.ID]
	if !ok {
		return &ErrNotFound{Key: key.ID}
	}
	cp := *key
	cp.KeyHash = existing.KeyHash
	cp.CreatedAt = existing.CreatedAt
	cp.LastUsedAt = existing.LastUsedAt
	m.apiKeys[key.ID] = &cp
	return nil
}

func (m *MemoryBackend) GetAPIKey(ctx context.Context, id string) (*APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.apiKeys[id]
	if !ok {
		return nil, &ErrNotFound{Key: id}
	}
	cp := *key
	return &cp, nil
}

func (m *MemoryBackend) GetAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.keysByHash[keyHash]
	if !ok {
		return nil, &ErrNotFound{Key: keyHash}
	}
	cp := *m.apiKeys[id]
	return &cp, nil
}

func (m *MemoryBackend) ListAPIKeys(ctx context.Context) ([]*APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*APIKey
	for _, key := range m.apiKeys {
		cp := *key
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryBackend) TouchAPIKey(ctx context.Context, id string, usedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key, ok := m.apiKeys[id]; ok {
		key.LastUsedAt = usedAt.UTC()
	}
	return nil
}

// ---- api logs ----

func (m *MemoryBackend) InsertAPILog(ctx context.Context, row *APILog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextLogID++
	cp := *row
	cp.ID = m.nextLogID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.logs = append(m.logs, &cp)
	return nil
}

func (m *MemoryBackend) CountAPILogs(ctx context.Context, apiKeyID string, since time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, row := range m.logs {
		if row.APIKeyID == apiKeyID && !row.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryBackend) SumModelUsage(ctx context.Context, apiKeyID string, since time.Time) ([]*ModelUsage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byModel := make(map[string]*ModelUsage)
	for _, row := range m.logs {
		if row.APIKeyID != apiKeyID || row.CreatedAt.Before(since) {
			continue
		}
		u, ok := byModel[row.Model]
		if !ok {
			u = &ModelUsage{Model: row.Model}
			byModel[row.Model] = u
		}
		u.Requests++
		u.InputTokens += int64(row.InputTokens)
		u.OutputTokens += int64(row.OutputTokens)
	}
	var out []*ModelUsage
	for _, u := range byModel {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out, nil
}

func (m *MemoryBackend) DeleteAPILogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.logs[:0]
	var removed int64
	for _, row := range m.logs {
		if row.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, row)
	}
	m.logs = kept
	return removed, nil
}

// ---- settings ----

func (m *MemoryBackend) GetSetting(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.settings[key]
	if !ok {
		return nil, &ErrNotFound{Key: key}
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	return cp, nil
}

func (m *MemoryBackend) SetSetting(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.settings[key] = cp
	return nil
}

func (m *MemoryBackend) ListSettings(ctx context.Context) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]byte, len(m.settings))
	for k, v := range m.settings {
		cp := make([]byte, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out, nil
}

// ---- model aliases + pricing ----

func (m *MemoryBackend) ListModelAliases(ctx context.Context) ([]*ModelAlias, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ModelAlias
	for _, a := range m.aliases {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryBackend) UpsertModelAlias(ctx context.Context, alias *ModelAlias) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.aliases {
		if existing.Alias == alias.Alias && existing.Provider == alias.Provider {
			existing.TargetModel = alias.TargetModel
			existing.Priority = alias.Priority
			existing.Active = alias.Active
			return nil
		}
	}
	m.nextAliasID++
	cp := *alias
	cp.ID = m.nextAliasID
	m.aliases[cp.ID] = &cp
	return nil
}

func (m *MemoryBackend) DeleteModelAlias(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.aliases[id]; !ok {
		return &ErrNotFound{Key: strconv.FormatInt(id, 10)}
	}
	delete(m.aliases, id)
	return nil
}

func (m *MemoryBackend) ListModelPricing(ctx context.Context) ([]*ModelPricing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ModelPricing
	for _, p := range m.pricing {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelName < out[j].ModelName })
	return out, nil
}

func (m *MemoryBackend) UpsertModelPricing(ctx context.Context, pricing *ModelPricing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.pricing[pricing.ModelName]; ok && pricing.Source == "remote" {
		if existing.Source == "manual" || existing.IsCustom {
			return nil
		}
	}
	cp := *pricing
	cp.UpdatedAt = time.Now().UTC()
	m.pricing[pricing.ModelName] = &cp
	return nil
}

// ---- cache ----

func (m *MemoryBackend) GetCache(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.cache[key]
	if !ok {
		return nil, &ErrNotFound{Key: key}
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		delete(m.cache, key)
		return nil, &ErrNotFound{Key: key}
	}
	cp := make([]byte, len(entry.value))
	copy(cp, entry.value)
	return cp, nil
}

func (m *MemoryBackend) SetCache(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := cacheEntry{value: make([]byte, len(value))}
	copy(entry.value, value)
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	m.cache[key] = entry
	return nil
}

func (m *MemoryBackend) DeleteCache(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, key)
	return nil
}

// ---- stats ----

func (m *MemoryBackend) GetStorageStats(ctx context.Context) (StorageStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return StorageStats{
		Backend:          "memory",
		Credentials:      int64(len(m.creds)),
		ErrorCredentials: int64(len(m.errorCreds)),
		APIKeys:          int64(len(m.apiKeys)),
		LogRows:          int64(len(m.logs)),
	}, nil
}
