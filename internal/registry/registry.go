package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"claude-relay-go/internal/constants"
	"claude-relay-go/internal/events"
	"claude-relay-go/internal/storage"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Options configure how the registry behaves.
type Options struct {
	// QuarantineThreshold is the error count at which RecordError moves a
	// credential into the error table. Zero means the package default.
	QuarantineThreshold int
	// PoolCacheTTL bounds the in-process active-pool snapshot. Zero means
	// the package default.
	PoolCacheTTL time.Duration
}

// Registry manages per-provider credential pools on top of a storage backend.
// Reads go through a short-lived pool snapshot; every mutation invalidates it
// and broadcasts a change event.
type Registry struct {
	store storage.Backend

	quarantineThreshold int
	poolTTL             time.Duration

	mu        sync.RWMutex
	pools     map[string]poolSnapshot
	publisher events.Publisher
}

type poolSnapshot struct {
	creds     []*storage.Credential
	fetchedAt time.Time
}

// New creates a registry backed by the given store.
func New(store storage.Backend, opts Options) *Registry {
	threshold := opts.QuarantineThreshold
	if threshold <= 0 {
		threshold = constants.QuarantineThreshold
	}
	ttl := opts.PoolCacheTTL
	if ttl <= 0 {
		ttl = constants.PoolCacheTTL
	}
	return &Registry{
		store:               store,
		quarantineThreshold: threshold,
		poolTTL:             ttl,
		pools:               make(map[string]poolSnapshot),
	}
}

// SetEventPublisher wires the event hub used to broadcast credential changes.
func (r *Registry) SetEventPublisher(p events.Publisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publisher = p
}

// Watch invalidates cached pool snapshots whenever another component
// announces a credential change on the hub. Returns an unsubscribe function.
func (r *Registry) Watch(sub events.Subscriber) func() {
	handler := func(_ context.Context, ev events.Event) {
		provider := ev.Metadata["provider"]
		r.invalidatePool(provider)
	}
	unsubs := []func(){
		sub.Subscribe(events.TopicCredentialChanged, handler),
		sub.Subscribe(events.TopicCredentialQuarantined, handler),
		sub.Subscribe(events.TopicCredentialRestored, handler),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Add validates and inserts a new credential. Missing IDs are generated.
func (r *Registry) Add(ctx context.Context, cred *storage.Credential) error {
	if cred == nil {
		return fmt.Errorf("add credential: nil credential")
	}
	if cred.Provider == "" {
		return fmt.Errorf("add credential: provider is required")
	}
	if strings.TrimSpace(cred.Name) == "" {
		return fmt.Errorf("add credential: name is required")
	}
	if cred.AccessSecret == "" && cred.RefreshSecret == "" {
		return fmt.Errorf("add credential: at least one secret is required")
	}
	if cred.ID == "" {
		cred.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	cred.CreatedAt = now
	cred.UpdatedAt = now
	if !cred.Active {
		// New credentials join the pool unless explicitly disabled later.
		cred.Active = true
	}

	if err := r.store.InsertCredential(ctx, cred); err != nil {
		return err
	}
	log.WithFields(log.Fields{"provider": cred.Provider, "credential": cred.ID}).Info("credential added")
	r.afterMutation(ctx, "added", cred)
	return nil
}

// Update replaces the stored credential with cred, preserving CreatedAt and
// the runtime counters the caller did not touch.
func (r *Registry) Update(ctx context.Context, cred *storage.Credential) error {
	if cred == nil || cred.Provider == "" || cred.ID == "" {
		return fmt.Errorf("update credential: provider and id are required")
	}
	existing, err := r.store.GetCredential(ctx, cred.Provider, cred.ID)
	if err != nil {
		return err
	}
	cred.CreatedAt = existing.CreatedAt
	if cred.UseCount == 0 {
		cred.UseCount = existing.UseCount
	}
	if cred.LastUsedAt.IsZero() {
		cred.LastUsedAt = existing.LastUsedAt
	}
	cred.UpdatedAt = time.Now().UTC()

	if err := r.store.UpdateCredential(ctx, cred); err != nil {
		return err
	}
	r.afterMutation(ctx, "updated", cred)
	return nil
}

// Delete removes a credential from the pool.
func (r *Registry) Delete(ctx context.Context, provider, id string) error {
	cred, err := r.store.GetCredential(ctx, provider, id)
	if err != nil {
		return err
	}
	if err := r.store.DeleteCredential(ctx, provider, id); err != nil {
		return err
	}
	log.WithFields(log.Fields{"provider": provider, "credential": id}).Info("credential deleted")
	r.afterMutation(ctx, "deleted", cred)
	return nil
}

// GetByID returns the stored credential, bypassing the pool cache.
func (r *Registry) GetByID(ctx context.Context, provider, id string) (*storage.Credential, error) {
	return r.store.GetCredential(ctx, provider, id)
}

// GetByName returns the credential with the given display name.
func (r *Registry) GetByName(ctx context.Context, provider, name string) (*storage.Credential, error) {
	return r.store.GetCredentialByName(ctx, provider, name)
}

// List returns every credential for the provider, active or not.
func (r *Registry) List(ctx context.Context, provider string) ([]*storage.Credential, error) {
	return r.store.ListCredentials(ctx, provider, false)
}

// ListActive returns the active pool for the provider, served from a
// short-lived snapshot. The store orders by errorCount ASC, updatedAt DESC.
func (r *Registry) ListActive(ctx context.Context, provider string) ([]*storage.Credential, error) {
	r.mu.RLock()
	snap, ok := r.pools[provider]
	ttl := r.poolTTL
	r.mu.RUnlock()
	if ok && time.Since(snap.fetchedAt) < ttl {
		return cloneCredentials(snap.creds), nil
	}

	creds, err := r.store.ListCredentials(ctx, provider, true)
	if err != nil {
		if ok {
			// Serve the stale snapshot rather than failing selection
			// outright on a transient store error.
			log.WithError(err).WithField("provider", provider).Warn("pool refresh failed, serving stale snapshot")
			return cloneCredentials(snap.creds), nil
		}
		return nil, err
	}

	r.mu.Lock()
	r.pools[provider] = poolSnapshot{creds: creds, fetchedAt: time.Now()}
	r.mu.Unlock()
	return cloneCredentials(creds), nil
}

// ToggleActive enables or disables a credential. Enabling clears the error
// counter so the credential re-enters selection cleanly.
func (r *Registry) ToggleActive(ctx context.Context, provider, id string, active bool) error {
	cred, err := r.store.GetCredential(ctx, provider, id)
	if err != nil {
		return err
	}
	cred.Active = active
	if active {
		cred.ErrorCount = 0
		cred.LastError = ""
	}
	cred.UpdatedAt = time.Now().UTC()
	if err := r.store.UpdateCredential(ctx, cred); err != nil {
		return err
	}
	action := "disabled"
	if active {
		action = "enabled"
	}
	log.WithFields(log.Fields{"provider": provider, "credential": id}).Infof("credential %s", action)
	r.afterMutation(ctx, action, cred)
	return nil
}

// IncrementUseCount bumps the usage counter and LRU timestamp in one write.
func (r *Registry) IncrementUseCount(ctx context.Context, provider, id string) error {
	return r.store.IncrementCredentialField(ctx, provider, id, "use_count", 1)
}

func (r *Registry) invalidatePool(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if provider == "" {
		r.pools = make(map[string]poolSnapshot)
		return
	}
	delete(r.pools, provider)
}

func (r *Registry) afterMutation(ctx context.Context, action string, cred *storage.Credential) {
	r.invalidatePool(cred.Provider)
	r.emitCredentialEvent(ctx, action, cred)
}

func cloneCredentials(creds []*storage.Credential) []*storage.Credential {
	out := make([]*storage.Credential, len(creds))
	for i, c := range creds {
		out[i] = cloneCredential(c)
	}
	return out
}

func cloneCredential(c *storage.Credential) *storage.Credential {
	if c == nil {
		return nil
	}
	clone := *c
	if len(c.QuotaJSON) > 0 {
		clone.QuotaJSON = append([]byte(nil), c.QuotaJSON...)
	}
	return &clone
}
