package upstream

import (
	"context"
	"sync"
	"time"

	"claude-relay-go/internal/constants"
	"claude-relay-go/internal/models"
	"claude-relay-go/internal/storage"

	log "github.com/sirupsen/logrus"
)

// Resolution is the outcome of mapping an inbound model name: the provider
// to route to and the upstream model identifier for that provider.
type Resolution struct {
	Provider string
	Model    string
	// Aliased reports whether a stored alias row decided the route.
	Aliased bool
}

// ModelResolver maps inbound model names to (provider, upstream model).
// Stored alias rows take precedence over the built-in mapping tables;
// unknown names fall through to the default provider unchanged.
type ModelResolver struct {
	store storage.Backend

	mu        sync.RWMutex
	aliases   map[string]*storage.ModelAlias
	fetchedAt time.Time
	ttl       time.Duration
	nowFunc   func() time.Time
}

func NewModelResolver(store storage.Backend) *ModelResolver {
	return &ModelResolver{
		store:   store,
		aliases: make(map[string]*storage.ModelAlias),
		ttl:     constants.ModelAliasCacheTTL,
		nowFunc: time.Now,
	}
}

// Resolve decides routing for one inbound model name. aliasesEnabled gates
// the stored alias table; defaultProvider is the fallback when the name
// matches nothing.
func (r *ModelResolver) Resolve(ctx context.Context, model string, aliasesEnabled bool, defaultProvider string) Resolution {
	if aliasesEnabled {
		if alias := r.lookupAlias(ctx, model); alias != nil {
			return Resolution{Provider: alias.Provider, Model: alias.TargetModel, Aliased: true}
		}
	}
	if defaultProvider == "" || !models.IsKnownProvider(defaultProvider) {
		defaultProvider = models.ProviderKiro
	}
	return Resolution{
		Provider: defaultProvider,
		Model:    models.MapModelForProvider(defaultProvider, model),
	}
}

// UpstreamModel maps an inbound model name for a fixed provider, used when
// the caller pinned the provider explicitly.
func (r *ModelResolver) UpstreamModel(provider, model string) string {
	return models.MapModelForProvider(provider, model)
}

// Invalidate drops the alias cache so the next resolve refetches.
func (r *ModelResolver) Invalidate() {
	r.mu.Lock()
	r.fetchedAt = time.Time{}
	r.mu.Unlock()
}

func (r *ModelResolver) lookupAlias(ctx context.Context, model string) *storage.ModelAlias {
	now := r.nowFunc()

	r.mu.RLock()
	fresh := now.Sub(r.fetchedAt) < r.ttl
	alias := r.aliases[model]
	r.mu.RUnlock()
	if fresh {
		return alias
	}

	rows, err := r.store.ListModelAliases(ctx)
	if err != nil {
		// Stale cache beats a failed resolve.
		log.WithError(err).Warn("Model alias refresh failed, serving stale cache")
		return alias
	}

	next := make(map[string]*storage.ModelAlias, len(rows))
	for _, row := range rows {
		if !row.Active {
			continue
		}
		// Rows arrive priority-descending; first mapping per alias wins.
		if _, exists := next[row.Alias]; !exists {
			next[row.Alias] = row
		}
	}

	r.mu.Lock()
	r.aliases = next
	r.fetchedAt = now
	r.mu.Unlock()
	return next[model]
}
