package registry

import (
	"context"
	"time"
)

// PoolStats aggregates a provider pool for the admin surface.
type PoolStats struct {
	Provider    string    `json:"provider"`
	Total       int       `json:"total"`
	Active      int       `json:"active"`
	Quarantined int       `json:"quarantined"`
	TotalUses   int64     `json:"total_uses"`
	TotalErrors int       `json:"total_errors"`
	QuotaFresh  int       `json:"quota_fresh"`
	LastUsedAt  time.Time `json:"last_used_at,omitempty"`
}

// Stats computes pool aggregates straight from the store, bypassing the
// snapshot cache so the admin view is current.
func (r *Registry) Stats(ctx context.Context, provider string) (PoolStats, error) {
	stats := PoolStats{Provider: provider}

	creds, err := r.store.ListCredentials(ctx, provider, false)
	if err != nil {
		return stats, err
	}
	now := time.Now()
	for _, c := range creds {
		stats.Total++
		if c.Active {
			stats.Active++
		}
		stats.TotalUses += c.UseCount
		stats.TotalErrors += c.ErrorCount
		if QuotaFresh(c, now) {
			stats.QuotaFresh++
		}
		if c.LastUsedAt.After(stats.LastUsedAt) {
			stats.LastUsedAt = c.LastUsedAt
		}
	}

	errs, err := r.store.ListErrorCredentials(ctx, provider)
	if err != nil {
		return stats, err
	}
	stats.Quarantined = len(errs)
	return stats, nil
}
