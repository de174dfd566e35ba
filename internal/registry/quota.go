package registry

import (
	"context"
	"time"

	"claude-relay-go/internal/constants"
	"claude-relay-go/internal/storage"
)

// UpdateQuota stores a fresh per-model quota snapshot on the credential.
func (r *Registry) UpdateQuota(ctx context.Context, provider, id string, quota map[string]storage.QuotaSnapshot) error {
	cred, err := r.store.GetCredential(ctx, provider, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	cred.SetQuota(quota, now)
	cred.UpdatedAt = now
	if err := r.store.UpdateCredential(ctx, cred); err != nil {
		return err
	}
	r.invalidatePool(provider)
	return nil
}

// IsQuotaFresh reports whether the stored quota snapshot is recent enough to
// act on.
func (r *Registry) IsQuotaFresh(ctx context.Context, provider, id string) (bool, error) {
	cred, err := r.store.GetCredential(ctx, provider, id)
	if err != nil {
		return false, err
	}
	return QuotaFresh(cred, time.Now()), nil
}

// QuotaFresh reports snapshot freshness without a store round trip.
func QuotaFresh(cred *storage.Credential, now time.Time) bool {
	if cred == nil || cred.QuotaUpdatedAt.IsZero() {
		return false
	}
	return now.Sub(cred.QuotaUpdatedAt) < constants.QuotaFreshTTL
}
