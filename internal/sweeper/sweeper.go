package sweeper

import (
	"context"
	"time"

	"claude-relay-go/internal/config"
	"claude-relay-go/internal/constants"
	"claude-relay-go/internal/models"
	"claude-relay-go/internal/registry"
	"claude-relay-go/internal/runtime"
	"claude-relay-go/internal/storage"
	"claude-relay-go/internal/token"

	log "github.com/sirupsen/logrus"
)

// QuotaProber fetches the remaining-quota snapshot for one credential. The
// provider-specific probe lives with the upstream adapters; the sweeper only
// schedules it.
type QuotaProber interface {
	Provider() string
	Probe(ctx context.Context, cred *storage.Credential) (map[string]storage.QuotaSnapshot, error)
}

// Sweepers runs the gateway's background maintenance loops on a task
// manager: proactive token refresh, quota refresh, and log retention.
type Sweepers struct {
	registry *registry.Registry
	tokens   *token.Manager
	store    storage.Backend
	settings *config.SettingsCache
	probers  map[string]QuotaProber
}

func New(reg *registry.Registry, tokens *token.Manager, store storage.Backend, settings *config.SettingsCache, probers []QuotaProber) *Sweepers {
	byProvider := make(map[string]QuotaProber, len(probers))
	for _, p := range probers {
		byProvider[p.Provider()] = p
	}
	return &Sweepers{
		registry: reg,
		tokens:   tokens,
		store:    store,
		settings: settings,
		probers:  byProvider,
	}
}

// Register schedules all loops on the task manager.
func (s *Sweepers) Register(tm *runtime.TaskManager) error {
	if err := tm.StartPeriodic("token-refresh", constants.TokenSweepInterval, s.SweepTokens); err != nil {
		return err
	}
	if err := tm.StartPeriodic("quota-refresh", constants.QuotaSweepInterval, s.SweepQuota); err != nil {
		return err
	}
	return tm.StartPeriodic("log-retention", constants.LogRetentionInterval, s.SweepLogs)
}

// SweepTokens refreshes every active credential whose token is inside the
// expiry threshold. Failures are recorded per credential and do not stop the
// sweep.
func (s *Sweepers) SweepTokens(ctx context.Context) error {
	refreshed, failed := 0, 0
	for _, provider := range models.AllProviders {
		creds, err := s.registry.ListActive(ctx, provider)
		if err != nil {
			log.WithError(err).WithField("provider", provider).Warn("Token sweep list failed")
			continue
		}
		for _, cred := range creds {
			if !s.tokens.IsExpiringSoon(cred.ExpiresAt) {
				continue
			}
			if err := s.tokens.Refresh(ctx, cred); err != nil {
				failed++
				continue
			}
			refreshed++
		}
	}
	if refreshed > 0 || failed > 0 {
		log.WithFields(log.Fields{
			"refreshed": refreshed,
			"failed":    failed,
		}).Info("Token sweep finished")
	}
	return nil
}

// SweepQuota probes remaining quota for providers that have a prober and
// persists fresh snapshots on the credential rows.
func (s *Sweepers) SweepQuota(ctx context.Context) error {
	if s.settings != nil && !s.settings.Get(ctx).QuotaRefreshEnabled {
		return nil
	}
	for provider, prober := range s.probers {
		creds, err := s.registry.ListActive(ctx, provider)
		if err != nil {
			log.WithError(err).WithField("provider", provider).Warn("Quota sweep list failed")
			continue
		}
		for _, cred := range creds {
			if time.Since(cred.QuotaUpdatedAt) < constants.QuotaFreshTTL {
				continue
			}
			snapshot, err := prober.Probe(ctx, cred)
			if err != nil {
				log.WithError(err).WithFields(log.Fields{
					"provider":   provider,
					"credential": cred.Name,
				}).Debug("Quota probe failed")
				continue
			}
			cred.SetQuota(snapshot, time.Now())
			if err := s.registry.Update(ctx, cred); err != nil {
				log.WithError(err).WithField("credential", cred.Name).Warn("Quota snapshot persist failed")
			}
		}
	}
	return nil
}

// SweepLogs deletes api_logs rows older than the configured retention.
func (s *Sweepers) SweepLogs(ctx context.Context) error {
	days := constants.DefaultRetentionDays
	if s.settings != nil {
		if d := s.settings.Get(ctx).LogRetentionDays; d > 0 {
			days = d
		}
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	deleted, err := s.store.DeleteAPILogsBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if deleted > 0 {
		log.WithFields(log.Fields{
			"deleted": deleted,
			"cutoff":  cutoff.Format(time.RFC3339),
		}).Info("Log retention sweep finished")
	}
	return nil
}
