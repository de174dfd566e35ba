package health

import (
	"time"

	"claude-relay-go/internal/constants"
	"claude-relay-go/internal/storage"
)

// QuotaSignal maps a credential's quota snapshot for a model onto the
// selection signal scale:
//
//	1.00  fresh and comfortably above the low-water mark
//	0.30  fresh but inside the low band
//	0.05  fresh and nearly exhausted
//	0.50  stale, missing, or never fetched
func QuotaSignal(cred *storage.Credential, model string, now time.Time) float64 {
	if cred == nil || cred.QuotaUpdatedAt.IsZero() {
		return constants.QuotaUnknownSignal
	}
	if now.Sub(cred.QuotaUpdatedAt) >= constants.QuotaFreshTTL {
		return constants.QuotaUnknownSignal
	}
	snap, ok := cred.Quota()[model]
	if !ok {
		return constants.QuotaUnknownSignal
	}
	switch {
	case snap.RemainingFraction < constants.QuotaCriticalThreshold:
		return 0.05
	case snap.RemainingFraction < constants.QuotaLowThreshold:
		return 0.3
	default:
		return 1.0
	}
}
