package selection

import (
	"context"

	"claude-relay-go/internal/monitoring"

	log "github.com/sirupsen/logrus"
)

// OnSuccess reports a completed upstream call: usage counters advance, the
// health score recovers, and any failure streak ends.
func (e *Engine) OnSuccess(ctx context.Context, provider, credID string) {
	if err := e.registry.IncrementUseCount(ctx, provider, credID); err != nil {
		log.WithError(err).WithField("credential", credID).Warn("use count update failed")
	}
	if err := e.tracker.RecordSuccess(ctx, provider, credID); err != nil {
		log.WithError(err).WithField("credential", credID).Warn("health update failed")
	}
	if err := e.registry.ResetErrorCount(ctx, provider, credID); err != nil {
		log.WithError(err).WithField("credential", credID).Warn("error count reset failed")
	}
}

// OnRateLimit reports an upstream 429: the smaller health penalty applies and
// the optimistically consumed bucket token is refunded.
func (e *Engine) OnRateLimit(ctx context.Context, provider, credID string) {
	if err := e.tracker.RecordRateLimit(ctx, provider, credID); err != nil {
		log.WithError(err).WithField("credential", credID).Warn("health update failed")
	}
	if err := e.tracker.Refund(ctx, provider, credID, 1); err != nil {
		log.WithError(err).WithField("credential", credID).Warn("bucket refund failed")
	}
}

// OnFailure reports an upstream failure. The registry quarantines the
// credential once its error count crosses the threshold.
func (e *Engine) OnFailure(ctx context.Context, provider, credID, msg string) (quarantined bool) {
	if err := e.tracker.RecordFailure(ctx, provider, credID, msg); err != nil {
		log.WithError(err).WithField("credential", credID).Warn("health update failed")
	}
	quarantined, err := e.registry.RecordError(ctx, provider, credID, msg)
	if err != nil {
		log.WithError(err).WithField("credential", credID).Warn("error count update failed")
		return false
	}
	if quarantined {
		monitoring.CredentialQuarantines.WithLabelValues(provider).Inc()
		if e.metrics != nil {
			e.metrics.RecordQuarantine(provider)
		}
	}
	return quarantined
}

// Acquire optimistically consumes one bucket token for the credential. The
// caller refunds through OnRateLimit when the upstream turns out to be
// throttled anyway.
func (e *Engine) Acquire(ctx context.Context, provider, credID string) (bool, float64, error) {
	return e.tracker.Consume(ctx, provider, credID, 1)
}
