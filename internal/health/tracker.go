package health

import (
	"context"
	"sync"
	"time"

	"claude-relay-go/internal/constants"
	"claude-relay-go/internal/monitoring"
	"claude-relay-go/internal/storage"

	log "github.com/sirupsen/logrus"
)

// Options tune score rewards, penalties, and bucket geometry. Zero values
// fall back to the package defaults in internal/constants.
type Options struct {
	InitialScore     float64
	SuccessReward    float64
	FailurePenalty   float64
	RateLimitPenalty float64

	BucketMax      float64
	RegenPerMinute float64
}

func (o Options) withDefaults() Options {
	if o.InitialScore <= 0 {
		o.InitialScore = constants.HealthScoreInitial
	}
	if o.SuccessReward <= 0 {
		o.SuccessReward = constants.HealthSuccessReward
	}
	if o.FailurePenalty <= 0 {
		o.FailurePenalty = constants.HealthFailurePenalty
	}
	if o.RateLimitPenalty <= 0 {
		o.RateLimitPenalty = constants.HealthRateLimitPenalty
	}
	if o.BucketMax <= 0 {
		o.BucketMax = constants.TokenBucketMax
	}
	if o.RegenPerMinute <= 0 {
		o.RegenPerMinute = constants.TokenBucketRegenPerMinute
	}
	return o
}

// Tracker maintains health scores and rate-limit token buckets per
// (provider, credential). Scores live in the store; buckets are held in
// memory and written through only when a consume or refund changes them.
type Tracker struct {
	store   storage.Backend
	opts    Options
	metrics *monitoring.Metrics

	mu      sync.Mutex
	buckets map[string]*bucketState

	now func() time.Time
}

// New creates a tracker on top of the given store.
func New(store storage.Backend, opts Options) *Tracker {
	return &Tracker{
		store:   store,
		opts:    opts.withDefaults(),
		buckets: make(map[string]*bucketState),
		now:     time.Now,
	}
}

// SetMetrics wires the optional runtime metrics sink.
func (t *Tracker) SetMetrics(m *monitoring.Metrics) {
	t.metrics = m
}

// RecordSuccess rewards the credential and clears its failure streak.
func (t *Tracker) RecordSuccess(ctx context.Context, provider, credID string) error {
	return t.updateScore(ctx, provider, credID, func(row *storage.HealthRow, now time.Time) {
		row.Score = clampScore(row.Score + t.opts.SuccessReward)
		row.ConsecutiveFailures = 0
		row.LastSuccessAt = now
	})
}

// RecordFailure penalizes the credential and extends its failure streak.
func (t *Tracker) RecordFailure(ctx context.Context, provider, credID, msg string) error {
	monitoring.CredentialErrors.WithLabelValues(provider, credID, "failure").Inc()
	if t.metrics != nil {
		t.metrics.RecordCredentialFailure(credID)
	}
	return t.updateScore(ctx, provider, credID, func(row *storage.HealthRow, now time.Time) {
		row.Score = clampScore(row.Score - t.opts.FailurePenalty)
		row.ConsecutiveFailures++
		row.LastFailureAt = now
		row.LastErrorMessage = msg
	})
}

// RecordRateLimit applies the smaller 429 penalty. Rate limits do not count
// toward the consecutive-failure streak.
func (t *Tracker) RecordRateLimit(ctx context.Context, provider, credID string) error {
	monitoring.CredentialErrors.WithLabelValues(provider, credID, "rate_limit").Inc()
	return t.updateScore(ctx, provider, credID, func(row *storage.HealthRow, now time.Time) {
		row.Score = clampScore(row.Score - t.opts.RateLimitPenalty)
		row.LastFailureAt = now
	})
}

// Score returns the current health score, or the neutral baseline for a
// credential that has never been observed.
func (t *Tracker) Score(ctx context.Context, provider, credID string) (float64, error) {
	row, err := t.store.GetHealth(ctx, provider, credID)
	if err != nil {
		if storage.IsNotFound(err) {
			return t.opts.InitialScore, nil
		}
		return 0, err
	}
	return row.Score, nil
}

func (t *Tracker) updateScore(ctx context.Context, provider, credID string, mutate func(*storage.HealthRow, time.Time)) error {
	now := t.now().UTC()
	row, err := t.store.GetHealth(ctx, provider, credID)
	if err != nil {
		if !storage.IsNotFound(err) {
			return err
		}
		row = &storage.HealthRow{
			Provider:     provider,
			CredentialID: credID,
			Score:        t.opts.InitialScore,
		}
	}
	mutate(row, now)
	row.UpdatedAt = now
	if err := t.store.UpsertHealth(ctx, row); err != nil {
		return err
	}
	if t.metrics != nil {
		t.metrics.UpdateCredentialHealth(credID, row.Score)
	}
	if row.Score <= constants.HealthScoreMin {
		log.WithFields(log.Fields{"provider": provider, "credential": credID}).Warn("credential health floored")
	}
	return nil
}

func clampScore(s float64) float64 {
	if s > constants.HealthScoreMax {
		return constants.HealthScoreMax
	}
	if s < constants.HealthScoreMin {
		return constants.HealthScoreMin
	}
	return s
}

// Signal bundles the per-credential inputs the selection engine scores on.
type Signal struct {
	Score               float64
	ConsecutiveFailures int
	Tokens              float64
	BucketMax           float64
}

// Signals returns health and bucket state for every listed credential in one
// pass. Credentials without a stored health row report the neutral baseline.
func (t *Tracker) Signals(ctx context.Context, provider string, credIDs []string) (map[string]Signal, error) {
	rows, err := t.store.ListHealth(ctx, provider)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*storage.HealthRow, len(rows))
	for _, row := range rows {
		byID[row.CredentialID] = row
	}

	out := make(map[string]Signal, len(credIDs))
	for _, id := range credIDs {
		sig := Signal{Score: t.opts.InitialScore, BucketMax: t.opts.BucketMax}
		if row, ok := byID[id]; ok {
			sig.Score = row.Score
			sig.ConsecutiveFailures = row.ConsecutiveFailures
		}
		tokens, err := t.Tokens(ctx, provider, id)
		if err != nil {
			return nil, err
		}
		sig.Tokens = tokens
		out[id] = sig
	}
	return out, nil
}
