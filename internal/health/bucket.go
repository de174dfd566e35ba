package health

import (
	"context"
	"time"

	"claude-relay-go/internal/storage"
)

// bucketState is the in-memory bucket. The pair (tokens, lastUpdated) only
// changes together, and only when the change is also persisted; reads derive
// the effective balance from wall time without touching the anchor.
type bucketState struct {
	tokens      float64
	lastUpdated time.Time
}

// Consume tries to debit n tokens. It returns (true, remaining) on success
// and (false, current) when the bucket cannot cover n. Regeneration is
// computed from wall time since the last persisted change; only successful
// debits are written back to the store.
func (t *Tracker) Consume(ctx context.Context, provider, credID string, n float64) (bool, float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, err := t.hydrateLocked(ctx, provider, credID)
	if err != nil {
		return false, 0, err
	}
	now := t.now().UTC()
	effective := t.effectiveTokens(state, now)

	if effective < n {
		return false, effective, nil
	}
	state.tokens = effective - n
	state.lastUpdated = now
	if err := t.persistLocked(ctx, provider, credID, state); err != nil {
		return false, state.tokens, err
	}
	return true, state.tokens, nil
}

// Refund restores n tokens after an optimistic consume turned out to be a
// 429: the upstream charged the request against its own limiter, so ours
// should not double-charge.
func (t *Tracker) Refund(ctx context.Context, provider, credID string, n float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, err := t.hydrateLocked(ctx, provider, credID)
	if err != nil {
		return err
	}
	now := t.now().UTC()
	state.tokens = t.effectiveTokens(state, now) + n
	if state.tokens > t.opts.BucketMax {
		state.tokens = t.opts.BucketMax
	}
	state.lastUpdated = now
	return t.persistLocked(ctx, provider, credID, state)
}

// Tokens reports the effective token count with regeneration applied but not
// persisted.
func (t *Tracker) Tokens(ctx context.Context, provider, credID string) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, err := t.hydrateLocked(ctx, provider, credID)
	if err != nil {
		return 0, err
	}
	return t.effectiveTokens(state, t.now().UTC()), nil
}

func (t *Tracker) hydrateLocked(ctx context.Context, provider, credID string) (*bucketState, error) {
	key := provider + "/" + credID
	if state, ok := t.buckets[key]; ok {
		return state, nil
	}
	state := &bucketState{tokens: t.opts.BucketMax, lastUpdated: t.now().UTC()}
	row, err := t.store.GetBucket(ctx, provider, credID)
	if err != nil && !storage.IsNotFound(err) {
		return nil, err
	}
	if err == nil {
		state.tokens = row.Tokens
		state.lastUpdated = row.LastUpdated
	}
	t.buckets[key] = state
	return state, nil
}

func (t *Tracker) effectiveTokens(state *bucketState, now time.Time) float64 {
	if !now.After(state.lastUpdated) {
		return state.tokens
	}
	tokens := state.tokens + now.Sub(state.lastUpdated).Minutes()*t.opts.RegenPerMinute
	if tokens > t.opts.BucketMax {
		tokens = t.opts.BucketMax
	}
	return tokens
}

func (t *Tracker) persistLocked(ctx context.Context, provider, credID string, state *bucketState) error {
	return t.store.UpsertBucket(ctx, &storage.BucketRow{
		Provider:     provider,
		CredentialID: credID,
		Tokens:       state.tokens,
		LastUpdated:  state.lastUpdated,
	})
}
