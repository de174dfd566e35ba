package selection

import (
	"context"
	"sort"
	"sync"
	"time"

	"claude-relay-go/internal/constants"
	apperrors "claude-relay-go/internal/errors"
	"claude-relay-go/internal/health"
	"claude-relay-go/internal/monitoring"
	"claude-relay-go/internal/registry"
	"claude-relay-go/internal/storage"

	log "github.com/sirupsen/logrus"
)

// Weights are the hybrid strategy score coefficients. Zero values fall back
// to the package defaults.
type Weights struct {
	Health float64
	Tokens float64
	Quota  float64
	LRU    float64
}

func (w Weights) withDefaults() Weights {
	if w.Health <= 0 {
		w.Health = constants.SelectionHealthWeight
	}
	if w.Tokens <= 0 {
		w.Tokens = constants.SelectionTokenWeight
	}
	if w.Quota <= 0 {
		w.Quota = constants.SelectionQuotaWeight
	}
	if w.LRU <= 0 {
		w.LRU = constants.SelectionLRUWeight
	}
	return w
}

// Request carries everything one pick needs. Fingerprint identifies the
// caller for sticky routing (client IP, API key id, or conversation id,
// whichever the gateway chose for the provider).
type Request struct {
	Provider    string
	Model       string
	Fingerprint string
	Strategy    string
	Weights     Weights
	MinHealth   float64
}

// Result is a successful pick.
type Result struct {
	Credential *storage.Credential
	Strategy   string
	// Relaxed names the filter stage that had to be dropped to produce a
	// candidate set; empty means the normal filters held.
	Relaxed string
}

// Engine picks credentials from registry pools using health, token-bucket,
// and quota signals.
type Engine struct {
	registry *registry.Registry
	tracker  *health.Tracker
	metrics  *monitoring.Metrics

	mu         sync.Mutex
	rrCounters map[string]uint64
	sticky     map[string]stickyEntry

	now func() time.Time
}

type stickyEntry struct {
	credentialID string
	expiresAt    time.Time
}

// New creates a selection engine.
func New(reg *registry.Registry, tracker *health.Tracker) *Engine {
	return &Engine{
		registry:   reg,
		tracker:    tracker,
		rrCounters: make(map[string]uint64),
		sticky:     make(map[string]stickyEntry),
		now:        time.Now,
	}
}

// SetMetrics wires the optional runtime metrics sink.
func (e *Engine) SetMetrics(m *monitoring.Metrics) {
	e.metrics = m
}

// Pick selects one credential for the request or returns an Unavailable
// error once every relaxation stage has failed.
func (e *Engine) Pick(ctx context.Context, req Request) (*Result, error) {
	strategy := req.Strategy
	if strategy == "" {
		strategy = constants.StrategyHybrid
	}
	minHealth := req.MinHealth
	if minHealth <= 0 {
		minHealth = constants.HealthMinUsable
	}

	pool, err := e.registry.ListActive(ctx, req.Provider)
	if err != nil {
		return nil, err
	}

	candidates := make([]*storage.Credential, 0, len(pool))
	for _, cred := range pool {
		if cred.ErrorCount >= constants.QuarantineThreshold {
			continue
		}
		if requiresProject(req.Provider) && cred.ProjectID == "" {
			continue
		}
		candidates = append(candidates, cred)
	}
	if len(candidates) == 0 {
		monitoring.SelectionRelaxations.WithLabelValues(req.Provider, "unavailable").Inc()
		return nil, apperrors.New(apperrors.KindUnavailable, "No usable credential for provider "+req.Provider)
	}

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	signals, err := e.tracker.Signals(ctx, req.Provider, ids)
	if err != nil {
		return nil, err
	}

	healthy := make([]*storage.Credential, 0, len(candidates))
	for _, c := range candidates {
		if signals[c.ID].Score >= minHealth {
			healthy = append(healthy, c)
		}
	}
	relaxed := ""
	if len(healthy) == 0 {
		// rather than refusing outright, fall back to the full active
		// set and let the scorer sort out the least-bad option
		healthy = candidates
		relaxed = "health"
		monitoring.SelectionRelaxations.WithLabelValues(req.Provider, "health").Inc()
		log.WithFields(log.Fields{
			"provider":   req.Provider,
			"candidates": len(candidates),
		}).Debug("no credential above health threshold, relaxing filter")
	}

	var chosen *storage.Credential
	switch strategy {
	case constants.StrategySticky:
		chosen = e.pickSticky(req, healthy, signals)
	case constants.StrategyRoundRobin:
		chosen = e.pickRoundRobin(req.Provider, healthy)
	default:
		strategy = constants.StrategyHybrid
		chosen = e.pickHybrid(req, healthy, signals)
	}
	if chosen == nil {
		monitoring.SelectionRelaxations.WithLabelValues(req.Provider, "unavailable").Inc()
		return nil, apperrors.New(apperrors.KindUnavailable, "No usable credential for provider "+req.Provider)
	}

	monitoring.SelectionTotal.WithLabelValues(req.Provider, strategy).Inc()
	if e.metrics != nil {
		e.metrics.RecordSelection(strategy)
	}
	return &Result{Credential: chosen, Strategy: strategy, Relaxed: relaxed}, nil
}

// pickHybrid scores every candidate and takes the argmax. Ties break on
// lower error count, then on the longest-idle credential.
func (e *Engine) pickHybrid(req Request, candidates []*storage.Credential, signals map[string]health.Signal) *storage.Credential {
	if len(candidates) == 0 {
		return nil
	}
	weights := req.Weights.withDefaults()
	now := e.now()

	type scored struct {
		cred  *storage.Credential
		score float64
	}
	ranked := make([]scored, 0, len(candidates))
	for _, cred := range candidates {
		sig := signals[cred.ID]
		bucketMax := sig.BucketMax
		if bucketMax <= 0 {
			bucketMax = constants.TokenBucketMax
		}
		score := weights.Health*(sig.Score/100.0) +
			weights.Tokens*(sig.Tokens/bucketMax) +
			weights.Quota*health.QuotaSignal(cred, req.Model, now) +
			weights.LRU*recencyBoost(cred.LastUsedAt, now)
		ranked = append(ranked, scored{cred: cred, score: score})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		if ranked[i].cred.ErrorCount != ranked[j].cred.ErrorCount {
			return ranked[i].cred.ErrorCount < ranked[j].cred.ErrorCount
		}
		return ranked[i].cred.LastUsedAt.Before(ranked[j].cred.LastUsedAt)
	})
	return ranked[0].cred
}

// recencyBoost is a mild affinity bonus: 1 for a just-used credential,
// decaying linearly to 0 once it has sat idle for the whole LRU window.
// Never-used credentials decay to 0 the same way.
func recencyBoost(lastUsed time.Time, now time.Time) float64 {
	ratio := float64(now.Sub(lastUsed)) / float64(constants.SelectionLRUWindow)
	if ratio > 1 {
		ratio = 1
	}
	if ratio < 0 {
		ratio = 0
	}
	return 1 - ratio
}

// requiresProject filters pools whose upstream calls cannot be built without
// a project id. Vertex extracts the project from the service-account JSON at
// call time instead.
func requiresProject(provider string) bool {
	return provider == "gemini"
}
