package stats

import (
	"context"
	"fmt"
	"sync"
	"time"

	"claude-relay-go/internal/storage"

	log "github.com/sirupsen/logrus"
)

const pricingCacheTTL = 5 * time.Minute

// ModelCost is usage plus computed cost for one model.
type ModelCost struct {
	Model        string  `json:"model"`
	Requests     int64   `json:"requests"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// UsageSummary aggregates an API key's activity since a cutoff.
type UsageSummary struct {
	Requests     int64       `json:"requests"`
	InputTokens  int64       `json:"input_tokens"`
	OutputTokens int64       `json:"output_tokens"`
	Cost         float64     `json:"cost"`
	PerModel     []ModelCost `json:"per_model,omitempty"`
}

// Service computes usage summaries and enforces per-key request and cost
// limits from the api_logs table. Pricing rows are cached briefly; a missing
// price means the model's usage counts toward request limits but not cost.
type Service struct {
	store storage.Backend

	mu        sync.RWMutex
	pricing   map[string]*storage.ModelPricing
	fetchedAt time.Time
	nowFunc   func() time.Time
}

func NewService(store storage.Backend) *Service {
	return &Service{
		store:   store,
		pricing: make(map[string]*storage.ModelPricing),
		nowFunc: time.Now,
	}
}

// Usage returns the key's aggregate usage since the cutoff. An empty
// apiKeyID aggregates across all keys.
func (s *Service) Usage(ctx context.Context, apiKeyID string, since time.Time) (*UsageSummary, error) {
	rows, err := s.store.SumModelUsage(ctx, apiKeyID, since)
	if err != nil {
		return nil, fmt.Errorf("sum model usage: %w", err)
	}
	pricing := s.pricingTable(ctx)

	out := &UsageSummary{}
	for _, row := range rows {
		cost := 0.0
		if p, ok := pricing[row.Model]; ok {
			cost = float64(row.InputTokens)/1e6*p.InputPricePerM +
				float64(row.OutputTokens)/1e6*p.OutputPricePerM
		}
		out.Requests += row.Requests
		out.InputTokens += row.InputTokens
		out.OutputTokens += row.OutputTokens
		out.Cost += cost
		out.PerModel = append(out.PerModel, ModelCost{
			Model:        row.Model,
			Requests:     row.Requests,
			InputTokens:  row.InputTokens,
			OutputTokens: row.OutputTokens,
			Cost:         cost,
		})
	}
	return out, nil
}

// LimitExceeded names which limit a key has run over.
type LimitExceeded struct {
	Window string // daily, monthly, total
	Kind   string // requests, cost
	Limit  float64
	Used   float64
}

func (e *LimitExceeded) Error() string {
	return fmt.Sprintf("%s %s limit exceeded (%.2f of %.2f)", e.Window, e.Kind, e.Used, e.Limit)
}

// CheckLimits verifies the key's request-count and cost limits across the
// daily, monthly, and lifetime windows. A nil return means the request may
// proceed.
func (s *Service) CheckLimits(ctx context.Context, key *storage.APIKey) error {
	now := s.nowFunc()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())

	type window struct {
		name      string
		since     time.Time
		reqLimit  int64
		costLimit float64
	}
	windows := []window{
		{"daily", dayStart, key.DailyLimit, key.DailyCostLimit},
		{"monthly", monthStart, key.MonthlyLimit, key.MonthlyCostLimit},
		{"total", time.Time{}, key.TotalLimit, key.TotalCostLimit},
	}

	for _, w := range windows {
		if w.reqLimit > 0 {
			count, err := s.store.CountAPILogs(ctx, key.ID, w.since)
			if err != nil {
				return fmt.Errorf("count api logs: %w", err)
			}
			if count >= w.reqLimit {
				return &LimitExceeded{Window: w.name, Kind: "requests",
					Limit: float64(w.reqLimit), Used: float64(count)}
			}
		}
		if w.costLimit > 0 {
			summary, err := s.Usage(ctx, key.ID, w.since)
			if err != nil {
				return err
			}
			if summary.Cost >= w.costLimit {
				return &LimitExceeded{Window: w.name, Kind: "cost",
					Limit: w.costLimit, Used: summary.Cost}
			}
		}
	}
	return nil
}

func (s *Service) pricingTable(ctx context.Context) map[string]*storage.ModelPricing {
	now := s.nowFunc()
	s.mu.RLock()
	if now.Sub(s.fetchedAt) < pricingCacheTTL {
		table := s.pricing
		s.mu.RUnlock()
		return table
	}
	s.mu.RUnlock()

	rows, err := s.store.ListModelPricing(ctx)
	if err != nil {
		log.WithError(err).Warn("Model pricing refresh failed, serving stale table")
		s.mu.RLock()
		table := s.pricing
		s.mu.RUnlock()
		return table
	}
	table := make(map[string]*storage.ModelPricing, len(rows))
	for _, row := range rows {
		table[row.ModelName] = row
	}
	s.mu.Lock()
	s.pricing = table
	s.fetchedAt = now
	s.mu.Unlock()
	return table
}

// InvalidatePricing drops the pricing cache, used after admin edits.
func (s *Service) InvalidatePricing() {
	s.mu.Lock()
	s.fetchedAt = time.Time{}
	s.mu.Unlock()
}
