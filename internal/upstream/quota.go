package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"claude-relay-go/internal/constants"
	"claude-relay-go/internal/models"
	"claude-relay-go/internal/storage"
	"claude-relay-go/internal/token"

	"github.com/tidwall/gjson"
)

const kiroUsageLimitsTemplate = "https://codewhisperer.%s.amazonaws.com/getUsageLimits"

// KiroQuotaProber fetches remaining per-model quota for CodeWhisperer
// credentials. The response carries usage breakdowns per resource; each is
// folded into a remaining fraction keyed by model.
type KiroQuotaProber struct {
	tokens *token.Manager
	client *http.Client
	now    func() time.Time

	// overridable in tests
	endpoint string
}

func NewKiroQuotaProber(tokens *token.Manager) *KiroQuotaProber {
	return &KiroQuotaProber{
		tokens: tokens,
		client: &http.Client{Timeout: constants.QuotaProbeTimeout},
		now:    time.Now,
	}
}

func (p *KiroQuotaProber) Provider() string { return models.ProviderKiro }

func (p *KiroQuotaProber) Probe(ctx context.Context, cred *storage.Credential) (map[string]storage.QuotaSnapshot, error) {
	if err := p.tokens.EnsureValid(ctx, cred); err != nil {
		return nil, err
	}

	endpoint := p.endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf(kiroUsageLimitsTemplate, regionOrDefault(cred.Region))
	}
	if cred.ProfileARN != "" {
		endpoint += "?profileArn=" + url.QueryEscape(cred.ProfileARN)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessSecret)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("usage limits probe: HTTP %d", resp.StatusCode)
	}
	return p.parse(body), nil
}

// parse folds the usage breakdown list into per-model remaining fractions.
// Entries without a model tag land under the catch-all "default" key.
func (p *KiroQuotaProber) parse(body []byte) map[string]storage.QuotaSnapshot {
	now := p.now()
	out := make(map[string]storage.QuotaSnapshot)
	gjson.GetBytes(body, "usageBreakdownList").ForEach(func(_, entry gjson.Result) bool {
		limit := entry.Get("usageLimitWithPrecision").Float()
		if limit <= 0 {
			limit = entry.Get("usageLimit").Float()
		}
		if limit <= 0 {
			return true
		}
		used := entry.Get("currentUsageWithPrecision").Float()
		if used == 0 {
			used = entry.Get("currentUsage").Float()
		}
		remaining := 1 - used/limit
		if remaining < 0 {
			remaining = 0
		}
		model := entry.Get("resourceType").String()
		if model == "" {
			model = "default"
		}
		snapshot := storage.QuotaSnapshot{
			RemainingFraction: remaining,
			FetchedAt:         now,
		}
		if resetAt := entry.Get("nextDateReset").Int(); resetAt > 0 {
			snapshot.ResetTime = time.Unix(resetAt, 0)
		}
		out[model] = snapshot
		return true
	})
	return out
}
