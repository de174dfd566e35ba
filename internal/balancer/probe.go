package balancer

import (
	"context"
	"net/http"
	"time"

	"claude-relay-go/internal/constants"

	log "github.com/sirupsen/logrus"
)

// Prober actively checks every backend's /health endpoint and flips their
// healthy flags.
type Prober struct {
	pool   *Pool
	client *http.Client
	path   string
}

func NewProber(pool *Pool, probePath string) *Prober {
	if probePath == "" {
		probePath = "/health"
	}
	return &Prober{
		pool:   pool,
		client: &http.Client{Timeout: constants.BalancerProbeTimeout},
		path:   probePath,
	}
}

// Run probes once shortly after startup, then on every tick until the
// context ends.
func (p *Prober) Run(ctx context.Context) {
	select {
	case <-time.After(constants.BalancerStartupProbe):
		p.ProbeAll(ctx)
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(constants.BalancerProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.ProbeAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// ProbeAll checks every backend sequentially; the set is small and the probe
// timeout bounds the sweep.
func (p *Prober) ProbeAll(ctx context.Context) {
	for _, b := range p.pool.Backends() {
		p.probe(ctx, b)
	}
}

func (p *Prober) probe(ctx context.Context, b *Backend) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+b.Addr()+p.path, nil)
	if err != nil {
		b.SetHealth(false, 0, time.Now())
		return
	}
	resp, err := p.client.Do(req)
	elapsed := time.Since(start)
	ok := err == nil && resp.StatusCode < http.StatusInternalServerError
	if resp != nil {
		resp.Body.Close()
	}

	wasHealthy := b.Healthy()
	b.SetHealth(ok, elapsed, time.Now())
	if ok != wasHealthy {
		entry := log.WithFields(log.Fields{"backend": b.Addr(), "latency": elapsed})
		if ok {
			entry.Info("Backend recovered")
		} else {
			entry.WithError(err).Warn("Backend unhealthy")
		}
	}
}
