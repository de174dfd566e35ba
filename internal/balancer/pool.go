package balancer

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"claude-relay-go/internal/constants"
)

// Backend is one gateway instance behind the balancer.
type Backend struct {
	Host string
	Port int

	healthy   atomic.Bool
	lastCheck atomic.Int64 // unix nano
	latencyNS atomic.Int64
}

// NewBackend builds a backend assumed healthy until the first probe says
// otherwise.
func NewBackend(host string, port int) *Backend {
	b := &Backend{Host: host, Port: port}
	b.healthy.Store(true)
	return b
}

func (b *Backend) Addr() string { return fmt.Sprintf("%s:%d", b.Host, b.Port) }

// Healthy reports the current probe verdict.
func (b *Backend) Healthy() bool { return b.healthy.Load() }

// SetHealth records a probe or passive-detection result.
func (b *Backend) SetHealth(ok bool, latency time.Duration, at time.Time) {
	b.healthy.Store(ok)
	b.lastCheck.Store(at.UnixNano())
	if ok {
		b.latencyNS.Store(int64(latency))
	}
}

// Status is the JSON view served by /lb/status.
type Status struct {
	Addr      string    `json:"addr"`
	Healthy   bool      `json:"healthy"`
	LatencyMS float64   `json:"latency_ms"`
	LastCheck time.Time `json:"last_check,omitempty"`
}

func (b *Backend) Status() Status {
	s := Status{
		Addr:      b.Addr(),
		Healthy:   b.healthy.Load(),
		LatencyMS: float64(b.latencyNS.Load()) / float64(time.Millisecond),
	}
	if ns := b.lastCheck.Load(); ns > 0 {
		s.LastCheck = time.Unix(0, ns)
	}
	return s
}

type mappingEntry struct {
	backendAddr string
	storedAt    time.Time
}

// Pool holds the backend set and the sticky client-IP mapping. Selection is
// consistent: the same client IP lands on the same backend for as long as
// that backend stays healthy and the mapping entry stays fresh.
type Pool struct {
	mu       sync.RWMutex
	backends []*Backend
	mapping  map[string]mappingEntry
	lastGC   time.Time

	mappingTTL time.Duration
	now        func() time.Time
}

func NewPool(backends []*Backend) *Pool {
	return &Pool{
		backends:   backends,
		mapping:    make(map[string]mappingEntry),
		mappingTTL: constants.IPMappingTTL,
		now:        time.Now,
	}
}

// Backends returns a snapshot of the current backend set.
func (p *Pool) Backends() []*Backend {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Backend, len(p.backends))
	copy(out, p.backends)
	return out
}

// SetBackends swaps the backend set. A count change invalidates every sticky
// mapping since the hash ring shifted under the clients.
func (p *Pool) SetBackends(backends []*Backend) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(backends) != len(p.backends) {
		p.mapping = make(map[string]mappingEntry)
	}
	p.backends = backends
}

// Select picks the backend for a client IP: sticky mapping when fresh and
// healthy, otherwise the md5 hash of the IP over the healthy set. With no
// healthy backend it degrades to backends[0] so the proxy error path produces
// a diagnosable 502 rather than a silent drop.
func (p *Pool) Select(clientIP string) *Backend {
	now := p.now()
	p.gcIfDue(now)

	p.mu.RLock()
	if len(p.backends) == 0 {
		p.mu.RUnlock()
		return nil
	}
	if entry, ok := p.mapping[clientIP]; ok && now.Sub(entry.storedAt) < p.mappingTTL {
		for _, b := range p.backends {
			if b.Addr() == entry.backendAddr && b.Healthy() {
				p.mu.RUnlock()
				return b
			}
		}
	}
	healthy := make([]*Backend, 0, len(p.backends))
	for _, b := range p.backends {
		if b.Healthy() {
			healthy = append(healthy, b)
		}
	}
	fallback := p.backends[0]
	p.mu.RUnlock()

	if len(healthy) == 0 {
		return fallback
	}
	chosen := healthy[hashIP(clientIP)%uint32(len(healthy))]

	p.mu.Lock()
	p.mapping[clientIP] = mappingEntry{backendAddr: chosen.Addr(), storedAt: now}
	p.mu.Unlock()
	return chosen
}

// Forget drops the sticky mapping for one client, used after passive failure
// detection re-routes it.
func (p *Pool) Forget(clientIP string) {
	p.mu.Lock()
	delete(p.mapping, clientIP)
	p.mu.Unlock()
}

// HealthyCount returns how many backends currently pass probes.
func (p *Pool) HealthyCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, b := range p.backends {
		if b.Healthy() {
			n++
		}
	}
	return n
}

func (p *Pool) gcIfDue(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if now.Sub(p.lastGC) < constants.IPMappingGCInterval {
		return
	}
	p.lastGC = now
	for ip, entry := range p.mapping {
		if now.Sub(entry.storedAt) >= p.mappingTTL {
			delete(p.mapping, ip)
		}
	}
}

// hashIP takes the first 32 bits of the md5 digest as an unsigned integer.
func hashIP(ip string) uint32 {
	sum := md5.Sum([]byte(ip))
	return binary.BigEndian.Uint32(sum[:4])
}
