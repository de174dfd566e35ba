package balancer

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"claude-relay-go/internal/constants"

	log "github.com/sirupsen/logrus"
)

// ParseHostList builds backends from a comma-separated host:port list.
func ParseHostList(csv string) ([]*Backend, error) {
	var out []*Backend
	for _, entry := range strings.Split(csv, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		host, portStr, err := net.SplitHostPort(entry)
		if err != nil {
			return nil, fmt.Errorf("backend %q: %w", entry, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("backend %q: bad port: %w", entry, err)
		}
		out = append(out, NewBackend(host, port))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty backend list")
	}
	return out, nil
}

// ExpandPortRange builds backends on localhost across a contiguous port
// span, the single-box deployment mode.
func ExpandPortRange(startPort, count int) ([]*Backend, error) {
	if startPort <= 0 || count <= 0 {
		return nil, fmt.Errorf("port range requires a positive start port and count")
	}
	out := make([]*Backend, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, NewBackend("127.0.0.1", startPort+i))
	}
	return out, nil
}

// DNSDiscovery resolves a name to A records and keeps the pool in sync as
// records come and go.
type DNSDiscovery struct {
	name     string
	port     int
	pool     *Pool
	resolver *net.Resolver
}

func NewDNSDiscovery(name string, port int, pool *Pool) *DNSDiscovery {
	return &DNSDiscovery{name: name, port: port, pool: pool, resolver: net.DefaultResolver}
}

// Resolve performs one lookup and swaps the pool's backend set. Health flags
// survive for addresses that were already present.
func (d *DNSDiscovery) Resolve(ctx context.Context) error {
	addrs, err := d.resolver.LookupHost(ctx, d.name)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", d.name, err)
	}
	sort.Strings(addrs)

	existing := make(map[string]*Backend)
	for _, b := range d.pool.Backends() {
		existing[b.Addr()] = b
	}
	fresh := make([]*Backend, 0, len(addrs))
	changed := len(addrs) != len(existing)
	for _, addr := range addrs {
		b := NewBackend(addr, d.port)
		if prev, ok := existing[b.Addr()]; ok {
			b = prev
		} else {
			changed = true
		}
		fresh = append(fresh, b)
	}
	if changed {
		log.WithFields(log.Fields{"name": d.name, "backends": len(fresh)}).Info("Backend set changed")
	}
	d.pool.SetBackends(fresh)
	return nil
}

// Run re-resolves on a fixed cadence until the context ends.
func (d *DNSDiscovery) Run(ctx context.Context) {
	ticker := time.NewTicker(constants.BalancerDNSRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := d.Resolve(ctx); err != nil {
				log.WithError(err).Warn("DNS re-resolution failed")
			}
		case <-ctx.Done():
			return
		}
	}
}
