package selection

import (
	"crypto/md5"
	"encoding/binary"

	"claude-relay-go/internal/constants"
	"claude-relay-go/internal/health"
	"claude-relay-go/internal/storage"
)

// pickSticky maps the request fingerprint onto a candidate and keeps the
// mapping alive while the caller keeps coming back. A mapping whose
// credential fell out of the candidate set is dropped and the request falls
// through to hybrid scoring.
func (e *Engine) pickSticky(req Request, candidates []*storage.Credential, signals map[string]health.Signal) *storage.Credential {
	if len(candidates) == 0 {
		return nil
	}
	if req.Fingerprint == "" {
		return e.pickHybrid(req, candidates, signals)
	}

	byID := make(map[string]*storage.Credential, len(candidates))
	for _, c := range candidates {
		byID[c.ID] = c
	}
	now := e.now()

	e.mu.Lock()
	entry, ok := e.sticky[req.Fingerprint]
	if ok && now.Before(entry.expiresAt) {
		if cred, alive := byID[entry.credentialID]; alive {
			e.sticky[req.Fingerprint] = stickyEntry{credentialID: cred.ID, expiresAt: now.Add(constants.StickyTTL)}
			e.mu.Unlock()
			return cred
		}
	}
	e.mu.Unlock()

	sum := md5.Sum([]byte(req.Fingerprint))
	cred := candidates[binary.BigEndian.Uint32(sum[:4])%uint32(len(candidates))]

	e.mu.Lock()
	e.sticky[req.Fingerprint] = stickyEntry{credentialID: cred.ID, expiresAt: now.Add(constants.StickyTTL)}
	// opportunistic sweep keeps the map from growing with one-shot callers
	if len(e.sticky) > 4096 {
		for fp, ent := range e.sticky {
			if now.After(ent.expiresAt) {
				delete(e.sticky, fp)
			}
		}
	}
	e.mu.Unlock()
	return cred
}

// pickRoundRobin walks the candidate list with a monotonic per-provider
// counter.
func (e *Engine) pickRoundRobin(provider string, candidates []*storage.Credential) *storage.Credential {
	if len(candidates) == 0 {
		return nil
	}
	e.mu.Lock()
	n := e.rrCounters[provider]
	e.rrCounters[provider] = n + 1
	e.mu.Unlock()
	return candidates[n%uint64(len(candidates))]
}
