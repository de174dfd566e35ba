package upstream

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"sync"
	"time"

	"claude-relay-go/internal/constants"
	"claude-relay-go/internal/storage"
)

// SignatureCache maps thinking-block text to the signature the upstream
// attached to it, so replayed conversations can restore signatures the
// client stripped. Keys are md5 of the thinking text. Entries live in
// process memory and, when the backend supports cache ops, in the shared
// store too so sibling gateway instances see them.
type SignatureCache struct {
	store storage.Backend
	ttl   time.Duration

	mu      sync.RWMutex
	local   map[string]signatureEntry
	lastGC  time.Time
	nowFunc func() time.Time
}

type signatureEntry struct {
	signature string
	expiresAt time.Time
}

func NewSignatureCache(store storage.Backend) *SignatureCache {
	return &SignatureCache{
		store:   store,
		ttl:     constants.ThinkingSignatureTTL,
		local:   make(map[string]signatureEntry),
		nowFunc: time.Now,
	}
}

func signatureKey(thinking string) string {
	sum := md5.Sum([]byte(thinking))
	return "thinking-sig:" + hex.EncodeToString(sum[:])
}

// Remember stores the signature for a thinking text. Fragments shorter
// than ThinkingSignatureMinLength are not real signatures and are skipped.
// Store write failures are ignored: the local map still serves this
// instance.
func (c *SignatureCache) Remember(ctx context.Context, thinking, signature string) {
	if thinking == "" || len(signature) < constants.ThinkingSignatureMinLength {
		return
	}
	key := signatureKey(thinking)
	now := c.nowFunc()

	c.mu.Lock()
	c.local[key] = signatureEntry{signature: signature, expiresAt: now.Add(c.ttl)}
	c.gcLocked(now)
	c.mu.Unlock()

	if c.store != nil {
		_ = c.store.SetCache(ctx, key, []byte(signature), c.ttl)
	}
}

// Lookup returns the remembered signature for a thinking text, or "".
func (c *SignatureCache) Lookup(ctx context.Context, thinking string) string {
	if thinking == "" {
		return ""
	}
	key := signatureKey(thinking)
	now := c.nowFunc()

	c.mu.RLock()
	entry, ok := c.local[key]
	c.mu.RUnlock()
	if ok && now.Before(entry.expiresAt) {
		return entry.signature
	}

	if c.store != nil {
		if value, err := c.store.GetCache(ctx, key); err == nil && len(value) > 0 {
			c.mu.Lock()
			c.local[key] = signatureEntry{signature: string(value), expiresAt: now.Add(c.ttl)}
			c.mu.Unlock()
			return string(value)
		}
	}
	return ""
}

// gcLocked drops expired local entries at most once per minute.
func (c *SignatureCache) gcLocked(now time.Time) {
	if now.Sub(c.lastGC) < time.Minute {
		return
	}
	c.lastGC = now
	for key, entry := range c.local {
		if now.After(entry.expiresAt) {
			delete(c.local, key)
		}
	}
}
