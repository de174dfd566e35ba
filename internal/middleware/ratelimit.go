package middleware

import (
	"strings"
	"sync"
	"time"

	apperrors "claude-relay-go/internal/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// ttlLimiterCache is a simple TTL map for per-key limiters with opportunistic sweeping.
type ttlLimiterCache struct {
	mu        sync.RWMutex
	items     map[string]*limiterEntry
	ttl       time.Duration
	lastSweep time.Time
}

func newTTLLimiterCache(ttl time.Duration) *ttlLimiterCache {
	return &ttlLimiterCache{items: make(map[string]*limiterEntry), ttl: ttl}
}

func (c *ttlLimiterCache) get(key string, makeFn func() *rate.Limiter) *rate.Limiter {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.items[key]; ok {
		e.lastSeen = now
		return e.lim
	}
	lim := makeFn()
	c.items[key] = &limiterEntry{lim: lim, lastSeen: now}
	// opportunistic sweep every ~2 minutes
	if c.lastSweep.IsZero() || now.Sub(c.lastSweep) > 2*time.Minute {
		c.sweepLocked(now)
		c.lastSweep = now
	}
	return lim
}

func (c *ttlLimiterCache) sweepLocked(now time.Time) {
	if c.ttl <= 0 {
		c.ttl = 15 * time.Minute
	}
	for k, e := range c.items {
		if now.Sub(e.lastSeen) > c.ttl {
			delete(c.items, k)
		}
	}
}

func rateLimitAbort(c *gin.Context, message string) {
	AbortWithAPIError(c, apperrors.New(apperrors.KindRateLimited, message))
}

// RateLimiter applies a fixed per-client-IP rate limit.
func RateLimiter(rps int, burst int) gin.HandlerFunc {
	limiters := &sync.Map{}

	return func(c *gin.Context) {
		key := c.ClientIP()

		limiterI, _ := limiters.LoadOrStore(key, rate.NewLimiter(rate.Limit(rps), burst))
		limiter := limiterI.(*rate.Limiter)

		if !limiter.Allow() {
			rateLimitAbort(c, "Rate limit exceeded")
			return
		}

		c.Next()
	}
}

// RateLimiterAutoKey applies rate limits keyed by API key if present
// (Authorization or x-api-key), otherwise by client IP. Keys with a stored
// per-key rate limit (set by the auth middleware under "api_key_rate_limit")
// override the default rps. A lightweight global limiter guards the whole
// process.
func RateLimiterAutoKey(rps int, burst int) gin.HandlerFunc {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 20
	}
	cache := newTTLLimiterCache(15 * time.Minute)
	global := rate.NewLimiter(rate.Limit(rps*5), burst*5)
	return func(c *gin.Context) {
		if !global.Allow() {
			rateLimitAbort(c, "Global rate limit exceeded")
			return
		}
		key := extractAPIKey(c)
		if key == "" {
			key = c.ClientIP()
		}
		keyRPS := rps
		if v, ok := c.Get("api_key_rate_limit"); ok {
			if n, ok := v.(int); ok && n > 0 {
				keyRPS = n
			}
		}
		li := cache.get(key, func() *rate.Limiter {
			b := burst
			if keyRPS > b {
				b = keyRPS
			}
			return rate.NewLimiter(rate.Limit(keyRPS), b)
		})
		if !li.Allow() {
			rateLimitAbort(c, "Rate limit exceeded")
			return
		}
		c.Next()
	}
}

func extractAPIKey(c *gin.Context) string {
	if v, ok := c.Get("api_key"); ok {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	auth := strings.TrimSpace(c.GetHeader("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	if v := strings.TrimSpace(c.GetHeader("x-api-key")); v != "" {
		return v
	}
	return ""
}
