package middleware

import (
	"sync"

	apperrors "claude-relay-go/internal/errors"

	"github.com/gin-gonic/gin"
)

// keySemaphore tracks in-flight requests per API key.
type keySemaphore struct {
	mu     sync.Mutex
	counts map[string]int
}

// ConcurrencyLimiter caps concurrent requests per API key. A key's stored
// concurrent_limit overrides defaultLimit; zero means the default, and a
// negative default disables the cap entirely.
func ConcurrencyLimiter(defaultLimit int) gin.HandlerFunc {
	sem := &keySemaphore{counts: make(map[string]int)}
	return func(c *gin.Context) {
		key, ok := KeyRecord(c)
		if !ok {
			c.Next()
			return
		}
		limit := defaultLimit
		if key.ConcurrentLimit > 0 {
			limit = key.ConcurrentLimit
		}
		if limit <= 0 {
			c.Next()
			return
		}

		if !sem.acquire(key.ID, limit) {
			AbortWithAPIError(c, apperrors.New(apperrors.KindConcurrency,
				"Concurrent request limit reached for this API key"))
			return
		}
		defer sem.release(key.ID)
		c.Next()
	}
}

func (s *keySemaphore) acquire(id string, limit int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts[id] >= limit {
		return false
	}
	s.counts[id]++
	return true
}

func (s *keySemaphore) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts[id] <= 1 {
		delete(s.counts, id)
	} else {
		s.counts[id]--
	}
}
