package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

func limitedRouter(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(mw)
	router.GET("/v1/messages", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	return router
}

func hit(router *gin.Engine, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/v1/messages", nil)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRateLimiterBlocksBeyondBurst(t *testing.T) {
	router := limitedRouter(RateLimiter(1, 1))

	require.Equal(t, http.StatusOK, hit(router, "").Code)

	w := hit(router, "")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "RateLimited", gjson.Get(w.Body.String(), "error.type").String())
}

func TestRateLimiterAutoKeyIsolatesKeys(t *testing.T) {
	router := limitedRouter(RateLimiterAutoKey(1, 1))

	// Each key gets its own bucket; the second hit on the same key trips it.
	require.Equal(t, http.StatusOK, hit(router, "key-a").Code)
	require.Equal(t, http.StatusOK, hit(router, "key-b").Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(router, "key-a").Code)
}

func TestRateLimiterAutoKeyFallsBackToClientIP(t *testing.T) {
	router := limitedRouter(RateLimiterAutoKey(1, 1))

	require.Equal(t, http.StatusOK, hit(router, "").Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(router, "").Code)
}

func TestRateLimiterAutoKeyHonorsPerKeyOverride(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set("api_key_rate_limit", 100)
	})
	router.Use(RateLimiterAutoKey(1, 1))
	router.GET("/v1/messages", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, hit(router, "vip-key").Code)
	}
}

func TestRateLimiterAutoKeyDefaultsOnBadValues(t *testing.T) {
	router := limitedRouter(RateLimiterAutoKey(0, 0))
	assert.Equal(t, http.StatusOK, hit(router, "any").Code)
}

func TestExtractAPIKey(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		name  string
		setup func(*gin.Context)
		want  string
	}{
		{"context value wins", func(c *gin.Context) {
			c.Set("api_key", "context-key")
			c.Request.Header.Set("Authorization", "Bearer header-key")
		}, "context-key"},
		{"bearer header", func(c *gin.Context) {
			c.Request.Header.Set("Authorization", "Bearer header-key")
		}, "header-key"},
		{"x-api-key header", func(c *gin.Context) {
			c.Request.Header.Set("x-api-key", "direct-key")
		}, "direct-key"},
		{"nothing present", func(c *gin.Context) {}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/v1/messages", nil)
			tc.setup(c)
			assert.Equal(t, tc.want, extractAPIKey(c))
		})
	}
}

func TestTTLLimiterCacheReusesAndSweeps(t *testing.T) {
	cache := newTTLLimiterCache(50 * time.Millisecond)

	mk := func() *rate.Limiter { return rate.NewLimiter(10, 10) }
	first := cache.get("key-1", mk)
	assert.Same(t, first, cache.get("key-1", mk))

	time.Sleep(80 * time.Millisecond)
	cache.lastSweep = time.Time{}
	cache.get("key-2", mk)

	cache.mu.RLock()
	_, stale := cache.items["key-1"]
	cache.mu.RUnlock()
	assert.False(t, stale)
}
