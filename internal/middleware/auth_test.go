package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"claude-relay-go/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func authRouter(t *testing.T, store storage.Backend) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(APIKeyAuth(store))
	r.POST("/v1/messages", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.POST("/v1/chat/completions", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return r
}

func seedKey(t *testing.T, store storage.Backend, raw string, mutate func(*storage.APIKey)) *storage.APIKey {
	t.Helper()
	key := &storage.APIKey{
		ID:        "key-" + raw,
		Name:      "test",
		KeyHash:   HashAPIKey(raw),
		KeyPrefix: raw[:4],
		Active:    true,
		CreatedAt: time.Now(),
	}
	if mutate != nil {
		mutate(key)
	}
	require.NoError(t, store.InsertAPIKey(context.Background(), key))
	return key
}

func TestAPIKeyAuthAcceptsBearer(t *testing.T) {
	store := storage.NewMemoryBackend()
	seedKey(t, store, "sk-live-1234", nil)
	r := authRouter(t, store)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req.Header.Set("Authorization", "Bearer sk-live-1234")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPIKeyAuthRejectsMissingAndUnknown(t *testing.T) {
	store := storage.NewMemoryBackend()
	r := authRouter(t, store)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/messages", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "AuthRequired", gjson.Get(w.Body.String(), "error.type").String())

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req.Header.Set("x-api-key", "sk-unknown")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPIKeyAuthOpenAIErrorShape(t *testing.T) {
	store := storage.NewMemoryBackend()
	r := authRouter(t, store)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	body := w.Body.String()
	assert.True(t, gjson.Get(body, "error.code").Exists())
	assert.Equal(t, "invalid_api_key", gjson.Get(body, "error.code").String())
}

func TestAPIKeyAuthDisabledAndExpired(t *testing.T) {
	store := storage.NewMemoryBackend()
	seedKey(t, store, "sk-disabled-1", func(k *storage.APIKey) { k.Active = false })
	seedKey(t, store, "sk-expired-22", func(k *storage.APIKey) {
		k.ExpiresInDays = 1
		k.CreatedAt = time.Now().AddDate(0, 0, -3)
	})
	r := authRouter(t, store)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req.Header.Set("x-api-key", "sk-disabled-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req.Header.Set("x-api-key", "sk-expired-22")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AdminAuth(func(key string) bool { return key == "admin-secret" }))
	r.GET("/admin/api/stats", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	req := httptest.NewRequest(http.MethodGet, "/admin/api/stats", nil)
	req.Header.Set("Authorization", "Bearer admin-secret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/admin/api/stats", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestConcurrencyLimiter(t *testing.T) {
	store := storage.NewMemoryBackend()
	seedKey(t, store, "sk-parallel-1", func(k *storage.APIKey) { k.ConcurrentLimit = 2 })

	gin.SetMode(gin.TestMode)
	release := make(chan struct{})
	started := make(chan struct{}, 8)
	r := gin.New()
	r.Use(APIKeyAuth(store), ConcurrencyLimiter(10))
	r.POST("/v1/messages", func(c *gin.Context) {
		started <- struct{}{}
		<-release
		c.String(http.StatusOK, "ok")
	})

	do := func() int {
		req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
		req.Header.Set("x-api-key", "sk-parallel-1")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	var wg sync.WaitGroup
	codes := make(chan int, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes <- do()
		}()
	}
	// Wait until both slots are held, then the third request must be refused.
	<-started
	<-started
	assert.Equal(t, http.StatusTooManyRequests, do())

	close(release)
	wg.Wait()
	close(codes)
	for code := range codes {
		assert.Equal(t, http.StatusOK, code)
	}
}
