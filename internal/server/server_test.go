package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"claude-relay-go/internal/config"
	"claude-relay-go/internal/health"
	"claude-relay-go/internal/middleware"
	"claude-relay-go/internal/monitoring"
	"claude-relay-go/internal/registry"
	"claude-relay-go/internal/retrypolicy"
	"claude-relay-go/internal/selection"
	"claude-relay-go/internal/stats"
	"claude-relay-go/internal/storage"
	"claude-relay-go/internal/token"
	"claude-relay-go/internal/translator"
	"claude-relay-go/internal/upstream"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const (
	testAdminKey = "admin-secret"
	testRawKey   = "cr_test_0123456789abcdef"
)

// stubAdapter routes the kiro provider at a local test server so pipeline
// behavior can be exercised without real upstream hosts.
type stubAdapter struct {
	url string
}

func (a *stubAdapter) Provider() string { return "kiro" }

func (a *stubAdapter) BuildRequest(_ context.Context, _ *storage.Credential, in upstream.BuildInput) (*upstream.Request, error) {
	body, err := json.Marshal(in.Request)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+in.AccessToken)
	return &upstream.Request{
		Provider: "kiro",
		URL:      a.url,
		Header:   header,
		Body:     body,
		Format:   translator.FormatJSONLines,
	}, nil
}

type testHarness struct {
	engine *gin.Engine
	store  *storage.MemoryBackend
}

func newTestHarness(t *testing.T, upstreamURL string) *testHarness {
	return newTestHarnessRetries(t, upstreamURL, 2)
}

func newTestHarnessRetries(t *testing.T, upstreamURL string, maxRetries int) *testHarness {
	t.Helper()
	ctx := context.Background()

	store := storage.NewMemoryBackend()
	require.NoError(t, store.Initialize(ctx))
	t.Cleanup(func() { store.Close() })

	reg := registry.New(store, registry.Options{})
	tracker := health.New(store, health.Options{})
	selector := selection.New(reg, tracker)
	tokens := token.NewManager(reg, token.Options{})

	adapters := upstream.NewRegistry(nil)
	adapters.Register(&stubAdapter{url: upstreamURL})

	client, err := upstream.NewClient(upstream.ClientOptions{})
	require.NoError(t, err)

	cfg := &config.Config{
		AdminAPIKey:       "admin-secret",
		DefaultProvider:   "kiro",
		DefaultConcurrent: 8,
	}
	srv := New(Deps{
		Config:   cfg,
		Store:    store,
		Registry: reg,
		Selector: selector,
		Tokens:   tokens,
		Adapters: adapters,
		Client:   client,
		Resolver: upstream.NewModelResolver(store),
		Settings: config.NewSettingsCache(store),
		Stats:    stats.NewService(store),
		Metrics:  monitoring.NewMetrics(),
		Policy: retrypolicy.Policy{
			MaxRetries: maxRetries,
			BaseDelay:  time.Millisecond,
			MaxDelay:   5 * time.Millisecond,
		},
	})

	require.NoError(t, reg.Add(ctx, &storage.Credential{
		ID:           "cred-1",
		Provider:     "kiro",
		Name:         "pool-main",
		AuthMethod:   token.MethodAPIKey,
		AccessSecret: "upstream-token",
		Active:       true,
	}))
	require.NoError(t, store.InsertAPIKey(ctx, &storage.APIKey{
		ID:        "key-1",
		Name:      "tester",
		KeyHash:   middleware.HashAPIKey(testRawKey),
		Active:    true,
		CreatedAt: time.Now(),
	}))

	return &testHarness{engine: srv.BuildEngine(), store: store}
}

func (h *testHarness) do(method, path, key string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)
	return w
}

func userTurn(text string) map[string]any {
	return map[string]any{
		"role":    "user",
		"content": []map[string]any{{"type": "text", "text": text}},
	}
}

// claudeStream writes a minimal Anthropic-style SSE body.
func claudeStream(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	frames := []string{
		`{"type":"message_start","message":{"usage":{"input_tokens":12,"output_tokens":0}}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" there"}}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":5}}`,
		`{"type":"message_stop"}`,
	}
	for _, f := range frames {
		fmt.Fprintf(w, "data: %s\n\n", f)
	}
}

func TestMessagesStreaming(t *testing.T) {
	var hits atomic.Int32
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "Bearer upstream-token", r.Header.Get("Authorization"))
		claudeStream(w)
	}))
	defer up.Close()
	h := newTestHarness(t, up.URL)

	w := h.do(http.MethodPost, "/v1/messages", testRawKey, map[string]any{
		"model":    "claude-sonnet-4-5",
		"stream":   true,
		"messages": []any{userTurn("hi")},
	})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	body := w.Body.String()

	// Normalized ordering: start, block bracketing, delta, stop.
	order := []string{
		"event: message_start",
		"event: content_block_start",
		`"text":"Hello"`,
		"event: content_block_stop",
		"event: message_delta",
		"event: message_stop",
	}
	last := -1
	for _, marker := range order {
		idx := strings.Index(body, marker)
		require.GreaterOrEqual(t, idx, 0, "missing %q", marker)
		assert.Greater(t, idx, last, "%q out of order", marker)
		last = idx
	}
	assert.Equal(t, int32(1), hits.Load())

	// One log row with the observed token counts.
	usage, err := h.store.SumModelUsage(context.Background(), "key-1", time.Time{})
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, int64(12), usage[0].InputTokens)
	assert.Equal(t, int64(5), usage[0].OutputTokens)
}

func TestMessagesNonStreaming(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claudeStream(w)
	}))
	defer up.Close()
	h := newTestHarness(t, up.URL)

	w := h.do(http.MethodPost, "/v1/messages", testRawKey, map[string]any{
		"model":    "claude-sonnet-4-5",
		"messages": []any{userTurn("hi")},
	})

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Equal(t, "message", gjson.Get(body, "type").String())
	assert.Equal(t, "Hello there", gjson.Get(body, "content.0.text").String())
	assert.Equal(t, "end_turn", gjson.Get(body, "stop_reason").String())
	assert.Equal(t, int64(12), gjson.Get(body, "usage.input_tokens").Int())
	assert.Equal(t, int64(5), gjson.Get(body, "usage.output_tokens").Int())
	assert.True(t, strings.HasPrefix(gjson.Get(body, "id").String(), "msg_"))
}

func TestChatCompletionsNonStreaming(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claudeStream(w)
	}))
	defer up.Close()
	h := newTestHarness(t, up.URL)

	w := h.do(http.MethodPost, "/v1/chat/completions", testRawKey, map[string]any{
		"model":    "claude-sonnet-4-5",
		"messages": []map[string]any{{"role": "user", "content": "hi"}},
	})

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Equal(t, "chat.completion", gjson.Get(body, "object").String())
	assert.Equal(t, "Hello there", gjson.Get(body, "choices.0.message.content").String())
	assert.Equal(t, "stop", gjson.Get(body, "choices.0.finish_reason").String())
	assert.Equal(t, int64(17), gjson.Get(body, "usage.total_tokens").Int())
}

func TestChatCompletionsStreaming(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claudeStream(w)
	}))
	defer up.Close()
	h := newTestHarness(t, up.URL)

	w := h.do(http.MethodPost, "/v1/chat/completions", testRawKey, map[string]any{
		"model":    "claude-sonnet-4-5",
		"stream":   true,
		"messages": []map[string]any{{"role": "user", "content": "hi"}},
	})

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `"object":"chat.completion.chunk"`)
	assert.Contains(t, body, `"content":"Hello"`)
	assert.Contains(t, body, `"finish_reason":"stop"`)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]"))
}

func TestMessagesQuotaLimit(t *testing.T) {
	var hits atomic.Int32
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		claudeStream(w)
	}))
	defer up.Close()
	h := newTestHarness(t, up.URL)
	ctx := context.Background()

	key, err := h.store.GetAPIKey(ctx, "key-1")
	require.NoError(t, err)
	key.DailyLimit = 1
	require.NoError(t, h.store.UpdateAPIKey(ctx, key))
	require.NoError(t, h.store.InsertAPILog(ctx, &storage.APILog{
		APIKeyID:  "key-1",
		Model:     "claude-sonnet-4-5",
		CreatedAt: time.Now(),
	}))

	w := h.do(http.MethodPost, "/v1/messages", testRawKey, map[string]any{
		"model":    "claude-sonnet-4-5",
		"messages": []any{userTurn("hi")},
	})

	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "QuotaExceeded", gjson.Get(w.Body.String(), "error.type").String())
	assert.Equal(t, int32(0), hits.Load(), "limited requests must not reach upstream")
}

func TestMessagesRetriesAfterForbidden(t *testing.T) {
	var hits atomic.Int32
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `{"message":"token expired"}`)
			return
		}
		claudeStream(w)
	}))
	defer up.Close()
	h := newTestHarness(t, up.URL)

	w := h.do(http.MethodPost, "/v1/messages", testRawKey, map[string]any{
		"model":    "claude-sonnet-4-5",
		"messages": []any{userTurn("hi")},
	})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, "Hello there", gjson.Get(w.Body.String(), "content.0.text").String())
}

func TestMessagesCompressesOversizedContext(t *testing.T) {
	var hits atomic.Int32
	var secondCount int64
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Messages []json.RawMessage `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"message":"Input is too long for requested model"}`)
			return
		}
		atomic.StoreInt64(&secondCount, int64(len(payload.Messages)))
		claudeStream(w)
	}))
	defer up.Close()
	h := newTestHarness(t, up.URL)

	turns := make([]any, 0, 8)
	for i := 0; i < 8; i++ {
		turns = append(turns, userTurn(fmt.Sprintf("turn %d", i)))
	}
	w := h.do(http.MethodPost, "/v1/messages", testRawKey, map[string]any{
		"model":    "claude-sonnet-4-5",
		"messages": turns,
	})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int32(2), hits.Load())
	assert.Less(t, atomic.LoadInt64(&secondCount), int64(8), "retry should carry compressed history")
}

func TestMessagesCompressionRespectsRetryBudget(t *testing.T) {
	var hits atomic.Int32
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"message":"Input is too long for requested model"}`)
	}))
	defer up.Close()
	h := newTestHarnessRetries(t, up.URL, 0)

	turns := make([]any, 0, 8)
	for i := 0; i < 8; i++ {
		turns = append(turns, userTurn(fmt.Sprintf("turn %d", i)))
	}
	w := h.do(http.MethodPost, "/v1/messages", testRawKey, map[string]any{
		"model":    "claude-sonnet-4-5",
		"messages": turns,
	})

	// With no retries allowed the first 400 is also the last upstream call.
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "ContextTooLarge", gjson.Get(w.Body.String(), "error.type").String())
	assert.Equal(t, int32(1), hits.Load())
}

func TestMessagesCompressionHaltsWhenHistoryStopsShrinking(t *testing.T) {
	var hits atomic.Int32
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"message":"Input is too long for requested model"}`)
	}))
	defer up.Close()
	h := newTestHarnessRetries(t, up.URL, 10)

	turns := make([]any, 0, 8)
	for i := 0; i < 8; i++ {
		turns = append(turns, userTurn(fmt.Sprintf("turn %d", i)))
	}
	w := h.do(http.MethodPost, "/v1/messages", testRawKey, map[string]any{
		"model":    "claude-sonnet-4-5",
		"messages": turns,
	})

	// The ladder shrinks 8 -> 6 -> 4; the third pass cannot shrink further
	// and halts instead of burning the remaining budget.
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "ContextTooLarge", gjson.Get(w.Body.String(), "error.type").String())
	assert.Equal(t, int32(3), hits.Load())
}

func TestMessagesBadRequest(t *testing.T) {
	h := newTestHarness(t, "http://127.0.0.1:0")

	w := h.do(http.MethodPost, "/v1/messages", testRawKey, map[string]any{
		"model": "claude-sonnet-4-5",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "BadRequest", gjson.Get(w.Body.String(), "error.type").String())
}

func TestModelsListsAliases(t *testing.T) {
	h := newTestHarness(t, "http://127.0.0.1:0")
	require.NoError(t, h.store.UpsertModelAlias(context.Background(), &storage.ModelAlias{
		Alias:       "my-sonnet",
		Provider:    "kiro",
		TargetModel: "claude-sonnet-4-5",
		Active:      true,
	}))

	w := h.do(http.MethodGet, "/v1/models", testRawKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `"my-sonnet"`)
	assert.Equal(t, "list", gjson.Get(body, "object").String())
}

func TestAdminAPIKeyLifecycle(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claudeStream(w)
	}))
	defer up.Close()
	h := newTestHarness(t, up.URL)

	w := h.do(http.MethodPost, "/admin/api/keys", testAdminKey, map[string]any{
		"name": "new-client",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	raw := gjson.Get(w.Body.String(), "key").String()
	require.True(t, strings.HasPrefix(raw, "cr_"))
	assert.Empty(t, gjson.Get(w.Body.String(), "record.key_hash").String())

	// The minted key is immediately usable on the data surface.
	w = h.do(http.MethodPost, "/v1/messages", raw, map[string]any{
		"model":    "claude-sonnet-4-5",
		"messages": []any{userTurn("hi")},
	})
	assert.Equal(t, http.StatusOK, w.Code)

	w = h.do(http.MethodGet, "/admin/api/keys", testAdminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(2), gjson.Get(w.Body.String(), "keys.#").Int())
}

func TestAdminRequiresKey(t *testing.T) {
	h := newTestHarness(t, "http://127.0.0.1:0")

	w := h.do(http.MethodGet, "/admin/api/settings", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.do(http.MethodGet, "/admin/api/settings", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.do(http.MethodGet, "/admin/api/settings", testAdminKey, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminSettingsRoundTrip(t *testing.T) {
	h := newTestHarness(t, "http://127.0.0.1:0")

	w := h.do(http.MethodPut, "/admin/api/settings/compression_enabled", testAdminKey, false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, gjson.Get(w.Body.String(), "compression_enabled").Bool())

	w = h.do(http.MethodPut, "/admin/api/settings/no_such_knob", testAdminKey, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminCredentialLifecycle(t *testing.T) {
	h := newTestHarness(t, "http://127.0.0.1:0")

	w := h.do(http.MethodPost, "/admin/api/credentials", testAdminKey, map[string]any{
		"provider":      "anthropic",
		"name":          "oauth-main",
		"auth_method":   "oauth",
		"access_secret": "tok",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	id := gjson.Get(w.Body.String(), "id").String()
	require.NotEmpty(t, id)
	assert.Empty(t, gjson.Get(w.Body.String(), "access_secret").String(), "secrets must not leave the admin API")

	w = h.do(http.MethodPost, "/admin/api/credentials/anthropic/"+id+"/toggle", testAdminKey, map[string]any{"active": false})
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(http.MethodGet, "/admin/api/credentials?provider=anthropic", testAdminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, gjson.Get(w.Body.String(), "credentials.0.active").Bool())

	w = h.do(http.MethodDelete, "/admin/api/credentials/anthropic/"+id, testAdminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(http.MethodPost, "/admin/api/credentials", testAdminKey, map[string]any{
		"provider": "not-a-provider",
		"name":     "x",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthEndpoint(t *testing.T) {
	h := newTestHarness(t, "http://127.0.0.1:0")
	w := h.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", gjson.Get(w.Body.String(), "status").String())
}
