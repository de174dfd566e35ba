package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prevOut := log.StandardLogger().Out
	prevFmt := log.StandardLogger().Formatter
	log.SetOutput(&buf)
	log.SetFormatter(&log.JSONFormatter{})
	t.Cleanup(func() {
		log.SetOutput(prevOut)
		log.SetFormatter(prevFmt)
	})
	return &buf
}

func TestRequestLoggerEmitsStructuredLine(t *testing.T) {
	buf := captureLogs(t)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestID(), RequestLogger())
	router.GET("/v1/messages", func(c *gin.Context) {
		c.Set(CtxAPIKeyID, "key-1")
		c.Set(CtxAPIKeyName, "team-a")
		c.Set("model", "claude-sonnet-4")
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/messages", nil))
	require.Equal(t, http.StatusOK, w.Code)

	line := buf.String()
	assert.Equal(t, "http_request", gjson.Get(line, "msg").String())
	assert.Equal(t, "GET", gjson.Get(line, "method").String())
	assert.Equal(t, "/v1/messages", gjson.Get(line, "path").String())
	assert.Equal(t, int64(200), gjson.Get(line, "status").Int())
	assert.Equal(t, "ok", gjson.Get(line, "error_kind").String())
	assert.Equal(t, "key-1", gjson.Get(line, "key_id").String())
	assert.Equal(t, "team-a", gjson.Get(line, "key_name").String())
	assert.Equal(t, "claude-sonnet-4", gjson.Get(line, "model").String())
	assert.NotEmpty(t, gjson.Get(line, "request_id").String())
	// The raw key must never appear.
	assert.NotContains(t, line, "api_key")
}

func TestRequestLoggerLevelTracksStatus(t *testing.T) {
	buf := captureLogs(t)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestLogger())
	router.GET("/limited", func(c *gin.Context) { c.Status(http.StatusTooManyRequests) })
	router.GET("/broken", func(c *gin.Context) { c.Status(http.StatusBadGateway) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/limited", nil))
	line := buf.String()
	assert.Equal(t, "warning", gjson.Get(line, "level").String())
	assert.Equal(t, "rate_limited", gjson.Get(line, "error_kind").String())

	buf.Reset()
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/broken", nil))
	line = buf.String()
	assert.Equal(t, "error", gjson.Get(line, "level").String())
	assert.Equal(t, "server_error", gjson.Get(line, "error_kind").String())
}
