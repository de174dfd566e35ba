package errors

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindStatusMapping(t *testing.T) {
	tests := []struct {
		kind   Kind
		status int
	}{
		{KindAuthRequired, http.StatusUnauthorized},
		{KindAuthExpired, http.StatusUnauthorized},
		{KindForbidden, http.StatusForbidden},
		{KindQuotaExceeded, http.StatusTooManyRequests},
		{KindConcurrency, http.StatusTooManyRequests},
		{KindRateLimited, http.StatusTooManyRequests},
		{KindBadRequest, http.StatusBadRequest},
		{KindContextTooLarge, http.StatusBadRequest},
		{KindUpstream, http.StatusBadGateway},
		{KindUnavailable, http.StatusServiceUnavailable},
		{KindTimeout, http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			e := New(tt.kind, "x")
			assert.Equal(t, tt.status, e.HTTPStatus)
		})
	}
}

func TestClaudeEnvelope(t *testing.T) {
	e := New(KindQuotaExceeded, "daily request limit reached")
	b, err := e.ToJSON(FormatClaude)
	assert.NoError(t, err)

	var decoded map[string]interface{}
	assert.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, "error", decoded["type"])
	inner := decoded["error"].(map[string]interface{})
	assert.Equal(t, "QuotaExceeded", inner["type"])
	assert.Equal(t, "daily request limit reached", inner["message"])
}

func TestOpenAIEnvelope(t *testing.T) {
	e := New(KindContextTooLarge, "context still too large after compression")
	b, err := e.ToJSON(FormatOpenAI)
	assert.NoError(t, err)

	var decoded OpenAIError
	assert.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, "ContextTooLarge", decoded.Error.Type)
	assert.Equal(t, "context_length_exceeded", decoded.Error.Code)
}

func TestMapUpstreamStatusNeverLeaksBody(t *testing.T) {
	body := []byte(`{"error":{"message":"secret internal detail"}}`)
	e := MapUpstreamStatus(http.StatusInternalServerError, body)

	assert.Equal(t, KindUpstream, e.Kind)
	assert.NotContains(t, e.Message, "secret")
	assert.Equal(t, "secret internal detail", e.Details["upstream"])
}

func TestRetryable(t *testing.T) {
	assert.True(t, New(KindRateLimited, "").IsRetryable())
	assert.True(t, New(KindUpstream, "").IsRetryable())
	assert.True(t, New(KindTimeout, "").IsRetryable())
	assert.False(t, New(KindBadRequest, "").IsRetryable())
	assert.False(t, New(KindQuotaExceeded, "").IsRetryable())
}
