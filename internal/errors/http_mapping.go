package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// MapUpstreamStatus maps an upstream HTTP status to a taxonomy error after
// the retry policy has given up. The upstream body is never surfaced to the
// client; a truncated copy rides in Details for the request log.
func MapUpstreamStatus(statusCode int, upstreamBody []byte) *APIError {
	var e *APIError
	switch {
	case statusCode == http.StatusTooManyRequests:
		e = New(KindRateLimited, "Upstream rate limit persisted through retries")
	case statusCode == http.StatusBadRequest:
		e = New(KindBadRequest, "Upstream rejected the request")
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		// Credential-level auth failure after refresh was already attempted.
		e = New(KindUpstream, "Upstream authentication failed")
	case statusCode == http.StatusGatewayTimeout:
		e = New(KindTimeout, "Upstream timed out")
	case statusCode >= 500:
		e = New(KindUpstream, fmt.Sprintf("Upstream error (HTTP %d)", statusCode))
	case statusCode >= 400:
		e = New(KindBadRequest, fmt.Sprintf("Upstream rejected the request (HTTP %d)", statusCode))
	default:
		e = New(KindUpstream, fmt.Sprintf("Unexpected upstream status %d", statusCode))
	}
	if msg := ExtractUpstreamMessage(upstreamBody); msg != "" {
		e.Details = map[string]interface{}{"upstream": msg, "upstream_status": statusCode}
	}
	return e
}

// ExtractUpstreamMessage pulls a human-readable message out of an upstream
// error body, truncated for logging.
func ExtractUpstreamMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var jsonErr map[string]interface{}
	if err := json.Unmarshal(body, &jsonErr); err == nil {
		if errObj, ok := jsonErr["error"].(map[string]interface{}); ok {
			if msg, ok := errObj["message"].(string); ok && msg != "" {
				return truncate(msg, 200)
			}
		}
		if msg, ok := jsonErr["message"].(string); ok && msg != "" {
			return truncate(msg, 200)
		}
	}
	return truncate(string(body), 200)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

func firstNonEmpty(strs ...string) string {
	for _, s := range strs {
		if s != "" {
			return s
		}
	}
	return ""
}
