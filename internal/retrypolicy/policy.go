package retrypolicy

import (
	"math"
	"net/http"
	"strings"
	"time"

	"claude-relay-go/internal/constants"
)

// Action tells the gateway how to react to a failed upstream exchange.
type Action int

const (
	// ActionFail surfaces the error immediately.
	ActionFail Action = iota
	// ActionRefreshToken forces a token refresh and retries once without
	// consuming the retry budget.
	ActionRefreshToken
	// ActionBackoff retries after an exponential delay.
	ActionBackoff
	// ActionCompress compresses the message context one level and retries.
	ActionCompress
)

func (a Action) String() string {
	switch a {
	case ActionRefreshToken:
		return "refresh_token"
	case ActionBackoff:
		return "backoff"
	case ActionCompress:
		return "compress"
	default:
		return "fail"
	}
}

// validationMarkers identify the upstream 400s that respond to context
// compression rather than being genuine client errors.
var validationMarkers = []string{
	"ValidationException",
	"Input is too long",
	"input length and `max_tokens` exceed context limit",
	"prompt is too long",
}

// Classify maps one upstream failure to a retry action. Callers track the
// single free 403 refresh themselves; Classify reports what the status
// warrants, not whether budget remains.
func Classify(statusCode int, header http.Header, body []byte) Action {
	switch {
	case statusCode == http.StatusForbidden:
		return ActionRefreshToken
	case statusCode == http.StatusTooManyRequests:
		return ActionBackoff
	case statusCode >= 500:
		return ActionBackoff
	case statusCode == http.StatusBadRequest && isValidationError(header, body):
		return ActionCompress
	default:
		return ActionFail
	}
}

func isValidationError(header http.Header, body []byte) bool {
	if errType := header.Get("x-amzn-errortype"); strings.Contains(errType, "ValidationException") {
		return true
	}
	text := string(body)
	for _, marker := range validationMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// Policy carries the retry budget and backoff schedule.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Default returns the built-in policy.
func Default() Policy {
	return Policy{
		MaxRetries: constants.DefaultMaxRetries,
		BaseDelay:  constants.DefaultRetryInterval,
		MaxDelay:   constants.DefaultMaxRetryDelay,
	}
}

// Delay returns the backoff for the given zero-based attempt:
// base * 2^attempt, capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := time.Duration(float64(p.BaseDelay) * math.Pow(constants.RetryBackoffFactor, float64(attempt)))
	if d > p.MaxDelay || d <= 0 {
		return p.MaxDelay
	}
	return d
}
