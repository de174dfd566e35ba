package errors

import "net/http"

// Kind is the stable client-visible error taxonomy. The wire `type` field
// carries the kind name verbatim.
type Kind string

const (
	KindAuthRequired    Kind = "AuthRequired"
	KindAuthExpired     Kind = "AuthExpired"
	KindForbidden       Kind = "Forbidden"
	KindQuotaExceeded   Kind = "QuotaExceeded"
	KindConcurrency     Kind = "Concurrency"
	KindRateLimited     Kind = "RateLimited"
	KindBadRequest      Kind = "BadRequest"
	KindContextTooLarge Kind = "ContextTooLarge"
	KindUpstream        Kind = "Upstream"
	KindUnavailable     Kind = "Unavailable"
	KindTimeout         Kind = "Timeout"
	KindInternal        Kind = "Internal"
)

// httpStatusFor maps each kind to its fixed HTTP status.
var httpStatusFor = map[Kind]int{
	KindAuthRequired:    http.StatusUnauthorized,
	KindAuthExpired:     http.StatusUnauthorized,
	KindForbidden:       http.StatusForbidden,
	KindQuotaExceeded:   http.StatusTooManyRequests,
	KindConcurrency:     http.StatusTooManyRequests,
	KindRateLimited:     http.StatusTooManyRequests,
	KindBadRequest:      http.StatusBadRequest,
	KindContextTooLarge: http.StatusBadRequest,
	KindUpstream:        http.StatusBadGateway,
	KindUnavailable:     http.StatusServiceUnavailable,
	KindTimeout:         http.StatusGatewayTimeout,
	KindInternal:        http.StatusInternalServerError,
}

// ErrorFormat represents the target error envelope.
type ErrorFormat string

const (
	FormatClaude ErrorFormat = "claude"
	FormatOpenAI ErrorFormat = "openai"
)

// APIError is the standardized error surfaced to clients. The original
// upstream error text never rides in Message; operators get it via Details
// and the request log.
type APIError struct {
	HTTPStatus int
	Kind       Kind
	Message    string
	Details    map[string]interface{}
}

func (e *APIError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// New constructs an APIError for a taxonomy kind.
func New(kind Kind, message string) *APIError {
	status, ok := httpStatusFor[kind]
	if !ok {
		status = http.StatusBadGateway
	}
	return &APIError{HTTPStatus: status, Kind: kind, Message: message}
}

// WithDetails attaches operator-facing context.
func (e *APIError) WithDetails(details map[string]interface{}) *APIError {
	e.Details = details
	return e
}

// IsRetryable reports whether the retry policy may re-attempt the upstream
// call for this error.
func (e *APIError) IsRetryable() bool {
	switch e.Kind {
	case KindRateLimited, KindUpstream, KindTimeout:
		return true
	}
	return false
}

// OpenAIError mirrors OpenAI's error envelope.
type OpenAIError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

// ClaudeError mirrors the Claude-style error envelope used on /v1/messages.
type ClaudeError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
