package errors

import "strings"

// MapNetworkError maps transport-level failures to taxonomy errors.
func MapNetworkError(err error) *APIError {
	errMsg := err.Error()

	switch {
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded"):
		return New(KindTimeout, "Upstream request timed out")
	case strings.Contains(errMsg, "context canceled"):
		return New(KindTimeout, "Request was canceled")
	default:
		e := New(KindUpstream, "Upstream connection failed")
		e.Details = map[string]interface{}{"cause": truncate(errMsg, 200)}
		return e
	}
}
