package logging

// ErrorKind buckets a response status into a short label for logs and
// metrics. A zero status with an error means the request never produced a
// response (network failure, client gone).
func ErrorKind(status int, hasErr bool) string {
	switch {
	case status == 0 && hasErr:
		return "network_error"
	case status == 401 || status == 403:
		return "auth"
	case status == 429:
		return "rate_limited"
	case status >= 400 && status < 500:
		return "bad_request"
	case status >= 500:
		return "server_error"
	case hasErr:
		return "error"
	default:
		return "ok"
	}
}
