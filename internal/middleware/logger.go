package middleware

import (
	"time"

	"claude-relay-go/internal/logging"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// RequestLogger emits one structured line per request. The raw API key never
// reaches the log; the auth middleware leaves the key id and name in the
// context instead.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := c.Writer.Status()
		extras := log.Fields{
			"status":     status,
			"latency_ms": logging.DurationMS(time.Since(start)),
			"error_kind": logging.ErrorKind(status, len(c.Errors) > 0),
			"user_agent": c.Request.UserAgent(),
		}
		if id := c.GetString(CtxAPIKeyID); id != "" {
			extras["key_id"] = id
			extras["key_name"] = c.GetString(CtxAPIKeyName)
		}
		if model := c.GetString("model"); model != "" {
			extras["model"] = model
		}
		entry := logging.WithReq(c, extras)
		switch {
		case status >= 500:
			entry.Error("http_request")
		case status >= 400:
			entry.Warn("http_request")
		default:
			entry.Info("http_request")
		}
	}
}
