package logging

import (
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// WithReq returns a log entry carrying the request id, method, route and
// client IP. Extras are merged on top and win on key conflicts.
func WithReq(c *gin.Context, extras log.Fields) *log.Entry {
	if c == nil {
		return log.WithFields(extras)
	}
	route := c.FullPath()
	if route == "" && c.Request != nil && c.Request.URL != nil {
		route = c.Request.URL.Path
	}
	fields := log.Fields{
		"request_id": c.GetString("request_id"),
		"method":     c.Request.Method,
		"path":       route,
		"ip":         c.ClientIP(),
	}
	for k, v := range extras {
		fields[k] = v
	}
	return log.WithFields(fields)
}

// DurationMS converts a duration to whole milliseconds for log fields.
func DurationMS(d time.Duration) int64 { return d.Milliseconds() }
