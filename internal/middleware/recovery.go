package middleware

import (
	"runtime/debug"

	apperrors "claude-relay-go/internal/errors"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Recovery converts handler panics into a 500 in the surface-appropriate
// error shape. Once response bytes have been written (a stream mid-flight)
// the connection is only aborted; appending a JSON body to a partial SSE
// stream would corrupt it.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(log.Fields{
					"panic":      r,
					"stack":      string(debug.Stack()),
					"path":       c.Request.URL.Path,
					"method":     c.Request.Method,
					"request_id": c.GetString("request_id"),
				}).Error("Panic recovered")

				if c.Writer.Written() {
					c.Abort()
					return
				}
				AbortWithAPIError(c, apperrors.New(apperrors.KindInternal, "Internal server error"))
			}
		}()
		c.Next()
	}
}
