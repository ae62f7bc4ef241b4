package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/notification-engine/pkg/logger"
)

// Logger logs one line per request. Request bodies are not logged; they carry
// notification content.
func Logger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}

		c.Next()

		status := c.Writer.Status()
		fields := []interface{}{
			"request_id", c.GetString(ContextRequestID),
			"method", c.Request.Method,
			"path", path,
			"ip", c.ClientIP(),
			"status", status,
			"duration", time.Since(start).String(),
			"user_agent", c.Request.UserAgent(),
		}
		if issuer := c.GetString(ContextIssuer); issuer != "" {
			fields = append(fields, "issuer", issuer)
		}

		switch {
		case status >= 500:
			var err error
			if last := c.Errors.Last(); last != nil {
				err = last.Err
			}
			log.Error(err, "Server error", fields...)
		case status >= 400:
			log.Warn("Client error", fields...)
		default:
			log.Info("Request processed", fields...)
		}
	}
}
