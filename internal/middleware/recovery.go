package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/notification-engine/pkg/httputil"
	"github.com/jwalitptl/notification-engine/pkg/logger"
)

// Recovery handles panics and logs them appropriately
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error(fmt.Errorf("panic: %v", r), "Request panic recovered",
					"stack", string(debug.Stack()),
					"method", c.Request.Method,
					"path", c.Request.URL.Path,
					"client_ip", c.ClientIP(),
					"request_id", c.GetString(ContextRequestID))

				httputil.RespondWithMessage(c, http.StatusInternalServerError, "Internal server error")
			}
		}()
		c.Next()
	}
}
