package handlers

import (
	"time"

	"github.com/gin-gonic/gin"
)

// requestLogger logs each request at debug level so a verbose run shows who is
// polling the diagnostic API without drowning normal operation.
func (h *Handler) requestLogger(c *gin.Context) {
	if h.log == nil {
		c.Next()
		return
	}

	start := time.Now()
	c.Next()

	h.log.Debugw("http_request",
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"status", c.Writer.Status(),
		"duration_ms", time.Since(start).Milliseconds(),
		"client", c.ClientIP(),
	)
}
