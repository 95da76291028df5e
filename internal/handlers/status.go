package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	statusOK = "ok"

	errGetStatus = "failed to load hub status"
)

// Centralized error logging and response.
func (h *Handler) logAndJSONError(c *gin.Context, httpCode int, userMsg, logKey string, err error, kv ...interface{}) {
	if h.log != nil && err != nil {
		fields := append([]interface{}{"err", err}, kv...)
		h.log.Errorw(logKey, fields...)
	}
	c.JSON(httpCode, gin.H{"error": userMsg})
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": statusOK,
	})
}

// getStatus runs a fresh discovery and bus scan and reports per-channel
// occupancy. Failure to locate the hub is not an internal error: the daemon
// keeps running in recovery, so report it as 503 with detail.
func (h *Handler) getStatus(c *gin.Context) {
	st, err := h.status.Status()
	if err != nil {
		h.logAndJSONError(c, http.StatusServiceUnavailable, errGetStatus, "status_failed", err)
		return
	}
	c.JSON(http.StatusOK, st)
}
