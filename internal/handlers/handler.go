package handlers

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/m-mcgowan/usb-device/internal/logger"
	"github.com/m-mcgowan/usb-device/internal/models"
)

// StatusProvider produces a live diagnostic snapshot of the hub and its
// channels. Implemented by the agent.
type StatusProvider interface {
	Status() (models.HubStatus, error)
}

// EventLister reads back the persisted hub event log.
type EventLister interface {
	List(ctx context.Context, from, to time.Time, typ string) ([]models.HubEvent, error)
}

// Handler wires the diagnostic HTTP layer to the agent and event log.
type Handler struct {
	status StatusProvider
	events EventLister
	log    *logger.Logger
}

// NewHandler constructs a new HTTP handler with dependencies.
func NewHandler(status StatusProvider, events EventLister, log *logger.Logger) *Handler {
	return &Handler{status: status, events: events, log: log}
}

// InitRoutes builds and returns the Gin router with all routes registered.
func (h *Handler) InitRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), h.requestLogger)

	// Health endpoint
	router.GET("/health", h.health)

	// Prometheus scrape endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Versioned API endpoints
	h.registerAPIRoutes(router)

	// Live status stream (HTTP upgrade) on the same port
	router.GET("/ws", h.wsConnect)

	return router
}

func (h *Handler) registerAPIRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		api.GET("/status", h.getStatus)
		api.GET("/events", h.getEvents)
	}
}
