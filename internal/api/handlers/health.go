package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ahump20/blaze-intelligence-sub001/internal/connector"
	"github.com/ahump20/blaze-intelligence-sub001/internal/websocket"
)

type HealthHandler struct {
	hub  *websocket.Hub
	conn *connector.Connector
}

func NewHealthHandler(hub *websocket.Hub, conn *connector.Connector) *HealthHandler {
	return &HealthHandler{hub: hub, conn: conn}
}

// RegisterRoutes maps HTTP methods to handler functions
func (h *HealthHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/health", h.HandleHealth)
	r.GET("/metrics", h.HandleMetrics)
}

// HandleHealth reports per-source freshness alongside hub occupancy. A
// source that has gone stale while accumulating errors marks the process
// degraded; the process still serves last-known-good data.
func (h *HealthHandler) HandleHealth(c *gin.Context) {
	stats := h.conn.Stats()

	status := "ok"
	for _, s := range stats {
		if s.Freshness == 0 && s.Errors > 0 {
			status = "degraded"
			break
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      status,
		"connections": h.hub.ClientCount(),
		"rooms":       h.hub.RoomCount(),
		"sources":     stats,
	})
}

// HandleMetrics exposes the broadcast server counters and connector stats
// for external monitoring collaborators.
func (h *HealthHandler) HandleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"server":  h.hub.Metrics().GetSnapshot(),
		"sources": h.conn.Stats(),
	})
}
