package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/ahump20/blaze-intelligence-sub001/internal/websocket"
)

type WSHandler struct {
	hub *websocket.Hub
}

func NewWSHandler(hub *websocket.Hub) *WSHandler {
	return &WSHandler{hub: hub}
}

// RegisterRoutes maps HTTP methods to handler functions
func (h *WSHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades the request and hands the connection to the hub.
func (h *WSHandler) HandleWebSocket(c *gin.Context) {
	websocket.ServeWS(h.hub, c.Writer, c.Request)
}
