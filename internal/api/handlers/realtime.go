package handlers

import (
	"net/http"
	"time"

	"realtime-service/internal/realtime"

	"github.com/gin-gonic/gin"
)

type WSHandler struct {
	hub *realtime.Hub
}

func NewWSHandler(hub *realtime.Hub) *WSHandler {
	return &WSHandler{hub: hub}
}

// HandleWebSocket hands the upgrade off to the hub. The mount path is the
// socket path contract shared with clients.
func (h *WSHandler) HandleWebSocket(c *gin.Context) {
	realtime.ServeWS(h.hub, c.Writer, c.Request)
}

// Health is the liveness probe clients hit before dialing the socket.
func (h *WSHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"connections": h.hub.ConnectionCount(),
		"uptime":      h.hub.Uptime().String(),
	})
}
