package handler

import (
	"net/http"

	"consult_realtime/internal/config"

	"github.com/gin-gonic/gin"
)

type HubStats interface {
	ClientCount() int
	RoomCount() int
}

type HealthHandler struct {
	hub        HubStats
	liveKitURL string
}

func NewHealthHandler(cfg *config.Config, hub HubStats) *HealthHandler {
	return &HealthHandler{
		hub:        hub,
		liveKitURL: cfg.LiveKit.PublicURL(),
	}
}

func (h *HealthHandler) Check(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "consult-realtime",
		"clients": h.hub.ClientCount(),
		"rooms":   h.hub.RoomCount(),
	})
}

// ServerInfo tells clients where the API, the event socket and the media
// server live.
func (h *HealthHandler) ServerInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"api_base":    "/api/v1",
		"ws_path":     "/ws",
		"livekit_url": h.liveKitURL,
	})
}
