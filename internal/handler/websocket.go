package handler

import (
	"net/http"

	"consult_realtime/internal/middleware"
	"consult_realtime/pkg/errors"
	"consult_realtime/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Hub takes ownership of an upgraded connection for userID.
type Hub interface {
	Serve(conn *websocket.Conn, userID string)
}

type WebSocketHandler struct {
	hub      Hub
	upgrader websocket.Upgrader
	log      logger.Logger
}

func NewWebSocketHandler(hub Hub, origins []string, log logger.Logger) *WebSocketHandler {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	_, allowAll := allowed["*"]

	return &WebSocketHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || allowAll {
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
		log: log,
	}
}

// Handle upgrades an authenticated request and serves it until it closes.
func (h *WebSocketHandler) Handle(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		_ = c.Error(errors.ErrUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("Failed to upgrade connection", "user_id", userID, "error", err)
		return
	}

	h.hub.Serve(conn, userID)
}
