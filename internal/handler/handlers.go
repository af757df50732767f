package handler

import (
	"consult_realtime/internal/config"
	"consult_realtime/internal/hub"
	"consult_realtime/internal/service"
	"consult_realtime/pkg/logger"
)

type Handlers struct {
	Health       *HealthHandler
	Conversation *ConversationHandler
	Message      *MessageHandler
	Credential   *CredentialHandler
	WebSocket    *WebSocketHandler
}

func NewHandlers(services *service.Services, h *hub.Hub, cfg *config.Config, log logger.Logger) *Handlers {
	return &Handlers{
		Health:       NewHealthHandler(cfg, h),
		Conversation: NewConversationHandler(services.Conversation, log),
		Message:      NewMessageHandler(services.Message, log),
		Credential:   NewCredentialHandler(services.Credential, log),
		WebSocket:    NewWebSocketHandler(h, cfg.Server.CORSOrigins, log),
	}
}
