package service

import (
	"consult_realtime/internal/config"
	"consult_realtime/internal/repository"
	"consult_realtime/pkg/logger"

	"github.com/benbjohnson/clock"
)

type Services struct {
	Conversation ConversationService
	Message      MessageService
	Credential   CredentialService
	RateLimit    RateLimitService
	Audit        AuditService
}

func NewServices(repos *repository.Repositories, publisher Publisher, cfg *config.Config, clk clock.Clock, log logger.Logger) *Services {
	conversations := NewConversationService(repos.Conversation, repos.Message, log)
	audit := NewAuditService(repos.Audit, clk, log)
	return &Services{
		Conversation: conversations,
		Message:      NewMessageService(conversations, repos.Message, publisher, clk, log),
		Credential:   NewCredentialService(repos.Engagement, audit, cfg.LiveKit, clk, log),
		RateLimit:    NewRateLimitService(repos.RateLimit, log),
		Audit:        audit,
	}
}
