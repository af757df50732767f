package service

import (
	"context"

	"consult_realtime/internal/domain"
	"consult_realtime/internal/repository"
	"consult_realtime/pkg/logger"

	"github.com/benbjohnson/clock"
)

type AuditService interface {
	LogEvent(ctx context.Context, actorUserID, roomID, eventType string, payload map[string]interface{}) error
}

type auditService struct {
	auditRepo repository.AuditRepository
	clock     clock.Clock
	log       logger.Logger
}

func NewAuditService(auditRepo repository.AuditRepository, clk clock.Clock, log logger.Logger) AuditService {
	return &auditService{
		auditRepo: auditRepo,
		clock:     clk,
		log:       log,
	}
}

func (s *auditService) LogEvent(ctx context.Context, actorUserID, roomID, eventType string, payload map[string]interface{}) error {
	if payload == nil {
		payload = make(map[string]interface{})
	}

	auditLog := &domain.AuditLog{
		EventTime:   s.clock.Now().UTC(),
		ActorUserID: actorUserID,
		RoomID:      roomID,
		EventType:   eventType,
		Payload:     payload,
	}

	return s.auditRepo.CreateLog(ctx, auditLog)
}
