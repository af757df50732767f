package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"consult_realtime/internal/domain"
	"consult_realtime/internal/protocol"
	"consult_realtime/internal/repository"
	apperrors "consult_realtime/pkg/errors"
	"consult_realtime/pkg/logger"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// MaxClockSkew bounds how far in the future a client timestamp may be.
const MaxClockSkew = time.Minute

// Publisher fans an event out to hub rooms.
type Publisher interface {
	Publish(rooms []string, event protocol.EventType, payload interface{}) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(rooms []string, event protocol.EventType, payload interface{}) error

func (f PublisherFunc) Publish(rooms []string, event protocol.EventType, payload interface{}) error {
	return f(rooms, event, payload)
}

type MessageService interface {
	// Create persists req. A replay of an already persisted correlation id
	// returns the stored message with created false.
	Create(ctx context.Context, req domain.NewMessage) (msg *domain.Message, created bool, err error)
}

type messageService struct {
	conversations ConversationService
	messageRepo   repository.MessageRepository
	publisher     Publisher
	clock         clock.Clock
	log           logger.Logger
}

func NewMessageService(conversations ConversationService, messageRepo repository.MessageRepository, publisher Publisher, clk clock.Clock, log logger.Logger) MessageService {
	return &messageService{
		conversations: conversations,
		messageRepo:   messageRepo,
		publisher:     publisher,
		clock:         clk,
		log:           log,
	}
}

func (s *messageService) Create(ctx context.Context, req domain.NewMessage) (*domain.Message, bool, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" || len(content) > domain.MaxMessageLength {
		return nil, false, fmt.Errorf("%w: content must be 1-%d characters", apperrors.ErrBadRequest, domain.MaxMessageLength)
	}
	if req.CorrelationID == "" {
		return nil, false, fmt.Errorf("%w: correlation_id is required", apperrors.ErrBadRequest)
	}

	conv, err := s.conversations.Authorize(ctx, req.SenderID, req.ConversationID)
	if err != nil {
		return nil, false, err
	}
	role, _ := conv.RoleOf(req.SenderID)
	if req.SenderRole != role {
		return nil, false, fmt.Errorf("%w: sender is the %s of this conversation", apperrors.ErrForbidden, role)
	}
	if req.RecipientID != conv.Counterpart(req.SenderID) {
		return nil, false, fmt.Errorf("%w: recipient is not part of this conversation", apperrors.ErrBadRequest)
	}

	now := s.clock.Now().UTC()
	createdAt := req.CreatedAt.UTC()
	if createdAt.IsZero() || createdAt.After(now.Add(MaxClockSkew)) {
		createdAt = now
	}

	msg := &domain.Message{
		ID:             uuid.NewString(),
		CorrelationID:  req.CorrelationID,
		ConversationID: conv.ID,
		SenderID:       req.SenderID,
		SenderRole:     role,
		Content:        content,
		CreatedAt:      createdAt,
	}

	created, err := s.messageRepo.Create(ctx, msg)
	if err != nil {
		return nil, false, fmt.Errorf("failed to persist message: %w", err)
	}
	if !created {
		s.log.Info("Replayed message write", "message_id", msg.ID, "correlation_id", msg.CorrelationID)
	}

	rooms := []string{
		domain.UserRoom(conv.ProviderID),
		domain.UserRoom(conv.ConsumerID),
		domain.ConversationRoom(conv.ID),
	}
	if err := s.publisher.Publish(rooms, protocol.EventReceiveMessage, protocol.ReceiveFromMessage(msg)); err != nil {
		s.log.Warn("Failed to publish message", "message_id", msg.ID, "error", err)
	}

	return msg, created, nil
}
