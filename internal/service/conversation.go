package service

import (
	"context"
	"fmt"

	"consult_realtime/internal/domain"
	"consult_realtime/internal/repository"
	apperrors "consult_realtime/pkg/errors"
	"consult_realtime/pkg/logger"
)

const (
	DefaultHistoryLimit = 100
	MaxHistoryLimit     = 200
)

type ConversationService interface {
	List(ctx context.Context, userID string) ([]domain.Conversation, error)
	History(ctx context.Context, userID, conversationID string, limit int) ([]domain.Message, error)
	// Authorize returns the conversation if userID takes part in it.
	Authorize(ctx context.Context, userID, conversationID string) (*domain.Conversation, error)
}

type conversationService struct {
	conversationRepo repository.ConversationRepository
	messageRepo      repository.MessageRepository
	log              logger.Logger
}

func NewConversationService(conversationRepo repository.ConversationRepository, messageRepo repository.MessageRepository, log logger.Logger) ConversationService {
	return &conversationService{
		conversationRepo: conversationRepo,
		messageRepo:      messageRepo,
		log:              log,
	}
}

func (s *conversationService) List(ctx context.Context, userID string) ([]domain.Conversation, error) {
	return s.conversationRepo.ListForUser(ctx, userID)
}

func (s *conversationService) Authorize(ctx context.Context, userID, conversationID string) (*domain.Conversation, error) {
	conv, err := s.conversationRepo.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, fmt.Errorf("%w: conversation %s", apperrors.ErrNotParticipant, conversationID)
	}
	return conv, nil
}

func (s *conversationService) History(ctx context.Context, userID, conversationID string, limit int) ([]domain.Message, error) {
	if _, err := s.Authorize(ctx, userID, conversationID); err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	return s.messageRepo.ListByConversation(ctx, conversationID, limit)
}
