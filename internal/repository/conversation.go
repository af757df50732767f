package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"consult_realtime/internal/domain"
	apperrors "consult_realtime/pkg/errors"
	"consult_realtime/pkg/logger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ConversationRepository interface {
	ListForUser(ctx context.Context, userID string) ([]domain.Conversation, error)
	GetByID(ctx context.Context, id string) (*domain.Conversation, error)
}

type conversationRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewConversationRepository(db *pgxpool.Pool, log logger.Logger) ConversationRepository {
	return &conversationRepository{db: db, log: log}
}

// ListForUser returns the user's conversations, most recent activity first,
// each with a summary of its last message.
func (r *conversationRepository) ListForUser(ctx context.Context, userID string) ([]domain.Conversation, error) {
	query := `
		SELECT c.id, c.provider_id, c.consumer_id, c.created_at, lm.content, lm.created_at
		FROM conversations c
		LEFT JOIN LATERAL (
			SELECT content, created_at
			FROM messages m
			WHERE m.conversation_id = c.id
			ORDER BY m.created_at DESC
			LIMIT 1
		) lm ON true
		WHERE c.provider_id = $1 OR c.consumer_id = $1
		ORDER BY COALESCE(lm.created_at, c.created_at) DESC
	`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		r.log.Error("Failed to list conversations", "user_id", userID, "error", err)
		return nil, err
	}
	defer rows.Close()

	conversations := []domain.Conversation{}
	for rows.Next() {
		var (
			c           domain.Conversation
			lastContent *string
			lastAt      *time.Time
		)
		if err := rows.Scan(&c.ID, &c.ProviderID, &c.ConsumerID, &c.CreatedAt, &lastContent, &lastAt); err != nil {
			r.log.Error("Failed to scan conversation", "error", err)
			return nil, err
		}
		if lastContent != nil && lastAt != nil {
			c.LastMessage = &domain.MessageSummary{Content: *lastContent, CreatedAt: *lastAt}
		}
		conversations = append(conversations, c)
	}

	return conversations, rows.Err()
}

func (r *conversationRepository) GetByID(ctx context.Context, id string) (*domain.Conversation, error) {
	query := `
		SELECT id, provider_id, consumer_id, created_at
		FROM conversations
		WHERE id = $1
	`

	c := &domain.Conversation{}
	err := r.db.QueryRow(ctx, query, id).Scan(&c.ID, &c.ProviderID, &c.ConsumerID, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrConversationNotFound, id)
	}
	if err != nil {
		r.log.Error("Failed to get conversation", "conversation_id", id, "error", err)
		return nil, err
	}

	return c, nil
}
