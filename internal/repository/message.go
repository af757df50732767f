package repository

import (
	"context"
	"errors"

	"consult_realtime/internal/domain"
	"consult_realtime/pkg/logger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type MessageRepository interface {
	// Create inserts m unless the sender already wrote a message with the
	// same correlation id, in which case m is filled from the stored row
	// and created is false.
	Create(ctx context.Context, m *domain.Message) (created bool, err error)
	ListByConversation(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
}

type messageRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewMessageRepository(db *pgxpool.Pool, log logger.Logger) MessageRepository {
	return &messageRepository{db: db, log: log}
}

func (r *messageRepository) Create(ctx context.Context, m *domain.Message) (bool, error) {
	query := `
		INSERT INTO messages (id, conversation_id, sender_id, sender_role, content, correlation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (sender_id, correlation_id) DO NOTHING
		RETURNING id
	`

	err := r.db.QueryRow(ctx, query,
		m.ID, m.ConversationID, m.SenderID, string(m.SenderRole),
		m.Content, m.CorrelationID, m.CreatedAt,
	).Scan(&m.ID)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		r.log.Error("Failed to create message", "correlation_id", m.CorrelationID, "error", err)
		return false, err
	}

	existing := `
		SELECT id, conversation_id, sender_id, sender_role, content, correlation_id, created_at
		FROM messages
		WHERE sender_id = $1 AND correlation_id = $2
	`
	var role string
	err = r.db.QueryRow(ctx, existing, m.SenderID, m.CorrelationID).Scan(
		&m.ID, &m.ConversationID, &m.SenderID, &role, &m.Content, &m.CorrelationID, &m.CreatedAt,
	)
	if err != nil {
		r.log.Error("Failed to load replayed message", "correlation_id", m.CorrelationID, "error", err)
		return false, err
	}
	m.SenderRole = domain.Role(role)

	return false, nil
}

// ListByConversation returns the latest limit messages in ascending order.
func (r *messageRepository) ListByConversation(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	query := `
		SELECT id, conversation_id, sender_id, sender_role, content, correlation_id, created_at
		FROM (
			SELECT id, conversation_id, sender_id, sender_role, content, correlation_id, created_at
			FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		) latest
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, conversationID, limit)
	if err != nil {
		r.log.Error("Failed to get messages", "conversation_id", conversationID, "error", err)
		return nil, err
	}
	defer rows.Close()

	messages := []domain.Message{}
	for rows.Next() {
		var (
			m    domain.Message
			role string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &role, &m.Content, &m.CorrelationID, &m.CreatedAt); err != nil {
			r.log.Error("Failed to scan message", "error", err)
			return nil, err
		}
		m.SenderRole = domain.Role(role)
		messages = append(messages, m)
	}

	return messages, rows.Err()
}
