package repository

import (
	"context"
	"errors"
	"fmt"

	"consult_realtime/internal/domain"
	apperrors "consult_realtime/pkg/errors"
	"consult_realtime/pkg/logger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type EngagementRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Engagement, error)
}

type engagementRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewEngagementRepository(db *pgxpool.Pool, log logger.Logger) EngagementRepository {
	return &engagementRepository{db: db, log: log}
}

func (r *engagementRepository) GetByID(ctx context.Context, id string) (*domain.Engagement, error) {
	query := `
		SELECT id, provider_id, consumer_id, scheduled_at
		FROM engagements
		WHERE id = $1
	`

	e := &domain.Engagement{}
	err := r.db.QueryRow(ctx, query, id).Scan(&e.ID, &e.ProviderID, &e.ConsumerID, &e.ScheduledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrEngagementNotFound, id)
	}
	if err != nil {
		r.log.Error("Failed to get engagement", "engagement_id", id, "error", err)
		return nil, err
	}

	return e, nil
}
