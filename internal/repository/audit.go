package repository

import (
	"context"

	"consult_realtime/internal/domain"
	"consult_realtime/pkg/logger"

	"github.com/jackc/pgx/v5/pgxpool"
)

type AuditRepository interface {
	CreateLog(ctx context.Context, log *domain.AuditLog) error
}

type auditRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewAuditRepository(db *pgxpool.Pool, log logger.Logger) AuditRepository {
	return &auditRepository{db: db, log: log}
}

func (r *auditRepository) CreateLog(ctx context.Context, auditLog *domain.AuditLog) error {
	query := `
		INSERT INTO audit_log (event_time, actor_user_id, room_id, event_type, payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`

	err := r.db.QueryRow(ctx, query,
		auditLog.EventTime, auditLog.ActorUserID, auditLog.RoomID,
		auditLog.EventType, auditLog.Payload,
	).Scan(&auditLog.ID)
	if err != nil {
		r.log.Error("Failed to create audit log", "event_type", auditLog.EventType, "error", err)
		return err
	}

	return nil
}
