package repository

import (
	"consult_realtime/pkg/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

type Repositories struct {
	Conversation ConversationRepository
	Message      MessageRepository
	Engagement   EngagementRepository
	RateLimit    RateLimitRepository
	Audit        AuditRepository
}

func NewRepositories(db *pgxpool.Pool, redis *redis.Client, log logger.Logger) *Repositories {
	return &Repositories{
		Conversation: NewConversationRepository(db, log),
		Message:      NewMessageRepository(db, log),
		Engagement:   NewEngagementRepository(db, log),
		RateLimit:    NewRateLimitRepository(redis, log),
		Audit:        NewAuditRepository(db, log),
	}
}
