package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"consult_realtime/internal/domain"
	"consult_realtime/internal/protocol"
	apperrors "consult_realtime/pkg/errors"
)

type memConversations struct {
	byID map[string]domain.Conversation
}

func (r *memConversations) ListForUser(_ context.Context, userID string) ([]domain.Conversation, error) {
	var out []domain.Conversation
	for _, c := range r.byID {
		if c.HasParticipant(userID) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *memConversations) GetByID(_ context.Context, id string) (*domain.Conversation, error) {
	c, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrConversationNotFound, id)
	}
	return &c, nil
}

type memMessages struct {
	mu        sync.Mutex
	rows      []domain.Message
	lastLimit int
}

func (r *memMessages) Create(_ context.Context, m *domain.Message) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.SenderID == m.SenderID && row.CorrelationID == m.CorrelationID {
			*m = row
			return false, nil
		}
	}
	r.rows = append(r.rows, *m)
	return true, nil
}

func (r *memMessages) ListByConversation(_ context.Context, conversationID string, limit int) ([]domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastLimit = limit
	var out []domain.Message
	for _, row := range r.rows {
		if row.ConversationID == conversationID {
			out = append(out, row)
		}
	}
	return out, nil
}

type memEngagements struct {
	byID map[string]domain.Engagement
}

func (r *memEngagements) GetByID(_ context.Context, id string) (*domain.Engagement, error) {
	e, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrEngagementNotFound, id)
	}
	return &e, nil
}

type published struct {
	rooms   []string
	event   protocol.EventType
	payload interface{}
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []published
}

func (p *recordingPublisher) Publish(rooms []string, event protocol.EventType, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, published{rooms: rooms, event: event, payload: payload})
	return nil
}

type memRateLimit struct {
	counts map[string]int64
}

func (r *memRateLimit) CheckLimit(_ context.Context, key string, limit int) (bool, error) {
	return r.counts[key] < int64(limit), nil
}

func (r *memRateLimit) Increment(_ context.Context, key string, _ time.Duration) (int64, error) {
	r.counts[key]++
	return r.counts[key], nil
}

type memAudit struct {
	logs []domain.AuditLog
	err  error
}

func (r *memAudit) CreateLog(_ context.Context, l *domain.AuditLog) error {
	if r.err != nil {
		return r.err
	}
	l.ID = int64(len(r.logs) + 1)
	r.logs = append(r.logs, *l)
	return nil
}
