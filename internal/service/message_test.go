package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"consult_realtime/internal/domain"
	"consult_realtime/internal/protocol"
	apperrors "consult_realtime/pkg/errors"
	"consult_realtime/pkg/logger"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var serverNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newMessageService() (MessageService, ConversationService, *memMessages, *recordingPublisher) {
	convs := &memConversations{byID: map[string]domain.Conversation{
		"c1": {ID: "c1", ProviderID: "p1", ConsumerID: "u1"},
	}}
	msgs := &memMessages{}
	pub := &recordingPublisher{}
	mock := clock.NewMock()
	mock.Set(serverNow)

	conversations := NewConversationService(convs, msgs, logger.NewNop())
	return NewMessageService(conversations, msgs, pub, mock, logger.NewNop()), conversations, msgs, pub
}

func validRequest() domain.NewMessage {
	return domain.NewMessage{
		ConversationID: "c1",
		RecipientID:    "p1",
		SenderID:       "u1",
		SenderRole:     domain.RoleConsumer,
		Content:        "hello",
		CorrelationID:  "k1",
		CreatedAt:      serverNow.Add(-time.Second),
	}
}

func TestCreatePersistsAndPublishes(t *testing.T) {
	svc, _, msgs, pub := newMessageService()

	msg, created, err := svc.Create(context.Background(), validRequest())
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "k1", msg.CorrelationID)
	assert.Equal(t, serverNow.Add(-time.Second), msg.CreatedAt)
	assert.Len(t, msgs.rows, 1)

	require.Len(t, pub.sent, 1)
	assert.Equal(t, protocol.EventReceiveMessage, pub.sent[0].event)
	assert.ElementsMatch(t, []string{"user:p1", "user:u1", "conversation:c1"}, pub.sent[0].rooms)
	payload := pub.sent[0].payload.(protocol.ReceiveMessagePayload)
	assert.Equal(t, msg.ID, payload.ID)
	assert.Equal(t, "k1", payload.CorrelationID)
}

func TestCreateIsIdempotentByCorrelationID(t *testing.T) {
	svc, _, msgs, _ := newMessageService()

	first, created, err := svc.Create(context.Background(), validRequest())
	require.NoError(t, err)
	require.True(t, created)

	again, created, err := svc.Create(context.Background(), validRequest())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Len(t, msgs.rows, 1)
}

func TestCreateRejectsBadRequests(t *testing.T) {
	svc, _, _, _ := newMessageService()
	ctx := context.Background()

	req := validRequest()
	req.Content = "  "
	_, _, err := svc.Create(ctx, req)
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)

	req = validRequest()
	req.Content = strings.Repeat("x", domain.MaxMessageLength+1)
	_, _, err = svc.Create(ctx, req)
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)

	req = validRequest()
	req.SenderRole = domain.RoleProvider
	_, _, err = svc.Create(ctx, req)
	assert.ErrorIs(t, err, apperrors.ErrForbidden)

	req = validRequest()
	req.SenderID = "stranger"
	_, _, err = svc.Create(ctx, req)
	assert.ErrorIs(t, err, apperrors.ErrNotParticipant)

	req = validRequest()
	req.RecipientID = "someone-else"
	_, _, err = svc.Create(ctx, req)
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)

	req = validRequest()
	req.ConversationID = "missing"
	_, _, err = svc.Create(ctx, req)
	assert.ErrorIs(t, err, apperrors.ErrConversationNotFound)
}

func TestCreateClampsFutureTimestamps(t *testing.T) {
	svc, _, _, _ := newMessageService()

	req := validRequest()
	req.CreatedAt = serverNow.Add(time.Hour)
	msg, _, err := svc.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, serverNow, msg.CreatedAt)
}

func TestHistoryRequiresParticipation(t *testing.T) {
	_, conversations, msgs, _ := newMessageService()
	ctx := context.Background()

	_, err := conversations.History(ctx, "stranger", "c1", 0)
	assert.ErrorIs(t, err, apperrors.ErrNotParticipant)

	_, err = conversations.History(ctx, "u1", "c1", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultHistoryLimit, msgs.lastLimit)

	_, err = conversations.History(ctx, "u1", "c1", 10000)
	require.NoError(t, err)
	assert.Equal(t, MaxHistoryLimit, msgs.lastLimit)
}
