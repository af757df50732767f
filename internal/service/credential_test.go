package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"consult_realtime/internal/config"
	"consult_realtime/internal/domain"
	apperrors "consult_realtime/pkg/errors"
	"consult_realtime/pkg/logger"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCredentialService(clk clock.Clock) CredentialService {
	svc, _ := newAuditedCredentialService(clk)
	return svc
}

func newAuditedCredentialService(clk clock.Clock) (CredentialService, *memAudit) {
	engagements := &memEngagements{byID: map[string]domain.Engagement{
		"e1": {ID: "e1", ProviderID: "p1", ConsumerID: "u1"},
	}}
	cfg := config.LiveKitConfig{
		URL:           "wss://media.example",
		APIKey:        "devkey",
		APISecret:     "a-secret-long-enough-for-hs256-signing",
		CredentialTTL: time.Hour,
	}
	audit := &memAudit{}
	return NewCredentialService(engagements, NewAuditService(audit, clk, logger.NewNop()), cfg, clk, logger.NewNop()), audit
}

func TestIssueAndVerifyCredential(t *testing.T) {
	svc := newCredentialService(clock.New())

	cred, err := svc.Issue(context.Background(), "u1", "e1")
	require.NoError(t, err)
	assert.Equal(t, "engagement:e1", cred.RoomName)
	assert.Equal(t, "wss://media.example", cred.URL)
	assert.NotEmpty(t, cred.Token)
	assert.WithinDuration(t, time.Now().Add(time.Hour), cred.ExpiresAt, 5*time.Second)

	identity, err := svc.Verify(cred.Token, "engagement:e1")
	require.NoError(t, err)
	assert.Equal(t, "u1", identity)
}

func TestCredentialIsScopedToOneRoom(t *testing.T) {
	svc := newCredentialService(clock.New())

	cred, err := svc.Issue(context.Background(), "u1", "e1")
	require.NoError(t, err)

	_, err = svc.Verify(cred.Token, "engagement:e2")
	assert.ErrorIs(t, err, apperrors.ErrCredentialExpired)

	_, err = svc.Verify("garbage", "engagement:e1")
	assert.ErrorIs(t, err, apperrors.ErrCredentialExpired)
}

func TestExpiredCredentialIsRejected(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Now())
	svc := newCredentialService(mock)

	cred, err := svc.Issue(context.Background(), "u1", "e1")
	require.NoError(t, err)

	mock.Add(2 * time.Hour)
	_, err = svc.Verify(cred.Token, "engagement:e1")
	assert.ErrorIs(t, err, apperrors.ErrCredentialExpired)
}

func TestIssueRequiresParticipation(t *testing.T) {
	svc := newCredentialService(clock.New())

	_, err := svc.Issue(context.Background(), "stranger", "e1")
	assert.ErrorIs(t, err, apperrors.ErrNotParticipant)

	_, err = svc.Issue(context.Background(), "u1", "missing")
	assert.ErrorIs(t, err, apperrors.ErrEngagementNotFound)
}

func TestIssuanceIsAudited(t *testing.T) {
	svc, audit := newAuditedCredentialService(clock.New())

	_, err := svc.Issue(context.Background(), "u1", "e1")
	require.NoError(t, err)
	_, err = svc.Issue(context.Background(), "stranger", "e1")
	require.Error(t, err)

	require.Len(t, audit.logs, 2)
	assert.Equal(t, domain.EventTypeCredentialIssued, audit.logs[0].EventType)
	assert.Equal(t, "u1", audit.logs[0].ActorUserID)
	assert.Equal(t, "engagement:e1", audit.logs[0].RoomID)
	assert.Contains(t, audit.logs[0].Payload, "expires_at")
	assert.Equal(t, domain.EventTypeCredentialDenied, audit.logs[1].EventType)
	assert.Equal(t, "stranger", audit.logs[1].ActorUserID)
}

func TestAuditFailureDoesNotBlockIssuance(t *testing.T) {
	svc, audit := newAuditedCredentialService(clock.New())
	audit.err = errors.New("db down")

	cred, err := svc.Issue(context.Background(), "u1", "e1")
	require.NoError(t, err)
	assert.NotEmpty(t, cred.Token)
}

func TestRateLimitAllow(t *testing.T) {
	svc := NewRateLimitService(&memRateLimit{counts: map[string]int64{}}, logger.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := svc.Allow(ctx, "k", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := svc.Allow(ctx, "k", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}
