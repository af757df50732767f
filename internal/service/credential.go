package service

import (
	"context"
	"fmt"

	"consult_realtime/internal/config"
	"consult_realtime/internal/domain"
	"consult_realtime/internal/repository"
	apperrors "consult_realtime/pkg/errors"
	"consult_realtime/pkg/logger"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/livekit/protocol/auth"
)

type CredentialService interface {
	Issue(ctx context.Context, userID, engagementID string) (*domain.SessionCredential, error)
	// Verify checks that token was issued by us for room and returns the
	// identity it was issued to.
	Verify(token, room string) (string, error)
}

type credentialService struct {
	engagementRepo repository.EngagementRepository
	audit          AuditService
	cfg            config.LiveKitConfig
	clock          clock.Clock
	log            logger.Logger
}

func NewCredentialService(engagementRepo repository.EngagementRepository, audit AuditService, cfg config.LiveKitConfig, clk clock.Clock, log logger.Logger) CredentialService {
	return &credentialService{
		engagementRepo: engagementRepo,
		audit:          audit,
		cfg:            cfg,
		clock:          clk,
		log:            log,
	}
}

func (s *credentialService) Issue(ctx context.Context, userID, engagementID string) (*domain.SessionCredential, error) {
	engagement, err := s.engagementRepo.GetByID(ctx, engagementID)
	if err != nil {
		return nil, err
	}

	room := domain.EngagementRoom(engagementID)
	if !engagement.HasParticipant(userID) {
		s.record(ctx, userID, room, domain.EventTypeCredentialDenied, nil)
		return nil, fmt.Errorf("%w: engagement %s", apperrors.ErrNotParticipant, engagementID)
	}

	canPublish := true
	canSubscribe := true
	grant := &auth.VideoGrant{
		RoomJoin:     true,
		Room:         room,
		CanPublish:   &canPublish,
		CanSubscribe: &canSubscribe,
	}

	at := auth.NewAccessToken(s.cfg.APIKey, s.cfg.APISecret)
	at.AddGrant(grant).
		SetIdentity(userID).
		SetValidFor(s.cfg.CredentialTTL)

	token, err := at.ToJWT()
	if err != nil {
		s.log.Error("Failed to generate session credential", "engagement_id", engagementID, "error", err)
		return nil, fmt.Errorf("%w: failed to generate credential", apperrors.ErrInternalServer)
	}

	cred := &domain.SessionCredential{
		RoomName:  room,
		Token:     token,
		URL:       s.cfg.PublicURL(),
		ExpiresAt: s.clock.Now().Add(s.cfg.CredentialTTL).UTC(),
	}
	s.record(ctx, userID, room, domain.EventTypeCredentialIssued, map[string]interface{}{
		"expires_at": cred.ExpiresAt,
	})
	return cred, nil
}

// record writes an audit entry. A failed write never blocks issuance.
func (s *credentialService) record(ctx context.Context, userID, room, eventType string, payload map[string]interface{}) {
	if err := s.audit.LogEvent(ctx, userID, room, eventType, payload); err != nil {
		s.log.Warn("Failed to write audit log", "event_type", eventType, "room", room, "error", err)
	}
}

// livekitClaims mirrors the claim layout of a LiveKit access token.
type livekitClaims struct {
	Video *auth.VideoGrant `json:"video,omitempty"`
	jwt.RegisteredClaims
}

func (s *credentialService) Verify(token, room string) (string, error) {
	claims := &livekitClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.cfg.APISecret), nil
	},
		jwt.WithIssuer(s.cfg.APIKey),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", apperrors.ErrCredentialExpired, err)
	}

	if claims.Video == nil || !claims.Video.RoomJoin || claims.Video.Room != room {
		return "", fmt.Errorf("%w: credential is not valid for %s", apperrors.ErrCredentialExpired, room)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: credential has no identity", apperrors.ErrCredentialExpired)
	}
	return claims.Subject, nil
}
