package hub

import (
	"context"
	"errors"
	"fmt"

	"consult_realtime/internal/domain"
	"consult_realtime/internal/protocol"
	apperrors "consult_realtime/pkg/errors"
)

type Conversations interface {
	Authorize(ctx context.Context, userID, conversationID string) (*domain.Conversation, error)
}

type Credentials interface {
	Verify(token, room string) (string, error)
}

// authorizeRoom decides whether userID may join room. Personal rooms are
// private to their owner, conversation rooms need participation and
// engagement rooms a credential issued to userID for exactly that room.
func (h *Hub) authorizeRoom(ctx context.Context, userID, room, credential string) error {
	kind, id := domain.ParseRoom(room)
	switch kind {
	case domain.RoomKindUser:
		if id != userID {
			return fmt.Errorf("%w: personal room of another user", apperrors.ErrForbidden)
		}
		return nil

	case domain.RoomKindConversation:
		_, err := h.conversations.Authorize(ctx, userID, id)
		return err

	case domain.RoomKindEngagement:
		if credential == "" {
			return fmt.Errorf("%w: no credential for %s", apperrors.ErrCredentialExpired, room)
		}
		identity, err := h.credentials.Verify(credential, room)
		if err != nil {
			return err
		}
		if identity != userID {
			return fmt.Errorf("%w: credential issued to another identity", apperrors.ErrCredentialExpired)
		}
		return nil
	}

	return fmt.Errorf("%w: unknown room %q", apperrors.ErrBadRequest, room)
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrCredentialExpired):
		return protocol.ErrCodeCredentialExpired
	case errors.Is(err, apperrors.ErrForbidden), errors.Is(err, apperrors.ErrNotParticipant),
		errors.Is(err, apperrors.ErrConversationNotFound), errors.Is(err, apperrors.ErrNotFound):
		return protocol.ErrCodeForbidden
	case errors.Is(err, apperrors.ErrBadRequest):
		return protocol.ErrCodeInvalidMsg
	default:
		return protocol.ErrCodeInternal
	}
}
