package domain

import (
	"time"
)

// AuditLog records who was let into (or kept out of) a live session.
type AuditLog struct {
	ID          int64                  `json:"id"`
	EventTime   time.Time              `json:"event_time"`
	ActorUserID string                 `json:"actor_user_id"`
	RoomID      string                 `json:"room_id,omitempty"`
	EventType   string                 `json:"event_type"`
	Payload     map[string]interface{} `json:"payload"`
}

const (
	EventTypeCredentialIssued = "CREDENTIAL_ISSUED"
	EventTypeCredentialDenied = "CREDENTIAL_DENIED"
)
