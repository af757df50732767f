package domain

import (
	"time"
)

type Role string

const (
	RoleProvider Role = "provider"
	RoleConsumer Role = "consumer"
)

func (r Role) Valid() bool {
	return r == RoleProvider || r == RoleConsumer
}

// Message is one persisted chat entry. CorrelationID is the client generated
// id the entry carried before the server assigned ID.
type Message struct {
	ID             string    `json:"id"`
	CorrelationID  string    `json:"correlation_id,omitempty"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	SenderRole     Role      `json:"sender_role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewMessage is the durable write request (POST /messages).
type NewMessage struct {
	ConversationID string    `json:"conversation_id" binding:"required"`
	RecipientID    string    `json:"recipient_id" binding:"required"`
	SenderID       string    `json:"-"`
	SenderRole     Role      `json:"sender_role" binding:"required"`
	Content        string    `json:"content" binding:"required"`
	CorrelationID  string    `json:"correlation_id" binding:"required"`
	CreatedAt      time.Time `json:"created_at"`
}

const MaxMessageLength = 4000
