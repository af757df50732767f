package domain

import (
	"time"
)

// Conversation is a durable pairing between a provider and a consumer.
// It is created server-side on first contact and never deleted by clients.
type Conversation struct {
	ID          string          `json:"id"`
	ProviderID  string          `json:"provider_id"`
	ConsumerID  string          `json:"consumer_id"`
	LastMessage *MessageSummary `json:"last_message,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

type MessageSummary struct {
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func (c *Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.ProviderID == userID || c.ConsumerID == userID)
}

// Counterpart returns the other side of the conversation, or "" if userID
// is not a participant.
func (c *Conversation) Counterpart(userID string) string {
	switch userID {
	case c.ProviderID:
		return c.ConsumerID
	case c.ConsumerID:
		return c.ProviderID
	}
	return ""
}

// RoleOf returns the role userID plays in the conversation.
func (c *Conversation) RoleOf(userID string) (Role, bool) {
	switch userID {
	case c.ProviderID:
		return RoleProvider, true
	case c.ConsumerID:
		return RoleConsumer, true
	}
	return "", false
}
