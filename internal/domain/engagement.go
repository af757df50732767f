package domain

import (
	"time"
)

// Engagement is a scheduled appointment between a provider and a consumer.
// Scheduling lives elsewhere; this subsystem only reads participants.
type Engagement struct {
	ID          string     `json:"id"`
	ProviderID  string     `json:"provider_id"`
	ConsumerID  string     `json:"consumer_id"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

func (e *Engagement) HasParticipant(userID string) bool {
	return userID != "" && (e.ProviderID == userID || e.ConsumerID == userID)
}

// SessionCredential is a short-lived access token scoped to exactly one
// engagement room.
type SessionCredential struct {
	RoomName  string    `json:"room_name"`
	Token     string    `json:"token"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (c *SessionCredential) Expired(now time.Time) bool {
	return c.Token == "" || !now.Before(c.ExpiresAt)
}
