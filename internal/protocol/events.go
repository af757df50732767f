package protocol

import (
	"encoding/json"
	"time"

	"consult_realtime/internal/domain"
)

// EventType names a realtime event on the wire.
type EventType string

const (
	// Client -> Server
	EventJoinRoom    EventType = "join_room"
	EventLeaveRoom   EventType = "leave_room"
	EventListMembers EventType = "list_members"
	EventSendMessage EventType = "send_message"

	// Server -> Client
	EventReceiveMessage EventType = "receive_message"
	EventRoomMembers    EventType = "room_members"
	EventMemberLeft     EventType = "member_left"
	EventError          EventType = "error"

	// Both directions, relayed by the hub
	EventSessionSignal EventType = "session_signal"
)

// Envelope wraps every websocket frame with its event type.
type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type JoinRoomPayload struct {
	RoomID     string `json:"room_id"`
	Credential string `json:"credential,omitempty"`
}

type LeaveRoomPayload struct {
	RoomID string `json:"room_id"`
}

type ListMembersPayload struct {
	RoomID string `json:"room_id"`
}

type RoomMembersPayload struct {
	RoomID  string   `json:"room_id"`
	Members []string `json:"members"`
}

type MemberLeftPayload struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

type SendMessagePayload struct {
	ConversationID string      `json:"conversation_id"`
	RecipientID    string      `json:"recipient_id"`
	Content        string      `json:"content"`
	SenderID       string      `json:"sender_id"`
	SenderRole     domain.Role `json:"sender_role"`
	CorrelationID  string      `json:"correlation_id"`
	CreatedAt      time.Time   `json:"created_at"`
}

// ReceiveMessagePayload carries ID once the message is persisted; a relay of
// a send that has not been persisted yet only carries CorrelationID.
type ReceiveMessagePayload struct {
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	SenderRole     domain.Role `json:"sender_role"`
	Content        string      `json:"content"`
	CreatedAt      time.Time   `json:"created_at"`
	ID             string      `json:"id,omitempty"`
	CorrelationID  string      `json:"correlation_id,omitempty"`
}

func (p *ReceiveMessagePayload) Message() domain.Message {
	return domain.Message{
		ID:             p.ID,
		CorrelationID:  p.CorrelationID,
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		SenderRole:     p.SenderRole,
		Content:        p.Content,
		CreatedAt:      p.CreatedAt,
	}
}

func ReceiveFromMessage(m *domain.Message) ReceiveMessagePayload {
	return ReceiveMessagePayload{
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderRole:     m.SenderRole,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		ID:             m.ID,
		CorrelationID:  m.CorrelationID,
	}
}

// Signal kinds for EventSessionSignal.
const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "candidate"
	SignalBye       = "bye"
)

// SessionSignalPayload carries WebRTC negotiation between two members of an
// engagement room. From is stamped by the hub.
type SessionSignalPayload struct {
	RoomID    string          `json:"room_id"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to"`
	Kind      string          `json:"kind"`
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RoomID  string `json:"room_id,omitempty"`
}

// Error codes
const (
	ErrCodeUnauthorized      = "unauthorized"
	ErrCodeForbidden         = "forbidden"
	ErrCodeCredentialExpired = "credential_expired"
	ErrCodeInvalidMsg        = "invalid_message"
	ErrCodeInternal          = "internal_error"
)

// NewEnvelope creates an envelope with the given type and data.
func NewEnvelope(eventType EventType, data interface{}) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type: eventType,
		Data: raw,
	}, nil
}

// Encode marshals an envelope for eventType/data into a websocket frame.
func Encode(eventType EventType, data interface{}) ([]byte, error) {
	env, err := NewEnvelope(eventType, data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// ParseEnvelope parses a websocket frame into an envelope.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}
