package domain

import (
	"strings"
	"time"
)

// Room name prefixes. Each namespace is disjoint so a conversation id can
// never address an engagement room and vice versa.
const (
	RoomPrefixUser         = "user:"
	RoomPrefixConversation = "conversation:"
	RoomPrefixEngagement   = "engagement:"
)

type RoomKind int

const (
	RoomKindUnknown RoomKind = iota
	RoomKindUser
	RoomKindConversation
	RoomKindEngagement
)

func UserRoom(userID string) string {
	return RoomPrefixUser + userID
}

func ConversationRoom(conversationID string) string {
	return RoomPrefixConversation + conversationID
}

func EngagementRoom(engagementID string) string {
	return RoomPrefixEngagement + engagementID
}

// ParseRoom splits a room name into its namespace and logical id.
func ParseRoom(room string) (RoomKind, string) {
	for prefix, kind := range map[string]RoomKind{
		RoomPrefixUser:         RoomKindUser,
		RoomPrefixConversation: RoomKindConversation,
		RoomPrefixEngagement:   RoomKindEngagement,
	} {
		if id, ok := strings.CutPrefix(room, prefix); ok && id != "" {
			return kind, id
		}
	}
	return RoomKindUnknown, ""
}

// RoomMembership is the ephemeral record of a connection being in a room.
type RoomMembership struct {
	RoomID   string    `json:"room_id"`
	UserID   string    `json:"user_id"`
	JoinedAt time.Time `json:"joined_at"`
}
