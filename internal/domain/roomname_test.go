package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRoom(t *testing.T) {
	cases := []struct {
		room string
		kind RoomKind
		id   string
	}{
		{UserRoom("u1"), RoomKindUser, "u1"},
		{ConversationRoom("c1"), RoomKindConversation, "c1"},
		{EngagementRoom("e1"), RoomKindEngagement, "e1"},
		{"engagement:", RoomKindUnknown, ""},
		{"lobby", RoomKindUnknown, ""},
	}
	for _, tc := range cases {
		kind, id := ParseRoom(tc.room)
		assert.Equal(t, tc.kind, kind, tc.room)
		assert.Equal(t, tc.id, id, tc.room)
	}
}

func TestRoomNamespacesDisjoint(t *testing.T) {
	assert.NotEqual(t, ConversationRoom("42"), EngagementRoom("42"))
	assert.NotEqual(t, UserRoom("42"), ConversationRoom("42"))
}

func TestConversationCounterpart(t *testing.T) {
	c := &Conversation{ID: "c1", ProviderID: "p", ConsumerID: "q"}
	assert.Equal(t, "q", c.Counterpart("p"))
	assert.Equal(t, "p", c.Counterpart("q"))
	assert.Equal(t, "", c.Counterpart("x"))
	role, ok := c.RoleOf("p")
	assert.True(t, ok)
	assert.Equal(t, RoleProvider, role)
}
