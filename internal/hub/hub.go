// Package hub is the server side of the realtime event connection: it keeps
// websocket clients in named rooms, relays chat and signaling events between
// them and fans published events out to every instance over a Bus.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"consult_realtime/internal/config"
	"consult_realtime/internal/domain"
	"consult_realtime/internal/protocol"
	apperrors "consult_realtime/pkg/errors"
	"consult_realtime/pkg/logger"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
)

const (
	authorizeTimeout = 5 * time.Second
	busTimeout       = 2 * time.Second
)

type Hub struct {
	cfg           config.HubConfig
	conversations Conversations
	credentials   Credentials
	members       MemberStore
	bus           Bus
	clock         clock.Clock
	log           logger.Logger

	mu      sync.RWMutex
	clients map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}
}

// New builds a hub. A nil members store keeps membership in memory and a
// nil bus confines delivery to this instance.
func New(cfg config.HubConfig, conversations Conversations, credentials Credentials, members MemberStore, bus Bus, clk clock.Clock, log logger.Logger) *Hub {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 64 * 1024
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if members == nil {
		members = NewMemoryMembers()
	}

	return &Hub{
		cfg:           cfg,
		conversations: conversations,
		credentials:   credentials,
		members:       members,
		bus:           bus,
		clock:         clk,
		log:           log.With("component", "hub", "instance", cfg.InstanceID),
		clients:       make(map[*Client]struct{}),
		rooms:         make(map[string]map[*Client]struct{}),
	}
}

// Run consumes the bus until ctx is done. Without a bus it just waits.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus == nil {
		<-ctx.Done()
		return nil
	}

	for {
		err := h.bus.Subscribe(ctx, h.fromBus)
		if ctx.Err() != nil {
			return nil
		}
		h.log.Error("Hub bus subscription ended, resubscribing", "error", err)
		select {
		case <-ctx.Done():
			return nil
		case <-h.clock.After(time.Second):
		}
	}
}

// Serve runs conn as userID until the connection closes.
func (h *Hub) Serve(conn *websocket.Conn, userID string) {
	c := newClient(h, conn, userID)
	h.register(c)

	go c.writePump()
	c.readPump()
}

// Publish delivers event to every connection in any of rooms, once per
// connection, on this and every other instance.
func (h *Hub) Publish(rooms []string, event protocol.EventType, payload interface{}) error {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", event, err)
	}
	return h.broadcast(rooms, "", frame)
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.log.Info("Client connected", "user_id", c.userID)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	held := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		h.removeFromRoom(c, room)
		held = append(held, room)
	}
	c.closed = true
	close(c.send)
	h.mu.Unlock()

	c.cancel()
	for _, room := range held {
		h.releaseMember(room, c.userID)
	}
	h.log.Info("Client disconnected", "user_id", c.userID, "rooms", len(held))
}

// removeFromRoom must be called with h.mu held for writing.
func (h *Hub) removeFromRoom(c *Client, room string) {
	delete(c.rooms, room)
	if clients, ok := h.rooms[room]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) releaseMember(room, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), busTimeout)
	defer cancel()

	gone, err := h.members.Remove(ctx, room, userID)
	if err != nil {
		h.log.Warn("Failed to release membership", "room", room, "user_id", userID, "error", err)
	}
	if !gone {
		return
	}
	if err := h.Publish([]string{room}, protocol.EventMemberLeft, protocol.MemberLeftPayload{
		RoomID: room,
		UserID: userID,
	}); err != nil {
		h.log.Warn("Failed to announce member_left", "room", room, "error", err)
	}
}

func (h *Hub) broadcast(rooms []string, to string, frame []byte) error {
	h.deliver(rooms, to, frame)
	if h.bus == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), busTimeout)
	defer cancel()
	return h.bus.Publish(ctx, BusMessage{
		Origin: h.cfg.InstanceID,
		Rooms:  rooms,
		To:     to,
		Frame:  frame,
	})
}

func (h *Hub) fromBus(msg BusMessage) {
	if msg.Origin == h.cfg.InstanceID {
		return
	}
	h.deliver(msg.Rooms, msg.To, msg.Frame)
}

// deliver hands frame to each local connection in rooms exactly once.
func (h *Hub) deliver(rooms []string, to string, frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[*Client]struct{})
	for _, room := range rooms {
		for c := range h.rooms[room] {
			if to != "" && c.userID != to {
				continue
			}
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			c.enqueue(frame)
		}
	}
}

func (h *Hub) holds(c *Client, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := c.rooms[room]
	return ok
}

func (h *Hub) handleMessage(c *Client, data []byte) {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		c.sendError(protocol.ErrCodeInvalidMsg, "invalid message format", "")
		return
	}

	switch env.Type {
	case protocol.EventJoinRoom:
		var p protocol.JoinRoomPayload
		if err := json.Unmarshal(env.Data, &p); err != nil || p.RoomID == "" {
			c.sendError(protocol.ErrCodeInvalidMsg, "invalid join_room", p.RoomID)
			return
		}
		h.handleJoin(c, p)

	case protocol.EventLeaveRoom:
		var p protocol.LeaveRoomPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			c.sendError(protocol.ErrCodeInvalidMsg, "invalid leave_room", "")
			return
		}
		h.handleLeave(c, p.RoomID)

	case protocol.EventListMembers:
		var p protocol.ListMembersPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			c.sendError(protocol.ErrCodeInvalidMsg, "invalid list_members", "")
			return
		}
		if !h.holds(c, p.RoomID) {
			c.sendError(protocol.ErrCodeForbidden, "not a member of this room", p.RoomID)
			return
		}
		h.sendMembers(c, p.RoomID)

	case protocol.EventSendMessage:
		var p protocol.SendMessagePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			c.sendError(protocol.ErrCodeInvalidMsg, "invalid send_message", "")
			return
		}
		h.handleSend(c, p)

	case protocol.EventSessionSignal:
		var p protocol.SessionSignalPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			c.sendError(protocol.ErrCodeInvalidMsg, "invalid session_signal", "")
			return
		}
		h.handleSignal(c, p)

	default:
		c.sendError(protocol.ErrCodeInvalidMsg, "unknown event type", "")
	}
}

func (h *Hub) handleJoin(c *Client, p protocol.JoinRoomPayload) {
	ctx, cancel := context.WithTimeout(c.ctx, authorizeTimeout)
	defer cancel()

	if err := h.authorizeRoom(ctx, c.userID, p.RoomID, p.Credential); err != nil {
		h.log.Warn("Join rejected", "user_id", c.userID, "room", p.RoomID, "error", err)
		c.sendError(errorCode(err), err.Error(), p.RoomID)
		return
	}

	h.mu.Lock()
	_, held := c.rooms[p.RoomID]
	if !held && !c.closed {
		c.rooms[p.RoomID] = struct{}{}
		if h.rooms[p.RoomID] == nil {
			h.rooms[p.RoomID] = make(map[*Client]struct{})
		}
		h.rooms[p.RoomID][c] = struct{}{}
	}
	h.mu.Unlock()

	if !held {
		if err := h.members.Add(ctx, p.RoomID, c.userID); err != nil {
			h.log.Warn("Failed to record membership", "room", p.RoomID, "error", err)
		}
		h.log.Debug("Joined room", "user_id", c.userID, "room", p.RoomID)
	}
	h.sendMembers(c, p.RoomID)
}

func (h *Hub) handleLeave(c *Client, room string) {
	h.mu.Lock()
	_, held := c.rooms[room]
	if held {
		h.removeFromRoom(c, room)
	}
	h.mu.Unlock()

	if held {
		h.releaseMember(room, c.userID)
	}
}

func (h *Hub) sendMembers(c *Client, room string) {
	ctx, cancel := context.WithTimeout(c.ctx, authorizeTimeout)
	defer cancel()

	members, err := h.members.List(ctx, room)
	if err != nil {
		h.log.Error("Failed to list members", "room", room, "error", err)
		c.sendError(protocol.ErrCodeInternal, "failed to list members", room)
		return
	}
	c.sendEvent(protocol.EventRoomMembers, protocol.RoomMembersPayload{
		RoomID:  room,
		Members: members,
	})
}

// handleSend relays an unpersisted message so that connected participants
// see it before the durable write lands. The relay carries only the
// correlation id; the persisted copy is published by the message service.
func (h *Hub) handleSend(c *Client, p protocol.SendMessagePayload) {
	ctx, cancel := context.WithTimeout(c.ctx, authorizeTimeout)
	defer cancel()

	conv, err := h.conversations.Authorize(ctx, c.userID, p.ConversationID)
	if err != nil {
		c.sendError(errorCode(err), err.Error(), domain.ConversationRoom(p.ConversationID))
		return
	}

	content := strings.TrimSpace(p.Content)
	recipient := conv.Counterpart(c.userID)
	switch {
	case content == "" || len(p.Content) > domain.MaxMessageLength:
		c.sendError(protocol.ErrCodeInvalidMsg, "invalid message content", "")
		return
	case p.CorrelationID == "":
		c.sendError(protocol.ErrCodeInvalidMsg, "missing correlation id", "")
		return
	case p.RecipientID != "" && p.RecipientID != recipient:
		c.sendError(protocol.ErrCodeInvalidMsg, fmt.Sprintf("%v: recipient is not the counterpart", apperrors.ErrBadRequest), "")
		return
	}

	role, _ := conv.RoleOf(c.userID)
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = h.clock.Now().UTC()
	}

	relay := protocol.ReceiveMessagePayload{
		ConversationID: conv.ID,
		SenderID:       c.userID,
		SenderRole:     role,
		Content:        p.Content,
		CreatedAt:      createdAt,
		CorrelationID:  p.CorrelationID,
	}
	rooms := []string{
		domain.UserRoom(recipient),
		domain.UserRoom(c.userID),
		domain.ConversationRoom(conv.ID),
	}
	if err := h.Publish(rooms, protocol.EventReceiveMessage, relay); err != nil {
		h.log.Warn("Relay not fanned out to other instances", "conversation_id", conv.ID, "error", err)
	}
}

func (h *Hub) handleSignal(c *Client, p protocol.SessionSignalPayload) {
	if p.To == "" || p.Kind == "" {
		c.sendError(protocol.ErrCodeInvalidMsg, "invalid session_signal", p.RoomID)
		return
	}
	if !h.holds(c, p.RoomID) {
		c.sendError(protocol.ErrCodeForbidden, "not a member of this room", p.RoomID)
		return
	}

	p.From = c.userID
	frame, err := protocol.Encode(protocol.EventSessionSignal, p)
	if err != nil {
		h.log.Error("Failed to encode signal", "error", err)
		return
	}
	if err := h.broadcast([]string{p.RoomID}, p.To, frame); err != nil {
		h.log.Warn("Signal not fanned out to other instances", "room", p.RoomID, "error", err)
	}
}
