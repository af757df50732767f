// Package messaging owns the conversation list and conversation logs on the
// client and reconciles optimistic sends with what the server reports.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"consult_realtime/internal/domain"
	"consult_realtime/internal/protocol"
	"consult_realtime/internal/transport"
	apperrors "consult_realtime/pkg/errors"
	"consult_realtime/pkg/logger"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Store is the durable side of messaging (the REST boundary).
type Store interface {
	ListConversations(ctx context.Context) ([]domain.Conversation, error)
	GetHistory(ctx context.Context, conversationID string) ([]domain.Message, error)
	CreateMessage(ctx context.Context, req domain.NewMessage) (*domain.Message, error)
}

// Rooms is the part of the presence directory the manager needs.
type Rooms interface {
	Join(roomID, credential string) (domain.RoomMembership, error)
	Leave(roomID string) error
	Ready() bool
	OnReady(fn func()) (unsubscribe func())
}

// A durable write refused for a transient reason (network, gateway, rate
// limit) is retried on this schedule before the entry is marked failed.
const (
	writeRetryBase     = time.Second
	writeRetryMax      = 30 * time.Second
	writeRetryAttempts = 5
)

type UpdateKind int

const (
	UpdateConversations UpdateKind = iota
	UpdateLog
	UpdateUnread
)

// Update tells subscribers which part of the state changed. Readers fetch
// the new state through Messages, Conversations or Unread.
type Update struct {
	Kind           UpdateKind
	ConversationID string
}

type Manager struct {
	tr     transport.Transport
	rooms  Rooms
	store  Store
	clock  clock.Clock
	log    logger.Logger
	userID string
	newID  func() string

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	conversations map[string]*domain.Conversation
	order         []string
	logs          map[string]*Log
	active        string
	generation    uint64
	unread        map[string]int
	counted       map[string]struct{}
	outbox        []domain.NewMessage
	flushing      bool
	kicked        bool
	attempts      int
	backoff       *clock.Timer
	backoffGen    uint64

	openMu sync.Mutex

	subsMu  sync.Mutex
	nextSub int
	subs    map[int]chan Update

	unsubscribe []func()
}

func NewManager(tr transport.Transport, rooms Rooms, store Store, userID string, clk clock.Clock, log logger.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		tr:            tr,
		rooms:         rooms,
		store:         store,
		clock:         clk,
		log:           log.With("component", "messaging", "user_id", userID),
		userID:        userID,
		newID:         uuid.NewString,
		ctx:           ctx,
		cancel:        cancel,
		conversations: make(map[string]*domain.Conversation),
		logs:          make(map[string]*Log),
		unread:        make(map[string]int),
		counted:       make(map[string]struct{}),
		subs:          make(map[int]chan Update),
	}
	m.unsubscribe = []func(){
		tr.On(protocol.EventReceiveMessage, m.handleReceive),
		rooms.OnReady(m.resume),
	}
	return m
}

// Close stops flushing and closes every subscription. Writes already handed
// to the store are not interrupted.
func (m *Manager) Close() {
	m.cancel()
	m.mu.Lock()
	if m.backoff != nil {
		m.backoff.Stop()
		m.backoff = nil
	}
	m.mu.Unlock()
	for _, fn := range m.unsubscribe {
		fn()
	}

	m.subsMu.Lock()
	for id, ch := range m.subs {
		close(ch)
		delete(m.subs, id)
	}
	m.subsMu.Unlock()
}

// LoadConversations replaces the conversation list with the server's.
func (m *Manager) LoadConversations(ctx context.Context) ([]domain.Conversation, error) {
	list, err := m.store.ListConversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversations: %w", err)
	}

	m.mu.Lock()
	m.conversations = make(map[string]*domain.Conversation, len(list))
	m.order = m.order[:0]
	for i := range list {
		c := list[i]
		m.conversations[c.ID] = &c
		m.order = append(m.order, c.ID)
	}
	m.mu.Unlock()

	m.notify(Update{Kind: UpdateConversations})
	return m.Conversations(), nil
}

// Conversations returns the cached list, most recent activity first.
func (m *Manager) Conversations() []domain.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.Conversation, 0, len(m.order))
	for _, id := range m.order {
		c := *m.conversations[id]
		if c.LastMessage != nil {
			summary := *c.LastMessage
			c.LastMessage = &summary
		}
		out = append(out, c)
	}
	return out
}

// Open makes conversationID the active conversation and merges its
// persisted history into the cached log. Remote messages for any other
// conversation only bump its unread count from now on.
func (m *Manager) Open(ctx context.Context, conversationID string) ([]Entry, error) {
	// openMu keeps the room switch of concurrent calls from interleaving;
	// the history fetch runs outside it.
	m.openMu.Lock()
	m.mu.Lock()
	if _, ok := m.conversations[conversationID]; !ok {
		m.mu.Unlock()
		m.openMu.Unlock()
		return nil, apperrors.ErrConversationNotFound
	}
	prev := m.active
	m.active = conversationID
	m.generation++
	gen := m.generation
	m.unread[conversationID] = 0
	m.logFor(conversationID)
	m.mu.Unlock()

	if prev != conversationID {
		if prev != "" {
			if err := m.rooms.Leave(domain.ConversationRoom(prev)); err != nil {
				m.log.Warn("Failed to leave conversation room", "conversation_id", prev, "error", err)
			}
		}
		if _, err := m.rooms.Join(domain.ConversationRoom(conversationID), ""); err != nil {
			m.log.Warn("Failed to join conversation room", "conversation_id", conversationID, "error", err)
		}
	}
	m.openMu.Unlock()
	m.notify(Update{Kind: UpdateUnread, ConversationID: conversationID})

	history, err := m.store.GetHistory(ctx, conversationID)
	if err != nil {
		return m.Messages(conversationID), fmt.Errorf("failed to load history: %w", err)
	}

	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return m.Messages(conversationID), nil
	}
	l := m.logFor(conversationID)
	for _, msg := range history {
		l.Upsert(confirmedEntry(msg))
		m.counted[countKey(msg)] = struct{}{}
	}
	m.mu.Unlock()

	m.notify(Update{Kind: UpdateLog, ConversationID: conversationID})
	return m.Messages(conversationID), nil
}

func (m *Manager) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Messages returns the cached log of a conversation in display order.
func (m *Manager) Messages(conversationID string) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.logs[conversationID]
	if !ok {
		return nil
	}
	return l.Entries()
}

func (m *Manager) Unread(conversationID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unread[conversationID]
}

// Queued is the number of sends not yet handed to the store.
func (m *Manager) Queued() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.outbox)
}

// Send appends content to the conversation as a pending entry and queues
// it for publishing and the durable write. It never blocks on the network.
func (m *Manager) Send(conversationID, content string) (Entry, error) {
	content = strings.TrimSpace(content)
	if content == "" || len(content) > domain.MaxMessageLength {
		return Entry{}, fmt.Errorf("%w: message must be 1-%d characters", apperrors.ErrBadRequest, domain.MaxMessageLength)
	}

	m.mu.Lock()
	conv, ok := m.conversations[conversationID]
	if !ok {
		m.mu.Unlock()
		return Entry{}, apperrors.ErrConversationNotFound
	}
	role, ok := conv.RoleOf(m.userID)
	if !ok {
		m.mu.Unlock()
		return Entry{}, apperrors.ErrNotParticipant
	}

	msg := domain.Message{
		CorrelationID:  m.newID(),
		ConversationID: conversationID,
		SenderID:       m.userID,
		SenderRole:     role,
		Content:        content,
		CreatedAt:      m.clock.Now().UTC(),
	}
	entry := pendingEntry(msg)
	m.logFor(conversationID).Upsert(entry)
	m.counted[countKey(msg)] = struct{}{}
	m.touchLocked(conv, msg)
	m.outbox = append(m.outbox, m.requestLocked(conv, msg))
	m.mu.Unlock()

	m.log.Debug("Message queued", "conversation_id", conversationID, "correlation_id", msg.CorrelationID)
	m.notify(Update{Kind: UpdateLog, ConversationID: conversationID})
	m.kickFlush()
	return entry, nil
}

// Retry re-queues a failed entry identified by its correlation id.
func (m *Manager) Retry(correlationID string) error {
	m.mu.Lock()
	var (
		found Entry
		conv  *domain.Conversation
	)
	for id, l := range m.logs {
		if e, ok := l.Lookup(correlationID); ok {
			found, conv = e, m.conversations[id]
			break
		}
	}
	if conv == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: no message %s", apperrors.ErrNotFound, correlationID)
	}
	if found.Delivery.State() != domain.DeliveryFailed {
		m.mu.Unlock()
		return fmt.Errorf("%w: message %s is %s", apperrors.ErrBadRequest, correlationID, found.Delivery.State())
	}

	m.logs[conv.ID].Upsert(pendingEntry(found.Message))
	m.outbox = append(m.outbox, m.requestLocked(conv, found.Message))
	m.mu.Unlock()

	m.log.Info("Retrying message", "conversation_id", conv.ID, "correlation_id", correlationID)
	m.notify(Update{Kind: UpdateLog, ConversationID: conv.ID})
	m.kickFlush()
	return nil
}

// Subscribe returns a stream of updates. Updates are dropped for a
// subscriber whose buffer is full.
func (m *Manager) Subscribe(buffer int) (<-chan Update, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Update, buffer)

	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.subsMu.Unlock()

	return ch, func() {
		m.subsMu.Lock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
		m.subsMu.Unlock()
	}
}

func (m *Manager) notify(u Update) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	for _, ch := range m.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

func (m *Manager) handleReceive(data json.RawMessage) {
	var p protocol.ReceiveMessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		m.log.Warn("Dropping malformed receive_message", "error", err)
		return
	}
	msg := p.Message()
	if msg.ID == "" && msg.CorrelationID == "" {
		m.log.Warn("Dropping receive_message without id", "conversation_id", msg.ConversationID)
		return
	}

	m.mu.Lock()
	conv := m.conversations[msg.ConversationID]
	if conv != nil {
		m.touchLocked(conv, msg)
	}

	var update *Update
	key := countKey(msg)
	if msg.ConversationID == m.active {
		if m.logFor(msg.ConversationID).Upsert(entryFor(msg)) {
			update = &Update{Kind: UpdateLog, ConversationID: msg.ConversationID}
		}
		m.counted[key] = struct{}{}
	} else if msg.SenderID != m.userID {
		if _, seen := m.counted[key]; !seen {
			m.counted[key] = struct{}{}
			m.unread[msg.ConversationID]++
			update = &Update{Kind: UpdateUnread, ConversationID: msg.ConversationID}
		}
	}
	m.mu.Unlock()

	if update != nil {
		m.notify(*update)
	}
}

type outcome int

const (
	// done: the head was confirmed or failed and leaves the queue.
	done outcome = iota
	// awaitReady: the event connection is down; the next ready signal resumes.
	awaitReady
	// retryLater: the store refused for a transient reason.
	retryLater
)

// resume runs on every ready signal. A fresh connection overrides any
// pending write backoff.
func (m *Manager) resume() {
	m.mu.Lock()
	if m.backoff != nil {
		m.backoff.Stop()
		m.backoff = nil
	}
	m.mu.Unlock()
	m.kickFlush()
}

func (m *Manager) kickFlush() {
	if !m.rooms.Ready() {
		return
	}

	m.mu.Lock()
	if m.flushing {
		m.kicked = true
		m.mu.Unlock()
		return
	}
	if m.backoff != nil || len(m.outbox) == 0 || m.ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.flushing = true
	m.mu.Unlock()

	go m.flush()
}

// flush hands queued sends to the transport and the store one at a time,
// in the order they were queued. The head of the queue stays in place while
// the connection is down or the store asks to come back later.
func (m *Manager) flush() {
	for {
		m.mu.Lock()
		if len(m.outbox) == 0 || m.ctx.Err() != nil {
			m.flushing = false
			m.kicked = false
			m.mu.Unlock()
			return
		}
		req := m.outbox[0]
		m.kicked = false
		m.mu.Unlock()

		res, err := m.deliver(req)

		m.mu.Lock()
		switch res {
		case done:
			m.outbox = m.outbox[1:]
			m.attempts = 0
			m.mu.Unlock()
			continue

		case retryLater:
			m.attempts++
			if m.attempts >= writeRetryAttempts {
				m.outbox = m.outbox[1:]
				m.attempts = 0
				m.mu.Unlock()
				m.fail(pendingMessage(m.userID, req), err)
				continue
			}
			attempt := m.attempts
			delay := writeRetryDelay(attempt)
			m.backoffGen++
			gen := m.backoffGen
			m.backoff = m.clock.AfterFunc(delay, func() { m.backoffElapsed(gen) })
			m.flushing = false
			m.kicked = false
			m.mu.Unlock()
			m.log.Warn("Send write deferred", "correlation_id", req.CorrelationID, "attempt", attempt, "retry_in", delay, "error", err)
			return

		case awaitReady:
			if m.kicked {
				// A ready signal arrived while this attempt was failing.
				m.mu.Unlock()
				continue
			}
			m.flushing = false
			m.mu.Unlock()
			m.log.Warn("Send deferred until reconnect", "correlation_id", req.CorrelationID, "error", err)
			return
		}
	}
}

func (m *Manager) backoffElapsed(gen uint64) {
	m.mu.Lock()
	if gen != m.backoffGen || m.backoff == nil {
		m.mu.Unlock()
		return
	}
	m.backoff = nil
	m.mu.Unlock()
	m.kickFlush()
}

func writeRetryDelay(attempt int) time.Duration {
	d := writeRetryBase
	for i := 1; i < attempt && d < writeRetryMax; i++ {
		d *= 2
	}
	if d > writeRetryMax {
		d = writeRetryMax
	}
	return d
}

func pendingMessage(userID string, req domain.NewMessage) domain.Message {
	return domain.Message{
		CorrelationID:  req.CorrelationID,
		ConversationID: req.ConversationID,
		SenderID:       userID,
		SenderRole:     req.SenderRole,
		Content:        req.Content,
		CreatedAt:      req.CreatedAt,
	}
}

// deliver publishes req and writes it durably.
func (m *Manager) deliver(req domain.NewMessage) (outcome, error) {
	err := m.tr.Emit(protocol.EventSendMessage, protocol.SendMessagePayload{
		ConversationID: req.ConversationID,
		RecipientID:    req.RecipientID,
		Content:        req.Content,
		SenderID:       m.userID,
		SenderRole:     req.SenderRole,
		CorrelationID:  req.CorrelationID,
		CreatedAt:      req.CreatedAt,
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrTransportUnavailable) {
			return awaitReady, err
		}
		m.fail(pendingMessage(m.userID, req), err)
		return done, nil
	}

	saved, err := m.store.CreateMessage(m.ctx, req)
	switch {
	case err == nil:
		confirmed := *saved
		if confirmed.CorrelationID == "" {
			confirmed.CorrelationID = req.CorrelationID
		}
		m.apply(req.ConversationID, confirmedEntry(confirmed))
		m.log.Debug("Message confirmed", "correlation_id", req.CorrelationID, "message_id", saved.ID)
		return done, nil
	case errors.Is(err, apperrors.ErrTransportUnavailable), errors.Is(err, apperrors.ErrRateLimited):
		return retryLater, err
	default:
		m.fail(pendingMessage(m.userID, req), err)
		return done, nil
	}
}

func (m *Manager) fail(msg domain.Message, reason error) {
	m.log.Error("Message failed", "correlation_id", msg.CorrelationID, "error", reason)
	m.apply(msg.ConversationID, Entry{
		Message:  msg,
		Delivery: domain.Failed{CorrelationID: msg.CorrelationID, Reason: reason},
	})
}

// apply merges the outcome of one of our own sends. It applies to inactive
// conversations too.
func (m *Manager) apply(conversationID string, e Entry) {
	m.mu.Lock()
	changed := m.logFor(conversationID).Upsert(e)
	m.mu.Unlock()

	if changed {
		m.notify(Update{Kind: UpdateLog, ConversationID: conversationID})
	}
}

func (m *Manager) logFor(conversationID string) *Log {
	l, ok := m.logs[conversationID]
	if !ok {
		l = &Log{}
		m.logs[conversationID] = l
	}
	return l
}

func (m *Manager) requestLocked(conv *domain.Conversation, msg domain.Message) domain.NewMessage {
	return domain.NewMessage{
		ConversationID: conv.ID,
		RecipientID:    conv.Counterpart(m.userID),
		SenderID:       m.userID,
		SenderRole:     msg.SenderRole,
		Content:        msg.Content,
		CorrelationID:  msg.CorrelationID,
		CreatedAt:      msg.CreatedAt,
	}
}

// touchLocked updates the last-message summary and moves the conversation
// to the front of the list.
func (m *Manager) touchLocked(conv *domain.Conversation, msg domain.Message) {
	if conv.LastMessage != nil && msg.CreatedAt.Before(conv.LastMessage.CreatedAt) {
		return
	}
	conv.LastMessage = &domain.MessageSummary{Content: msg.Content, CreatedAt: msg.CreatedAt}

	for i, id := range m.order {
		if id == conv.ID {
			copy(m.order[1:i+1], m.order[:i])
			m.order[0] = conv.ID
			break
		}
	}
}

func countKey(msg domain.Message) string {
	if msg.CorrelationID != "" {
		return msg.CorrelationID
	}
	return msg.ID
}
