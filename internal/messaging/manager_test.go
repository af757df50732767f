package messaging

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"consult_realtime/internal/domain"
	"consult_realtime/internal/presence"
	"consult_realtime/internal/protocol"
	"consult_realtime/internal/transport/transporttest"
	apperrors "consult_realtime/pkg/errors"
	"consult_realtime/pkg/logger"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu            sync.Mutex
	conversations []domain.Conversation
	history       map[string][]domain.Message
	create        func(n int, req domain.NewMessage) (*domain.Message, error)
	writes        []domain.NewMessage
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conversations: []domain.Conversation{
			{ID: "c1", ProviderID: "u1", ConsumerID: "u2"},
			{ID: "c2", ProviderID: "u1", ConsumerID: "u3"},
		},
		history: make(map[string][]domain.Message),
	}
}

func (s *fakeStore) ListConversations(context.Context) ([]domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Conversation(nil), s.conversations...), nil
}

func (s *fakeStore) GetHistory(_ context.Context, conversationID string) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Message(nil), s.history[conversationID]...), nil
}

func (s *fakeStore) CreateMessage(_ context.Context, req domain.NewMessage) (*domain.Message, error) {
	s.mu.Lock()
	s.writes = append(s.writes, req)
	n := len(s.writes)
	create := s.create
	s.mu.Unlock()

	if create != nil {
		return create(n, req)
	}
	return persisted(fmt.Sprintf("m%d", n), req), nil
}

func (s *fakeStore) setCreate(fn func(n int, req domain.NewMessage) (*domain.Message, error)) {
	s.mu.Lock()
	s.create = fn
	s.mu.Unlock()
}

func (s *fakeStore) Writes() []domain.NewMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.NewMessage(nil), s.writes...)
}

func persisted(id string, req domain.NewMessage) *domain.Message {
	return &domain.Message{
		ID:             id,
		CorrelationID:  req.CorrelationID,
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		SenderRole:     req.SenderRole,
		Content:        req.Content,
		CreatedAt:      req.CreatedAt,
	}
}

type harness struct {
	m     *Manager
	fake  *transporttest.Fake
	dir   *presence.Directory
	store *fakeStore
	clock *clock.Mock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	fake := transporttest.New()
	dir := presence.New(fake, clock.New(), presence.Options{
		ReconnectAttempts: 100,
		ReconnectBackoff:  time.Millisecond,
		MaxBackoff:        2 * time.Millisecond,
	}, logger.NewNop())
	require.NoError(t, dir.Start(ctx, "u1"))

	mock := clock.NewMock()
	mock.Set(t0)

	store := newFakeStore()
	m := NewManager(fake, dir, store, "u1", mock, logger.NewNop())
	t.Cleanup(func() {
		m.Close()
		_ = dir.Close()
	})

	_, err := m.LoadConversations(ctx)
	require.NoError(t, err)
	_, err = m.Open(ctx, "c1")
	require.NoError(t, err)

	return &harness{m: m, fake: fake, dir: dir, store: store, clock: mock}
}

func (h *harness) goOffline() {
	h.fake.SetConnectErr(apperrors.ErrTransportUnavailable)
	h.fake.Drop()
}

func (h *harness) comeBack(t *testing.T) {
	t.Helper()
	h.fake.SetConnectErr(nil)
	require.Eventually(t, h.dir.Ready, 2*time.Second, time.Millisecond)
}

func allConfirmed(entries []Entry) bool {
	for _, e := range entries {
		if e.Delivery.State() != domain.DeliveryConfirmed {
			return false
		}
	}
	return true
}

func TestOfflineSendConfirmsAsOneEntry(t *testing.T) {
	h := newHarness(t)
	h.store.setCreate(func(_ int, req domain.NewMessage) (*domain.Message, error) {
		return persisted("m42", req), nil
	})

	h.goOffline()
	entry, err := h.m.Send("c1", "hello")
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryPending, entry.Delivery.State())
	assert.Equal(t, 1, h.m.Queued())
	assert.Empty(t, h.store.Writes())

	h.comeBack(t)

	require.Eventually(t, func() bool {
		entries := h.m.Messages("c1")
		return len(entries) == 1 && allConfirmed(entries)
	}, 2*time.Second, time.Millisecond)

	// Server fan-out of the same message arrives after the write returned.
	confirmed := h.m.Messages("c1")[0].Message
	h.fake.Deliver(protocol.EventReceiveMessage, protocol.ReceiveFromMessage(&confirmed))

	entries := h.m.Messages("c1")
	require.Len(t, entries, 1)
	assert.Equal(t, "m42", entries[0].Message.ID)
	assert.Equal(t, "hello", entries[0].Message.Content)
	assert.Equal(t, domain.Confirmed{ID: "m42"}, entries[0].Delivery)
}

func TestTwoPendingAcrossReconnectWriteTwice(t *testing.T) {
	h := newHarness(t)

	h.goOffline()
	first, err := h.m.Send("c1", "one")
	require.NoError(t, err)
	h.clock.Add(time.Second)
	second, err := h.m.Send("c1", "two")
	require.NoError(t, err)

	h.comeBack(t)

	require.Eventually(t, func() bool { return h.m.Queued() == 0 }, 2*time.Second, time.Millisecond)

	// A second reconnect must not replay anything.
	h.fake.Drop()
	require.Eventually(t, h.dir.Ready, 2*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	writes := h.store.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, first.Message.CorrelationID, writes[0].CorrelationID)
	assert.Equal(t, second.Message.CorrelationID, writes[1].CorrelationID)
	assert.Equal(t, "u2", writes[0].RecipientID)

	sent := h.fake.Emitted(protocol.EventSendMessage)
	assert.Len(t, sent, 2)
	assert.Equal(t, []string{"one", "two"}, contents(h.m.Messages("c1")))
}

func TestEchoAndConfirmationYieldOneEntry(t *testing.T) {
	h := newHarness(t)

	release := make(chan struct{})
	defer func() {
		select {
		case <-release:
		default:
			close(release)
		}
	}()
	h.store.setCreate(func(_ int, req domain.NewMessage) (*domain.Message, error) {
		<-release
		return persisted("m7", req), nil
	})

	entry, err := h.m.Send("c1", "hi")
	require.NoError(t, err)
	corr := entry.Message.CorrelationID
	require.Eventually(t, func() bool { return len(h.store.Writes()) == 1 }, 2*time.Second, time.Millisecond)

	echo := entry.Message
	h.fake.Deliver(protocol.EventReceiveMessage, protocol.ReceiveFromMessage(&echo))
	require.Len(t, h.m.Messages("c1"), 1)
	assert.Equal(t, domain.DeliveryPending, h.m.Messages("c1")[0].Delivery.State())

	confirmed := entry.Message
	confirmed.ID = "m7"
	h.fake.Deliver(protocol.EventReceiveMessage, protocol.ReceiveFromMessage(&confirmed))
	require.Len(t, h.m.Messages("c1"), 1)
	assert.Equal(t, domain.Confirmed{ID: "m7"}, h.m.Messages("c1")[0].Delivery)

	close(release)
	require.Eventually(t, func() bool { return h.m.Queued() == 0 }, 2*time.Second, time.Millisecond)

	entries := h.m.Messages("c1")
	require.Len(t, entries, 1)
	assert.Equal(t, corr, entries[0].Message.CorrelationID)
	assert.Equal(t, "m7", entries[0].Message.ID)
}

func TestOrderIsMonotonicAfterConfirmations(t *testing.T) {
	h := newHarness(t)

	h.goOffline()
	var sent []Entry
	for _, text := range []string{"a", "b", "c"} {
		e, err := h.m.Send("c1", text)
		require.NoError(t, err)
		sent = append(sent, e)
		h.clock.Add(time.Second)
	}

	// A remote message timestamped between a and b.
	remote := domain.Message{
		ID:             "r1",
		ConversationID: "c1",
		SenderID:       "u2",
		SenderRole:     domain.RoleConsumer,
		Content:        "remote",
		CreatedAt:      t0.Add(500 * time.Millisecond),
	}
	h.fake.Deliver(protocol.EventReceiveMessage, protocol.ReceiveFromMessage(&remote))

	// Confirmations fanned out in reverse order.
	for i := len(sent) - 1; i >= 0; i-- {
		m := sent[i].Message
		m.ID = fmt.Sprintf("s%d", i)
		h.fake.Deliver(protocol.EventReceiveMessage, protocol.ReceiveFromMessage(&m))
	}

	h.comeBack(t)
	require.Eventually(t, func() bool { return h.m.Queued() == 0 }, 2*time.Second, time.Millisecond)

	entries := h.m.Messages("c1")
	assert.Equal(t, []string{"a", "remote", "b", "c"}, contents(entries))
	assert.True(t, allConfirmed(entries))
	for i := 1; i < len(entries); i++ {
		assert.False(t, entries[i].Message.CreatedAt.Before(entries[i-1].Message.CreatedAt))
	}
}

func TestPersistenceFailureIsRetriedExplicitly(t *testing.T) {
	h := newHarness(t)
	h.store.setCreate(func(n int, req domain.NewMessage) (*domain.Message, error) {
		if n == 1 {
			return nil, fmt.Errorf("%w: status 500", apperrors.ErrPersistenceFailure)
		}
		return persisted("m1", req), nil
	})

	entry, err := h.m.Send("c1", "hello")
	require.NoError(t, err)
	corr := entry.Message.CorrelationID

	require.Eventually(t, func() bool {
		entries := h.m.Messages("c1")
		return len(entries) == 1 && entries[0].Delivery.State() == domain.DeliveryFailed
	}, 2*time.Second, time.Millisecond)

	failed, ok := h.m.Messages("c1")[0].Delivery.(domain.Failed)
	require.True(t, ok)
	assert.Equal(t, corr, failed.CorrelationID)
	assert.ErrorIs(t, failed.Reason, apperrors.ErrPersistenceFailure)

	// Nothing happens on its own, even across a reconnect.
	h.fake.Drop()
	require.Eventually(t, h.dir.Ready, 2*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.store.Writes(), 1)

	require.NoError(t, h.m.Retry(corr))
	require.Eventually(t, func() bool {
		entries := h.m.Messages("c1")
		return len(entries) == 1 && allConfirmed(entries)
	}, 2*time.Second, time.Millisecond)
	assert.Len(t, h.store.Writes(), 2)

	assert.ErrorIs(t, h.m.Retry(corr), apperrors.ErrBadRequest)
	assert.ErrorIs(t, h.m.Retry("nope"), apperrors.ErrNotFound)
}

func TestReconnectSkipsWriteBackoff(t *testing.T) {
	h := newHarness(t)
	h.store.setCreate(func(n int, req domain.NewMessage) (*domain.Message, error) {
		if n == 1 {
			return nil, fmt.Errorf("%w: connection refused", apperrors.ErrTransportUnavailable)
		}
		return persisted("m2", req), nil
	})

	_, err := h.m.Send("c1", "hello")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.store.Writes()) == 1 }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		h.m.mu.Lock()
		defer h.m.mu.Unlock()
		return !h.m.flushing
	}, 2*time.Second, time.Millisecond)

	assert.Equal(t, 1, h.m.Queued())
	assert.Equal(t, domain.DeliveryPending, h.m.Messages("c1")[0].Delivery.State())

	h.fake.Drop()
	require.Eventually(t, func() bool {
		entries := h.m.Messages("c1")
		return len(entries) == 1 && allConfirmed(entries)
	}, 2*time.Second, time.Millisecond)
	assert.Len(t, h.store.Writes(), 2)
}

func TestInactiveConversationCountsUnread(t *testing.T) {
	h := newHarness(t)

	relay := domain.Message{
		CorrelationID:  "x1",
		ConversationID: "c2",
		SenderID:       "u3",
		SenderRole:     domain.RoleConsumer,
		Content:        "are you there?",
		CreatedAt:      t0,
	}
	h.fake.Deliver(protocol.EventReceiveMessage, protocol.ReceiveFromMessage(&relay))
	confirmed := relay
	confirmed.ID = "m100"
	h.fake.Deliver(protocol.EventReceiveMessage, protocol.ReceiveFromMessage(&confirmed))

	assert.Equal(t, 1, h.m.Unread("c2"))
	assert.Empty(t, h.m.Messages("c2"))
	assert.Equal(t, "c2", h.m.Conversations()[0].ID)
	assert.Equal(t, "are you there?", h.m.Conversations()[0].LastMessage.Content)

	h.store.mu.Lock()
	h.store.history["c2"] = []domain.Message{confirmed}
	h.store.mu.Unlock()

	entries, err := h.m.Open(context.Background(), "c2")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "m100", entries[0].Message.ID)
	assert.Equal(t, 0, h.m.Unread("c2"))
	assert.Contains(t, h.fake.Rooms(), "conversation:c2")
	assert.NotContains(t, h.fake.Rooms(), "conversation:c1")
}

func TestSwitchingDoesNotCancelInFlightWrites(t *testing.T) {
	h := newHarness(t)

	release := make(chan struct{})
	h.store.setCreate(func(_ int, req domain.NewMessage) (*domain.Message, error) {
		<-release
		return persisted("m5", req), nil
	})

	_, err := h.m.Send("c1", "before switching")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.store.Writes()) == 1 }, 2*time.Second, time.Millisecond)

	_, err = h.m.Open(context.Background(), "c2")
	require.NoError(t, err)
	close(release)

	require.Eventually(t, func() bool {
		entries := h.m.Messages("c1")
		return len(entries) == 1 && allConfirmed(entries)
	}, 2*time.Second, time.Millisecond)
}

func TestSendValidation(t *testing.T) {
	h := newHarness(t)

	_, err := h.m.Send("c1", "   ")
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)

	_, err = h.m.Send("missing", "hi")
	assert.ErrorIs(t, err, apperrors.ErrConversationNotFound)
}

func TestSubscribeReceivesLogUpdates(t *testing.T) {
	h := newHarness(t)
	updates, cancel := h.m.Subscribe(16)
	defer cancel()

	_, err := h.m.Send("c1", "ping")
	require.NoError(t, err)

	select {
	case u := <-updates:
		assert.Equal(t, UpdateLog, u.Kind)
		assert.Equal(t, "c1", u.ConversationID)
	case <-time.After(time.Second):
		t.Fatal("no update")
	}
}

// waitBackoff waits until the given number of writes has been attempted and
// the manager is parked on its retry timer.
func (h *harness) waitBackoff(t *testing.T, writes int) {
	t.Helper()
	require.Eventually(t, func() bool {
		if len(h.store.Writes()) != writes {
			return false
		}
		h.m.mu.Lock()
		defer h.m.mu.Unlock()
		return h.m.backoff != nil && !h.m.flushing
	}, 2*time.Second, time.Millisecond)
}

func TestUnavailableStoreRetriesWithoutReconnect(t *testing.T) {
	h := newHarness(t)
	h.store.setCreate(func(n int, req domain.NewMessage) (*domain.Message, error) {
		if n == 1 {
			return nil, fmt.Errorf("%w: status 503", apperrors.ErrTransportUnavailable)
		}
		return persisted("m2", req), nil
	})

	_, err := h.m.Send("c1", "hello")
	require.NoError(t, err)
	h.waitBackoff(t, 1)

	assert.True(t, h.dir.Ready())
	assert.Equal(t, 1, h.m.Queued())
	assert.Equal(t, domain.DeliveryPending, h.m.Messages("c1")[0].Delivery.State())

	// Sending more while backing off does not jump the schedule.
	_, err = h.m.Send("c1", "again")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.store.Writes(), 1)

	h.clock.Add(writeRetryBase)

	require.Eventually(t, func() bool {
		entries := h.m.Messages("c1")
		return len(entries) == 2 && allConfirmed(entries)
	}, 2*time.Second, time.Millisecond)
	assert.Len(t, h.store.Writes(), 3)
	assert.Equal(t, 0, h.m.Queued())
}

func TestTransientWriteFailuresEventuallyFail(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
	}{
		{"gateway", fmt.Errorf("%w: status 502", apperrors.ErrTransportUnavailable)},
		{"rate limited", fmt.Errorf("%w: status 429", apperrors.ErrRateLimited)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			ok := make(chan struct{})
			h.store.setCreate(func(_ int, req domain.NewMessage) (*domain.Message, error) {
				select {
				case <-ok:
					return persisted("m9", req), nil
				default:
					return nil, tc.err
				}
			})

			entry, err := h.m.Send("c1", "hello")
			require.NoError(t, err)

			for attempt := 1; attempt < writeRetryAttempts; attempt++ {
				h.waitBackoff(t, attempt)
				h.clock.Add(writeRetryDelay(attempt))
			}

			require.Eventually(t, func() bool {
				entries := h.m.Messages("c1")
				return len(entries) == 1 && entries[0].Delivery.State() == domain.DeliveryFailed
			}, 2*time.Second, time.Millisecond)
			assert.Len(t, h.store.Writes(), writeRetryAttempts)
			assert.Equal(t, 0, h.m.Queued())

			failed := h.m.Messages("c1")[0].Delivery.(domain.Failed)
			assert.ErrorIs(t, failed.Reason, tc.err)

			close(ok)
			require.NoError(t, h.m.Retry(entry.Message.CorrelationID))
			require.Eventually(t, func() bool {
				entries := h.m.Messages("c1")
				return len(entries) == 1 && allConfirmed(entries)
			}, 2*time.Second, time.Millisecond)
		})
	}
}

func TestWriteRetryDelayIsCapped(t *testing.T) {
	assert.Equal(t, writeRetryBase, writeRetryDelay(1))
	assert.Equal(t, 2*writeRetryBase, writeRetryDelay(2))
	assert.Equal(t, 4*writeRetryBase, writeRetryDelay(3))
	assert.Equal(t, writeRetryMax, writeRetryDelay(20))
}

func TestReadySignalDuringFailedEmitIsNotLost(t *testing.T) {
	h := newHarness(t)

	var once sync.Once
	h.fake.SetEmitErr(func(event protocol.EventType) error {
		if event != protocol.EventSendMessage {
			return nil
		}
		var err error
		once.Do(func() {
			// The connection comes back while this emit is still failing.
			h.m.resume()
			err = apperrors.ErrTransportUnavailable
		})
		return err
	})

	_, err := h.m.Send("c1", "hello")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		entries := h.m.Messages("c1")
		return len(entries) == 1 && allConfirmed(entries)
	}, 2*time.Second, time.Millisecond)
	assert.Len(t, h.fake.Emitted(protocol.EventSendMessage), 1)
	assert.Len(t, h.store.Writes(), 1)
}

func TestConcurrentOpensHoldOneConversationRoom(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		var wg sync.WaitGroup
		for _, id := range []string{"c1", "c2"} {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, _ = h.m.Open(ctx, id)
			}(id)
		}
		wg.Wait()
	}

	var held []string
	for _, room := range h.fake.Rooms() {
		if kind, _ := domain.ParseRoom(room); kind == domain.RoomKindConversation {
			held = append(held, room)
		}
	}
	assert.Equal(t, []string{domain.ConversationRoom(h.m.Active())}, held)
}
