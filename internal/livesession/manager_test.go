package livesession

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"consult_realtime/internal/domain"
	apperrors "consult_realtime/pkg/errors"
	"consult_realtime/pkg/logger"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeCreds struct {
	ttl time.Duration
	err error
}

func (f *fakeCreds) SessionCredential(_ context.Context, engagementID string) (*domain.SessionCredential, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.SessionCredential{
		RoomName:  domain.EngagementRoom(engagementID),
		Token:     "token-" + engagementID,
		URL:       "ws://hub",
		ExpiresAt: now.Add(f.ttl),
	}, nil
}

type fakePeer struct {
	participants []Participant
	events       chan Event

	mu     sync.Mutex
	closed bool
}

func newFakePeer(participants ...Participant) *fakePeer {
	return &fakePeer{participants: participants, events: make(chan Event, 16)}
}

func (p *fakePeer) LocalParticipant() string     { return "u1" }
func (p *fakePeer) Participants() []Participant { return p.participants }
func (p *fakePeer) Events() <-chan Event        { return p.events }

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeConnector struct {
	mu      sync.Mutex
	peers   []*fakePeer
	calls   int
	block   bool
	lastCtx context.Context
}

func (c *fakeConnector) queue(p *fakePeer) {
	c.mu.Lock()
	c.peers = append(c.peers, p)
	c.mu.Unlock()
}

func (c *fakeConnector) Connect(ctx context.Context, cred domain.SessionCredential) (PeerSession, error) {
	c.mu.Lock()
	c.calls++
	c.lastCtx = ctx
	block := c.block
	var p *fakePeer
	if len(c.peers) > 0 {
		p, c.peers = c.peers[0], c.peers[1:]
	}
	c.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if p == nil {
		return nil, errors.New("no peer queued")
	}
	return p, nil
}

func (c *fakeConnector) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fakeHandle struct {
	r   *fakeRenderer
	key string
}

func (h *fakeHandle) Detach() error {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	delete(h.r.active, h.key)
	h.r.detached = append(h.r.detached, h.key)
	return nil
}

type fakeRenderer struct {
	mu       sync.Mutex
	active   map[string]bool
	detached []string
	failOn   string
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{active: make(map[string]bool)}
}

func (r *fakeRenderer) Attach(participantID string, t Track) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.ID == r.failOn {
		return nil, errors.New("no decoder")
	}
	key := participantID + "/" + t.ID
	r.active[key] = true
	return &fakeHandle{r: r, key: key}, nil
}

func (r *fakeRenderer) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func (r *fakeRenderer) Detached() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.detached...)
}

func participant(id string, trackIDs ...string) Participant {
	p := Participant{ID: id}
	for _, t := range trackIDs {
		p.Tracks = append(p.Tracks, Track{ID: t, Kind: "video"})
	}
	return p
}

func newManager(t *testing.T) (*Manager, *fakeConnector, *fakeRenderer, *fakeCreds) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(now)
	creds := &fakeCreds{ttl: time.Hour}
	conn := &fakeConnector{}
	rend := newFakeRenderer()
	m := NewManager(creds, conn, rend, mock, logger.NewNop())
	t.Cleanup(m.Leave)
	return m, conn, rend, creds
}

func waitReady(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("session never became ready")
	}
}

func surfaceIDs(s *Session) []string {
	var ids []string
	for _, sf := range s.Surfaces() {
		ids = append(ids, sf.ParticipantID)
	}
	return ids
}

func TestPresentAndLaterParticipantsGetSurfaces(t *testing.T) {
	m, conn, rend, _ := newManager(t)
	peer := newFakePeer(participant("u2", "a2", "v2"), participant("u3", "a3"))
	conn.queue(peer)

	s := m.Enter(context.Background(), "e1")
	waitReady(t, s)

	require.Equal(t, StateConnected, s.State())
	assert.Equal(t, []string{"u2", "u3"}, surfaceIDs(s))
	assert.Equal(t, 3, rend.Active())
	assert.Equal(t, "u1", s.LocalParticipant())

	peer.events <- Event{Kind: ParticipantJoined, Participant: participant("u4", "v4")}

	require.Eventually(t, func() bool { return len(s.Surfaces()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"u2", "u3", "u4"}, surfaceIDs(s))
	assert.Equal(t, 4, rend.Active())
	assert.Empty(t, rend.Detached())
}

func TestRejoinClearsSurfaceBeforeAttaching(t *testing.T) {
	m, conn, rend, _ := newManager(t)
	peer := newFakePeer(participant("u2", "v2"))
	conn.queue(peer)

	s := m.Enter(context.Background(), "e1")
	waitReady(t, s)

	peer.events <- Event{Kind: ParticipantJoined, Participant: participant("u2", "v2")}
	require.Eventually(t, func() bool { return len(rend.Detached()) == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, 1, rend.Active())
	assert.Equal(t, 1, s.Handles())
}

func TestTrackEvents(t *testing.T) {
	m, conn, rend, _ := newManager(t)
	peer := newFakePeer(participant("u2"))
	conn.queue(peer)

	s := m.Enter(context.Background(), "e1")
	waitReady(t, s)

	peer.events <- Event{Kind: TrackAdded, Participant: Participant{ID: "u2"}, Track: Track{ID: "v2", Kind: "video"}}
	peer.events <- Event{Kind: TrackAdded, Participant: Participant{ID: "u2"}, Track: Track{ID: "a2", Kind: "audio"}}
	require.Eventually(t, func() bool { return s.Handles() == 2 }, time.Second, time.Millisecond)

	peer.events <- Event{Kind: TrackRemoved, Participant: Participant{ID: "u2"}, Track: Track{ID: "v2"}}
	require.Eventually(t, func() bool { return s.Handles() == 1 }, time.Second, time.Millisecond)

	peer.events <- Event{Kind: ParticipantLeft, Participant: Participant{ID: "u2"}}
	require.Eventually(t, func() bool { return len(s.Surfaces()) == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, rend.Active())
}

func TestLeaveDetachesEverythingAndReentryStartsFresh(t *testing.T) {
	m, conn, rend, _ := newManager(t)
	first := newFakePeer(participant("u2", "a2", "v2"), participant("u3", "v3"))
	conn.queue(first)

	s := m.Enter(context.Background(), "e1")
	waitReady(t, s)
	require.Equal(t, 3, rend.Active())

	m.Leave()

	assert.Equal(t, StateDisconnected, s.State())
	assert.NoError(t, s.Err())
	assert.True(t, first.Closed())
	assert.Equal(t, 0, rend.Active())
	assert.Empty(t, s.Surfaces())
	assert.Nil(t, s.Credential())
	assert.Nil(t, m.Current())

	s.Leave()

	second := newFakePeer()
	conn.queue(second)
	again := m.Enter(context.Background(), "e1")
	waitReady(t, again)

	assert.Equal(t, StateConnected, again.State())
	assert.Empty(t, again.Surfaces())
	assert.Equal(t, 0, rend.Active())
}

func TestExpiredCredentialFailsEntry(t *testing.T) {
	m, conn, _, creds := newManager(t)
	creds.ttl = -time.Minute

	s := m.Enter(context.Background(), "e1")
	waitReady(t, s)

	assert.Equal(t, StateDisconnected, s.State())
	assert.ErrorIs(t, s.Err(), apperrors.ErrCredentialExpired)
	assert.Equal(t, 0, conn.Calls())
}

func TestCredentialErrorFailsEntry(t *testing.T) {
	m, _, _, creds := newManager(t)
	creds.err = fmt.Errorf("%w: engagement e1", apperrors.ErrForbidden)

	s := m.Enter(context.Background(), "e1")
	waitReady(t, s)

	assert.Equal(t, StateDisconnected, s.State())
	assert.ErrorIs(t, s.Err(), apperrors.ErrForbidden)
}

func TestTrackAttachFailureIsSkipped(t *testing.T) {
	m, conn, rend, _ := newManager(t)
	rend.failOn = "broken"
	peer := newFakePeer(participant("u2", "broken", "v2"))
	conn.queue(peer)

	s := m.Enter(context.Background(), "e1")
	waitReady(t, s)

	require.Equal(t, StateConnected, s.State())
	assert.Equal(t, []Surface{{ParticipantID: "u2", TrackIDs: []string{"v2"}}}, s.Surfaces())

	peer.events <- Event{Kind: ParticipantJoined, Participant: participant("u3", "v3")}
	require.Eventually(t, func() bool { return len(s.Surfaces()) == 2 }, time.Second, time.Millisecond)
}

func TestLeaveCancelsConnect(t *testing.T) {
	m, conn, _, _ := newManager(t)
	conn.block = true

	s := m.Enter(context.Background(), "e1")
	require.Eventually(t, func() bool { return s.State() == StateConnecting }, time.Second, time.Millisecond)

	s.Leave()
	assert.Equal(t, StateDisconnected, s.State())

	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return conn.lastCtx != nil && conn.lastCtx.Err() != nil
	}, time.Second, time.Millisecond)
	assert.NoError(t, s.Err())
}

func TestEnterLeavesPreviousSession(t *testing.T) {
	m, conn, rend, _ := newManager(t)
	first := newFakePeer(participant("u2", "v2"))
	second := newFakePeer(participant("u3", "v3"))
	conn.queue(first)
	conn.queue(second)

	s1 := m.Enter(context.Background(), "e1")
	waitReady(t, s1)
	s2 := m.Enter(context.Background(), "e2")

	assert.Equal(t, StateDisconnected, s1.State())
	assert.True(t, first.Closed())

	waitReady(t, s2)
	assert.Equal(t, []string{"u3"}, surfaceIDs(s2))
	assert.Equal(t, 1, rend.Active())
	assert.Same(t, s2, m.Current())
}
