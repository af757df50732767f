package livesession

import (
	"context"
	"fmt"
	"sync"

	"consult_realtime/internal/domain"
	apperrors "consult_realtime/pkg/errors"
	"consult_realtime/pkg/logger"

	"github.com/benbjohnson/clock"
)

// Session is one attempt to join an engagement's live session. It is
// returned before the credential or connection are available; State and
// Ready expose progress.
type Session struct {
	engagementID string
	creds        CredentialSource
	connector    Connector
	clock        clock.Clock
	log          logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	err        error
	credential *domain.SessionCredential
	peer       PeerSession
	local      string
	reducer    *reducer

	ready     chan struct{}
	readyOnce sync.Once
	updates   chan struct{}
}

func newSession(parent context.Context, engagementID string, m *Manager) *Session {
	ctx, cancel := context.WithCancel(parent)
	log := m.log.With("engagement_id", engagementID)
	return &Session{
		engagementID: engagementID,
		creds:        m.creds,
		connector:    m.connector,
		clock:        m.clock,
		log:          log,
		ctx:          ctx,
		cancel:       cancel,
		reducer:      newReducer(m.renderer, log),
		ready:        make(chan struct{}),
		updates:      make(chan struct{}, 1),
	}
}

func (s *Session) EngagementID() string {
	return s.engagementID
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err is the reason the session ended, nil while it runs or after Leave.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Ready is closed once the session is connected or has ended.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// Updates signals (coalesced) every state or surface change.
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

func (s *Session) LocalParticipant() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

func (s *Session) Credential() *domain.SessionCredential {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.credential == nil {
		return nil
	}
	c := *s.credential
	return &c
}

func (s *Session) Surfaces() []Surface {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reducer.surfaces()
}

// Handles is the number of attached tracks.
func (s *Session) Handles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reducer.handles()
}

// Leave disconnects and detaches every track before returning. In-flight
// credential requests and negotiation are cancelled. Safe to call more
// than once.
func (s *Session) Leave() {
	s.end(nil)
}

func (s *Session) run() {
	if !s.transition(StateIdle, StateRequestingCredential) {
		return
	}

	cred, err := s.creds.SessionCredential(s.ctx, s.engagementID)
	if err != nil {
		s.end(fmt.Errorf("failed to get session credential: %w", err))
		return
	}
	if cred.Expired(s.clock.Now()) {
		s.end(fmt.Errorf("%w: credential for %s expired at %s", apperrors.ErrCredentialExpired, cred.RoomName, cred.ExpiresAt))
		return
	}

	s.mu.Lock()
	s.credential = cred
	s.mu.Unlock()

	if !s.transition(StateRequestingCredential, StateConnecting) {
		return
	}

	peer, err := s.connector.Connect(s.ctx, *cred)
	if err != nil {
		s.end(fmt.Errorf("failed to connect session: %w", err))
		return
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		_ = peer.Close()
		return
	}
	s.peer = peer
	s.local = peer.LocalParticipant()
	s.state = StateConnected
	for _, p := range peer.Participants() {
		s.reducer.available(p)
	}
	s.mu.Unlock()

	s.log.Info("Session connected", "room", cred.RoomName, "participants", len(peer.Participants()))
	s.readyOnce.Do(func() { close(s.ready) })
	s.changed()

	events := peer.Events()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				s.end(fmt.Errorf("%w: peer session closed", apperrors.ErrTransportUnavailable))
				return
			}
			s.mu.Lock()
			if s.state != StateConnected {
				s.mu.Unlock()
				return
			}
			s.reducer.apply(ev)
			s.mu.Unlock()

			s.log.Debug("Session event", "kind", ev.Kind.String(), "participant_id", ev.Participant.ID)
			s.changed()
		}
	}
}

func (s *Session) transition(from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	s.changed()
	return true
}

// end tears the session down. Every handle is detached and the peer
// session closed before it returns.
func (s *Session) end(cause error) {
	s.cancel()

	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.state = StateDisconnected
	s.err = cause
	peer := s.peer
	s.peer = nil
	s.mu.Unlock()

	if peer != nil {
		if err := peer.Close(); err != nil {
			s.log.Warn("Peer session close failed", "error", err)
		}
	}

	s.mu.Lock()
	s.reducer.reset()
	s.credential = nil
	s.mu.Unlock()

	if cause != nil {
		s.log.Error("Session ended", "error", cause)
	} else {
		s.log.Info("Session left")
	}
	s.readyOnce.Do(func() { close(s.ready) })
	s.changed()
}

func (s *Session) changed() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}
