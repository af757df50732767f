package livesession

import (
	"context"
	"sync"

	"consult_realtime/pkg/logger"

	"github.com/benbjohnson/clock"
)

// Manager owns at most one live session at a time.
type Manager struct {
	creds     CredentialSource
	connector Connector
	renderer  Renderer
	clock     clock.Clock
	log       logger.Logger

	enterMu sync.Mutex
	mu      sync.Mutex
	current *Session
}

func NewManager(creds CredentialSource, connector Connector, renderer Renderer, clk clock.Clock, log logger.Logger) *Manager {
	return &Manager{
		creds:     creds,
		connector: connector,
		renderer:  renderer,
		clock:     clk,
		log:       log.With("component", "livesession"),
	}
}

// Enter starts a session for engagementID and returns it immediately.
// Any current session is left first.
func (m *Manager) Enter(ctx context.Context, engagementID string) *Session {
	m.enterMu.Lock()
	defer m.enterMu.Unlock()

	m.Leave()

	s := newSession(ctx, engagementID, m)
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()

	go s.run()
	return s
}

func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Leave leaves the current session, if any, and forgets it.
func (m *Manager) Leave() {
	m.mu.Lock()
	s := m.current
	m.current = nil
	m.mu.Unlock()

	if s != nil {
		s.Leave()
	}
}
