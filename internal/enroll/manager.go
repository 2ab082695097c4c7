package enroll

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/skobkin/sparkin/internal/devicelink"
)

var ErrSessionActive = errors.New("another enrollment is in progress")

// Manager keeps at most one enrollment session alive.
type Manager struct {
	sender Sender
	logger *slog.Logger

	mu     sync.Mutex
	active *Session
}

func NewManager(sender Sender, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{sender: sender, logger: logger}
}

// Start creates and starts a session for slot.
func (m *Manager) Start(ctx context.Context, slot uint8, opts Options) (*Session, error) {
	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		return nil, ErrSessionActive
	}
	s := NewSession(slot, m.sender, m.logger, opts)
	s.onEnd = m.release
	m.active = s
	m.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		m.release(s)
		return nil, err
	}

	return s, nil
}

func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// HandleFrame forwards a device frame to the active session, if any.
func (m *Manager) HandleFrame(f devicelink.Frame) bool {
	s := m.Active()
	if s == nil {
		return false
	}

	return s.HandleFrame(f)
}

func (m *Manager) release(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == s {
		m.active = nil
	}
}
