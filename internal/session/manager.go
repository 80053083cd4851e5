package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Factory builds and restores the session for an identity.
type Factory func(ctx context.Context, id string) (*Session, error)

// Manager keeps one live Session per identity.
type Manager struct {
	factory Factory
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a manager that builds sessions with factory.
func NewManager(factory Factory, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		factory:  factory,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Get returns the session for id, creating and restoring it on first use.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, errors.New("empty session identity")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.Touch()
		return s, nil
	}

	s, err := m.factory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("create session for %s: %w", id, err)
	}
	m.sessions[id] = s
	m.logger.Debug("session opened", "identity", id, "live", len(m.sessions))
	return s, nil
}

// Remove closes and forgets the session for id.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Close(ctx)
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseAll closes every session.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var errs []error
	for id, s := range sessions {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
