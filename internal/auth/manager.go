package auth

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"famlink/internal/clock"
)

// TokenProvider supplies the current access token
type TokenProvider interface {
	CurrentToken(ctx context.Context) (string, error)
}

// Manager owns the current session and its persistence
type Manager struct {
	store  Store
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.RWMutex
	current *Session
}

// NewManager creates a Manager over store
func NewManager(store Store, clk clock.Clock, logger *slog.Logger) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		clock:  clk,
		logger: logger.With("component", "auth"),
	}
}

// Restore loads the persisted session, if any
func (m *Manager) Restore() (*Session, error) {
	s, err := m.store.Load()
	if err != nil {
		if !errors.Is(err, ErrNoSession) {
			m.logger.Warn("Failed to restore session", "error", err)
		}
		return nil, err
	}
	if err := s.Validate(); err != nil {
		m.logger.Warn("Discarding stored session", "error", err)
		return nil, err
	}

	m.mu.Lock()
	m.current = s.Clone()
	m.mu.Unlock()

	m.logger.Info("Session restored", "user_id", s.UserID, "role", s.Role)
	return s, nil
}

// Update replaces the session and persists it
func (m *Manager) Update(s *Session) error {
	if s == nil {
		return ErrInvalidSession
	}
	if err := s.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.current = s.Clone()
	m.mu.Unlock()

	if err := m.store.Save(s); err != nil {
		m.logger.Error("Failed to persist session", "user_id", s.UserID, "error", err)
		return err
	}
	m.logger.Info("Session updated", "user_id", s.UserID, "role", s.Role)
	return nil
}

// Logout forgets the session
func (m *Manager) Logout() error {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()

	if err := m.store.Clear(); err != nil {
		m.logger.Error("Failed to clear session", "error", err)
		return err
	}
	m.logger.Info("Session cleared")
	return nil
}

// Current returns a copy of the session
func (m *Manager) Current() (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Clone(), m.current != nil
}

// CurrentToken implements TokenProvider
func (m *Manager) CurrentToken(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return "", ErrNoSession
	}
	if m.current.ExpiredAt(m.clock.Now()) {
		return "", ErrSessionExpired
	}
	return m.current.AccessToken, nil
}

var _ TokenProvider = (*Manager)(nil)
