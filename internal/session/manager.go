// ABOUTME: Registry of live sessions keyed by call ID
// ABOUTME: A reconnect with the same call ID replaces the older session

package session

import (
	"log/slog"
	"sort"
	"sync"
)

// Manager tracks the live sessions of this process.
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	logger   *slog.Logger
}

// NewManager creates a Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		logger:   logger.With("component", "sessions"),
	}
}

// Open registers s. If a session with the same call ID is live it is
// returned so the caller can close it.
func (m *Manager) Open(s *Session) (replaced *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	replaced = m.sessions[s.CallID()]
	m.sessions[s.CallID()] = s
	m.logger.Info("session opened",
		"call_id", s.CallID(),
		"conn_id", s.ConnID(),
		"replaced", replaced != nil,
		"total_sessions", len(m.sessions),
	)
	return replaced
}

// Remove unregisters s. A newer session under the same call ID is left alone.
func (m *Manager) Remove(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.sessions[s.CallID()]
	if !ok || cur != s {
		return false
	}
	delete(m.sessions, s.CallID())
	m.logger.Info("session removed",
		"call_id", s.CallID(),
		"conn_id", s.ConnID(),
		"total_sessions", len(m.sessions),
	)
	return true
}

// Get returns the live session for callID.
func (m *Manager) Get(callID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[callID]
	return s, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// List returns snapshots of the live sessions, oldest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Snapshot())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// CloseAll closes and removes every session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
}
