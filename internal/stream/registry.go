// Package stream pushes live session events to browsers over websockets.
package stream

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Registry tracks the open websocket of every user tab. A tab has at most one
// live connection; a newer one replaces the older.
type Registry struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		active: make(map[string]map[string]*websocket.Conn),
	}
}

// Get returns the live connection for a user and tab session.
func (m *Registry) Get(userID, sessionID string) *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sessions, ok := m.active[userID]; ok {
		return sessions[sessionID]
	}
	return nil
}

// Register adds conn, closing any connection it replaces.
func (m *Registry) Register(userID, sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[userID]; !exists {
		m.active[userID] = make(map[string]*websocket.Conn)
	}

	if existing, exists := m.active[userID][sessionID]; exists && existing != conn {
		_ = existing.Close(websocket.StatusPolicyViolation, "replaced by newer connection")
	}

	m.active[userID][sessionID] = conn
	slog.Debug("Stream registered", "user_id", userID, "session_id", sessionID)
}

// Unregister removes conn if it is still the live connection of the tab.
func (m *Registry) Unregister(userID, sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessions, ok := m.active[userID]; ok {
		if current, exists := sessions[sessionID]; exists && current == conn {
			delete(sessions, sessionID)
			if len(sessions) == 0 {
				delete(m.active, userID)
			}
			slog.Debug("Stream unregistered", "user_id", userID, "session_id", sessionID)
		}
	}
}

// Count returns the number of live connections.
func (m *Registry) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, sessions := range m.active {
		n += len(sessions)
	}
	return n
}

// CloseAll closes every live connection. Used on shutdown.
func (m *Registry) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for userID, sessions := range m.active {
		for _, conn := range sessions {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
		delete(m.active, userID)
	}
}
