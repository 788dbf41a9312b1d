// Package bridge connects presentation clients to voice controllers over WebSocket.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/coder/websocket"
	"github.com/krishimitra/farmvoice/internal/voice"
)

// ErrClosed is returned once the manager has shut down.
var ErrClosed = errors.New("bridge manager closed")

// ControllerFactory builds the controller for a profile.
type ControllerFactory func(profileID string) (*voice.Controller, error)

// Manager owns one controller per profile and tracks the sockets attached to it.
type Manager struct {
	factory ControllerFactory
	logger  *slog.Logger

	mu          sync.Mutex
	closed      bool
	controllers map[string]*voice.Controller
	active      map[string]map[string]*websocket.Conn
}

// NewManager creates a manager that builds controllers lazily with factory.
func NewManager(factory ControllerFactory, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		factory:     factory,
		logger:      logger,
		controllers: make(map[string]*voice.Controller),
		active:      make(map[string]map[string]*websocket.Conn),
	}
}

// Controller returns the profile's controller, creating it on first use.
func (m *Manager) Controller(profileID string) (*voice.Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if ctrl, ok := m.controllers[profileID]; ok {
		return ctrl, nil
	}
	ctrl, err := m.factory(profileID)
	if err != nil {
		return nil, fmt.Errorf("create controller for %s: %w", profileID, err)
	}
	m.controllers[profileID] = ctrl
	m.logger.Info("Voice controller created", "profile_id", profileID)
	return ctrl, nil
}

// Lookup returns an existing controller without creating one.
func (m *Manager) Lookup(profileID string) (*voice.Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctrl, ok := m.controllers[profileID]
	return ctrl, ok
}

// Profiles returns the profiles with a controller, sorted.
func (m *Manager) Profiles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.controllers))
	for id := range m.controllers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Register attaches a socket to a profile. A socket already registered for
// the same tab session is closed.
func (m *Manager) Register(profileID, sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[profileID]; !exists {
		m.active[profileID] = make(map[string]*websocket.Conn)
	}
	if existing, exists := m.active[profileID][sessionID]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "session replaced")
	}
	m.active[profileID][sessionID] = conn
	m.logger.Info("Voice client registered", "profile_id", profileID, "session_id", sessionID)
}

// Unregister detaches a socket and returns how many sockets remain for the profile.
func (m *Manager) Unregister(profileID, sessionID string, conn *websocket.Conn) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions, ok := m.active[profileID]
	if !ok {
		return 0
	}
	if current, exists := sessions[sessionID]; exists && current == conn {
		delete(sessions, sessionID)
		m.logger.Info("Voice client unregistered", "profile_id", profileID, "session_id", sessionID)
	}
	remaining := len(sessions)
	if remaining == 0 {
		delete(m.active, profileID)
	}
	return remaining
}

// CloseAll stops every controller, which flushes live conversations, and
// closes every attached socket. The manager refuses new controllers afterwards.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	controllers := make(map[string]*voice.Controller, len(m.controllers))
	for id, ctrl := range m.controllers {
		controllers[id] = ctrl
	}
	var conns []*websocket.Conn
	for _, sessions := range m.active {
		for _, conn := range sessions {
			conns = append(conns, conn)
		}
	}
	m.active = make(map[string]map[string]*websocket.Conn)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for id, ctrl := range controllers {
		wg.Add(1)
		go func(id string, ctrl *voice.Controller) {
			defer wg.Done()
			if err := ctrl.Stop(ctx); err != nil {
				m.logger.Warn("Failed to stop voice controller", "profile_id", id, "error", err)
			}
		}(id, ctrl)
	}
	wg.Wait()

	for _, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	m.logger.Info("Voice controllers stopped", "count", len(controllers))
}
