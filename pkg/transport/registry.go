package transport

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/code-100-precent/EchoCore/pkg/logger"
)

// Registry maps session ids to live connections. It is the only component
// the rest of the system goes through to reach a device.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Connection)}
}

// Register associates a connection with its session id.
func (r *Registry) Register(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.SessionID()] = conn
	logger.Info("connection registered",
		zap.String("session", conn.SessionID()),
		zap.Int("total", len(r.conns)))
}

// Unregister removes the session's connection if it is still the one
// registered. The connection itself is closed by the session teardown.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[sessionID]; ok {
		delete(r.conns, sessionID)
		logger.Info("connection unregistered",
			zap.String("session", sessionID),
			zap.Int("total", len(r.conns)))
	}
}

// Get returns the connection for a session.
func (r *Registry) Get(sessionID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[sessionID]
	return conn, ok
}

// IsConnected reports whether the session still has a live connection.
func (r *Registry) IsConnected(sessionID string) bool {
	_, ok := r.Get(sessionID)
	return ok
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// SendJSON queues a text message for the session.
func (r *Registry) SendJSON(sessionID string, v interface{}) error {
	conn, ok := r.Get(sessionID)
	if !ok {
		return fmt.Errorf("session %s is not connected", sessionID)
	}
	return conn.SendJSON(v)
}

// SendBinary queues an unpaced binary frame for the session.
func (r *Registry) SendBinary(sessionID string, data []byte) error {
	conn, ok := r.Get(sessionID)
	if !ok {
		return fmt.Errorf("session %s is not connected", sessionID)
	}
	return conn.SendBinary(data)
}
