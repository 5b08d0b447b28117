package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/code-100-precent/EchoCore/pkg/di"
	"github.com/code-100-precent/EchoCore/pkg/events"
	"github.com/code-100-precent/EchoCore/pkg/logger"
	"github.com/code-100-precent/EchoCore/pkg/metrics"
	"github.com/code-100-precent/EchoCore/pkg/protocol"
	"github.com/code-100-precent/EchoCore/pkg/transport"
)

// ContextServiceName is the DI name under which each session's context is
// cached, so factories can resolve it like any other session service.
const ContextServiceName = "session_context"

// Options tunes the manager's timers.
type Options struct {
	InactivityTimeout time.Duration
	MonitorTick       time.Duration
}

type entry struct {
	ctx       *Context
	conn      *transport.Connection
	createdAt time.Time
	destroy   sync.Once
}

// Manager owns session creation and teardown. A session and its lifecycle
// manager are created together and destroyed together.
type Manager struct {
	container *di.Container
	bus       *events.Bus
	registry  *transport.Registry
	router    *protocol.Router
	opts      Options

	mu       sync.RWMutex
	sessions map[string]*entry
}

// NewManager wires the manager into the container, bus and transport.
func NewManager(container *di.Container, bus *events.Bus, registry *transport.Registry, router *protocol.Router, opts Options) *Manager {
	if opts.InactivityTimeout <= 0 {
		opts.InactivityTimeout = 120 * time.Second
	}
	if opts.MonitorTick <= 0 {
		opts.MonitorTick = 10 * time.Second
	}
	return &Manager{
		container: container,
		bus:       bus,
		registry:  registry,
		router:    router,
		opts:      opts,
		sessions:  make(map[string]*entry),
	}
}

// ConnectionInfo carries what the HTTP layer knows before the handshake.
type ConnectionInfo struct {
	DeviceID    string
	ClientID    string
	ClientIP    string
	FromGateway bool
}

// Accept creates a session for an upgraded socket and starts its read loop
// and inactivity monitor. Returns the new session context.
func (m *Manager) Accept(parent context.Context, conn *transport.Connection, info ConnectionInfo) *Context {
	sessionID := conn.SessionID()
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	lifecycle := di.NewLifecycleManager(parent, sessionID)
	sc := NewContext(sessionID, lifecycle)
	sc.DeviceID = info.DeviceID
	sc.ClientID = info.ClientID
	sc.ClientIP = info.ClientIP
	sc.FromGateway = info.FromGateway

	m.mu.Lock()
	m.sessions[sessionID] = &entry{ctx: sc, conn: conn, createdAt: time.Now()}
	m.mu.Unlock()

	m.registry.Register(conn)
	m.container.RegisterSessionValue(sessionID, ContextServiceName, sc)
	metrics.ActiveSessions.Inc()

	logger.Info("session created",
		zap.String("session", sessionID),
		zap.String("device", info.DeviceID),
		zap.String("ip", info.ClientIP),
		zap.Bool("gateway", info.FromGateway))

	m.bus.Publish(&events.SessionCreated{
		Base:     events.NewBase(sessionID),
		DeviceID: info.DeviceID,
		ClientIP: info.ClientIP,
	})

	lifecycle.CreateTask("read_loop", func(ctx context.Context) {
		m.readLoop(ctx, sc, conn)
	})
	lifecycle.CreateTask("inactivity_monitor", func(ctx context.Context) {
		m.monitorLoop(ctx, sc)
	})

	return sc
}

// readLoop pumps frames from the socket into the router until the
// connection dies or the session stops.
func (m *Manager) readLoop(ctx context.Context, sc *Context, conn *transport.Connection) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				logger.Debug("read loop ended", zap.String("session", sc.ID), zap.Error(err))
				go m.Destroy(sc.ID, "connection closed")
			}
			return
		}
		sc.Touch()
		m.router.Route(ctx, sc.ID, messageType, data, sc.FromGateway)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// monitorLoop destroys the session after InactivityTimeout without any
// inbound frame.
func (m *Manager) monitorLoop(ctx context.Context, sc *Context) {
	ticker := time.NewTicker(m.opts.MonitorTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(sc.LastActivity())
			if idle >= m.opts.InactivityTimeout {
				logger.Info("session idle, closing",
					zap.String("session", sc.ID),
					zap.Duration("idle", idle))
				go m.Destroy(sc.ID, "inactivity timeout")
				return
			}
		}
	}
}

// Get returns the context for a live session.
func (m *Manager) Get(sessionID string) (*Context, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return e.ctx, true
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Destroy tears a session down: publishes SessionDestroying so handlers
// (memory summarization, TTS cleanup) can run, stops every tracked task,
// evicts DI entries, and closes the transport. Idempotent.
func (m *Manager) Destroy(sessionID, reason string) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	e.destroy.Do(func() {
		logger.Info("session destroying",
			zap.String("session", sessionID),
			zap.String("reason", reason))

		m.bus.Publish(&events.SessionDestroying{
			Base:   events.NewBase(sessionID),
			Reason: reason,
		})

		// Close the socket first so the read loop unblocks, then wait for
		// every tracked task.
		e.conn.Close()
		e.ctx.Lifecycle.Stop()
		m.container.CleanupSession(sessionID)
		m.registry.Unregister(sessionID)

		metrics.ActiveSessions.Dec()
		metrics.SessionDuration.Observe(time.Since(e.createdAt).Seconds())
	})
}

// Shutdown destroys every live session, used on server exit.
func (m *Manager) Shutdown(reason string) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.Destroy(id, reason)
	}
}
