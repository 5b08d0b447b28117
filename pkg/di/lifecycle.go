package di

import (
	"context"
	"sync"
	"time"

	"github.com/code-100-precent/EchoCore/pkg/logger"
	"go.uber.org/zap"
)

// LifecycleManager owns the goroutines of a single session. Every long
// running loop for a session is started through CreateTask so that Stop can
// cancel and wait for all of them together.
type LifecycleManager struct {
	sessionID string
	ctx       context.Context
	cancel    context.CancelFunc

	mu      sync.Mutex
	wg      sync.WaitGroup
	stopped bool
	onStop  []func()
}

// NewLifecycleManager creates a manager whose context is cancelled on Stop.
func NewLifecycleManager(parent context.Context, sessionID string) *LifecycleManager {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &LifecycleManager{
		sessionID: sessionID,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Context returns the session-scoped context. It is cancelled when Stop is
// called, so every task should select on it.
func (m *LifecycleManager) Context() context.Context {
	return m.ctx
}

// CreateTask starts fn in a tracked goroutine. After Stop the call is
// rejected and fn never runs.
func (m *LifecycleManager) CreateTask(name string, fn func(ctx context.Context)) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return context.Canceled
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.Error("session task panicked",
					zap.String("session", m.sessionID),
					zap.String("task", name),
					zap.Any("panic", r))
			}
		}()
		fn(m.ctx)
	}()
	return nil
}

// OnStop registers cleanup run after all tasks have exited. Callbacks run in
// registration order.
func (m *LifecycleManager) OnStop(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStop = append(m.onStop, fn)
}

// Stop cancels the session context, waits for every task, then runs the
// registered cleanup callbacks. It is idempotent.
func (m *LifecycleManager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	callbacks := m.onStop
	m.onStop = nil
	m.mu.Unlock()

	start := time.Now()
	m.cancel()
	m.wg.Wait()

	for _, fn := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("stop callback panicked",
						zap.String("session", m.sessionID),
						zap.Any("panic", r))
				}
			}()
			fn()
		}()
	}
	logger.Debug("session lifecycle stopped",
		zap.String("session", m.sessionID),
		zap.Duration("took", time.Since(start)))
}

// IsStopped reports whether Stop has been called.
func (m *LifecycleManager) IsStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}
