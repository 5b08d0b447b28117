package di

import (
	"fmt"
	"strings"
	"sync"

	"github.com/code-100-precent/EchoCore/pkg/logger"
	"go.uber.org/zap"
)

// Scope controls how instances produced by a factory are cached.
type Scope string

const (
	// ScopeSingleton caches one instance for the whole process.
	ScopeSingleton Scope = "singleton"
	// ScopeSession caches one instance per session id.
	ScopeSession Scope = "session"
	// ScopeTransient invokes the factory on every resolve.
	ScopeTransient Scope = "transient"
)

// Factory builds a service instance. Session-scoped factories receive the
// session id; singleton factories receive an empty string.
type Factory func(c *Container, sessionID string) (interface{}, error)

type descriptor struct {
	factory  Factory
	scope    Scope
	instance interface{}
	built    bool
}

// Container registers service factories in three scopes and caches the
// results. Session entries are keyed "sessionID:name" so an entire session
// can be evicted by prefix.
type Container struct {
	mu       sync.RWMutex
	services map[string]*descriptor
	session  map[string]interface{}
}

// NewContainer creates an empty container.
func NewContainer() *Container {
	return &Container{
		services: make(map[string]*descriptor),
		session:  make(map[string]interface{}),
	}
}

// Register binds a factory under a name with the given scope.
func (c *Container) Register(name string, scope Scope, factory Factory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services[name] = &descriptor{factory: factory, scope: scope}
	logger.Debug("service registered", zap.String("name", name), zap.String("scope", string(scope)))
}

// RegisterInstance binds an already-built singleton.
func (c *Container) RegisterInstance(name string, instance interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services[name] = &descriptor{scope: ScopeSingleton, instance: instance, built: true}
}

// RegisterSessionValue places a prebuilt value directly into the session
// cache, e.g. the session context itself.
func (c *Container) RegisterSessionValue(sessionID, name string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session[sessionKey(sessionID, name)] = value
}

// Resolve returns the service registered under name. Session-scoped
// services require a non-empty sessionID.
func (c *Container) Resolve(name, sessionID string) (interface{}, error) {
	// Session cache first so direct values (session context) win.
	if sessionID != "" {
		c.mu.RLock()
		if v, ok := c.session[sessionKey(sessionID, name)]; ok {
			c.mu.RUnlock()
			return v, nil
		}
		c.mu.RUnlock()
	}

	c.mu.RLock()
	desc, ok := c.services[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("service %q is not registered", name)
	}

	switch desc.scope {
	case ScopeSingleton:
		c.mu.Lock()
		if desc.built {
			c.mu.Unlock()
			return desc.instance, nil
		}
		instance, err := desc.factory(c, "")
		if err != nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("build singleton %q: %w", name, err)
		}
		desc.instance = instance
		desc.built = true
		c.mu.Unlock()
		return instance, nil

	case ScopeSession:
		if sessionID == "" {
			return nil, fmt.Errorf("service %q requires a session id", name)
		}
		key := sessionKey(sessionID, name)
		c.mu.Lock()
		if v, ok := c.session[key]; ok {
			c.mu.Unlock()
			return v, nil
		}
		c.mu.Unlock()
		// Build outside the lock; factories may resolve other services.
		instance, err := desc.factory(c, sessionID)
		if err != nil {
			return nil, fmt.Errorf("build session service %q: %w", name, err)
		}
		c.mu.Lock()
		if v, ok := c.session[key]; ok {
			// Lost the race; keep the first instance.
			c.mu.Unlock()
			return v, nil
		}
		c.session[key] = instance
		c.mu.Unlock()
		return instance, nil

	default: // transient
		return desc.factory(c, sessionID)
	}
}

// Has reports whether a name is registered.
func (c *Container) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.services[name]
	return ok
}

// UpdateSessionService atomically replaces a cached session entry. Used for
// hot-swapping a provider mid-session. Returns the previous value, if any.
func (c *Container) UpdateSessionService(sessionID, name string, instance interface{}) interface{} {
	key := sessionKey(sessionID, name)
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.session[key]
	c.session[key] = instance
	return prev
}

// CleanupSession removes every cached entry for the session.
func (c *Container) CleanupSession(sessionID string) {
	prefix := sessionID + ":"
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for key := range c.session {
		if strings.HasPrefix(key, prefix) {
			delete(c.session, key)
			count++
		}
	}
	if count > 0 {
		logger.Debug("session services cleaned",
			zap.String("session", sessionID),
			zap.Int("count", count))
	}
}

// SessionEntries lists the cached service names for a session. Mostly for
// tests and diagnostics.
func (c *Container) SessionEntries(sessionID string) []string {
	prefix := sessionID + ":"
	c.mu.RLock()
	defer c.mu.RUnlock()
	var names []string
	for key := range c.session {
		if strings.HasPrefix(key, prefix) {
			names = append(names, strings.TrimPrefix(key, prefix))
		}
	}
	return names
}

func sessionKey(sessionID, name string) string {
	return sessionID + ":" + name
}
