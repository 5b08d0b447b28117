package events

import (
	"reflect"
	"sync"

	"github.com/code-100-precent/EchoCore/pkg/logger"
	"go.uber.org/zap"
)

// Handler processes one event. Errors are logged and isolated; they never
// stop sibling handlers.
type Handler func(event Event) error

type registration struct {
	handler Handler
	id      uintptr
	async   bool
}

// Bus is the in-process typed publish/subscribe hub. Synchronous handlers
// run inline in registration order; asynchronous handlers run concurrently.
// Publish returns after every handler for the event has finished.
type Bus struct {
	handlers map[string][]registration
	mu       sync.RWMutex
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]registration)}
}

// Subscribe registers a handler for an event type. Duplicate subscriptions
// are not deduplicated.
func (bus *Bus) Subscribe(eventType string, handler Handler, async bool) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.handlers[eventType] = append(bus.handlers[eventType], registration{
		handler: handler,
		id:      reflect.ValueOf(handler).Pointer(),
		async:   async,
	})
	logger.Debug("event handler subscribed",
		zap.String("eventType", eventType),
		zap.Bool("async", async))
}

// Unsubscribe removes the first registration of the given handler.
func (bus *Bus) Unsubscribe(eventType string, handler Handler) {
	id := reflect.ValueOf(handler).Pointer()
	bus.mu.Lock()
	defer bus.mu.Unlock()
	regs := bus.handlers[eventType]
	for i, reg := range regs {
		if reg.id == id {
			bus.handlers[eventType] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

// Publish dispatches the event: synchronous handlers first, in registration
// order, then asynchronous handlers concurrently. It blocks until all
// handlers complete so a single producer keeps per-session ordering.
func (bus *Bus) Publish(event Event) {
	bus.mu.RLock()
	regs := make([]registration, len(bus.handlers[event.Type()]))
	copy(regs, bus.handlers[event.Type()])
	bus.mu.RUnlock()

	if len(regs) == 0 {
		return
	}

	for _, reg := range regs {
		if !reg.async {
			bus.safeCall(reg.handler, event)
		}
	}

	var wg sync.WaitGroup
	for _, reg := range regs {
		if reg.async {
			wg.Add(1)
			go func(r registration) {
				defer wg.Done()
				bus.safeCall(r.handler, event)
			}(reg)
		}
	}
	wg.Wait()
}

func (bus *Bus) safeCall(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event handler panic",
				zap.String("eventType", event.Type()),
				zap.String("session", event.Session()),
				zap.Any("panic", r))
		}
	}()
	if err := handler(event); err != nil {
		logger.Error("event handler failed",
			zap.String("eventType", event.Type()),
			zap.String("session", event.Session()),
			zap.Error(err))
	}
}

// Clear drops every subscription. Used by tests and shutdown.
func (bus *Bus) Clear() {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.handlers = make(map[string][]registration)
}
