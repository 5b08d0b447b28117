package protocol

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/code-100-precent/EchoCore/pkg/events"
	"github.com/code-100-precent/EchoCore/pkg/logger"
)

// TextHandler processes one inbound text message type.
type TextHandler func(ctx context.Context, sessionID string, msg *TextMessage) error

// AudioHandler receives decoded opus payloads. gatewayTimestampMs is zero
// for frames that did not pass through the MQTT gateway.
type AudioHandler func(ctx context.Context, sessionID string, payload []byte, gatewayTimestampMs uint32) error

// Router dispatches raw WebSocket frames: binary frames go to the audio
// handler, text frames are decoded, published as TextMessageReceived and
// routed by their type field. Unknown types and malformed JSON are logged
// and dropped, never fatal.
type Router struct {
	bus      *events.Bus
	mu       sync.RWMutex
	handlers map[string]TextHandler
	audio    AudioHandler
}

// NewRouter creates a router with no handlers bound. Text frames flow
// through the bus so other subscribers can observe them before the
// typed handler runs.
func NewRouter(bus *events.Bus) *Router {
	r := &Router{bus: bus, handlers: make(map[string]TextHandler)}
	bus.Subscribe(events.TypeTextMessageReceived, r.dispatchText, false)
	return r
}

// HandleText binds a handler for a text message type, replacing any
// previous binding.
func (r *Router) HandleText(msgType string, h TextHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[msgType] = h
}

// HandleAudio binds the binary frame handler.
func (r *Router) HandleAudio(h AudioHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio = h
}

// Route processes one frame read from the socket. fromGateway enables the
// 16-byte MQTT gateway header on binary frames.
func (r *Router) Route(ctx context.Context, sessionID string, messageType int, data []byte, fromGateway bool) {
	switch messageType {
	case websocket.BinaryMessage:
		r.routeBinary(ctx, sessionID, data, fromGateway)
	case websocket.TextMessage:
		r.routeText(ctx, sessionID, data)
	default:
		logger.Debug("ignoring websocket frame",
			zap.String("session", sessionID),
			zap.Int("frame_type", messageType))
	}
}

func (r *Router) routeBinary(ctx context.Context, sessionID string, data []byte, fromGateway bool) {
	r.mu.RLock()
	handler := r.audio
	r.mu.RUnlock()
	if handler == nil {
		return
	}

	payload := data
	var timestampMs uint32
	// Frames shorter than the header never carry one; the gateway may
	// also pass raw audio through, so treat them as plain opus.
	if fromGateway && len(data) >= GatewayHeaderSize {
		frame, err := ParseGatewayFrame(data)
		if err != nil {
			logger.Warn("dropping malformed gateway frame",
				zap.String("session", sessionID),
				zap.Error(err))
			return
		}
		payload = frame.Payload
		timestampMs = frame.TimestampMs
	}
	if len(payload) == 0 {
		return
	}

	if err := handler(ctx, sessionID, payload, timestampMs); err != nil {
		logger.Error("audio handler failed",
			zap.String("session", sessionID),
			zap.Error(err))
	}
}

func (r *Router) routeText(ctx context.Context, sessionID string, data []byte) {
	msg, err := ParseText(data)
	if err != nil {
		logger.Warn("dropping malformed text frame",
			zap.String("session", sessionID),
			zap.Error(err))
		return
	}

	r.bus.Publish(&events.TextMessageReceived{
		Base:    events.NewBase(sessionID),
		MsgType: msg.Type,
		Message: msg,
		Ctx:     ctx,
	})
}

// dispatchText is the router's own subscription: it hands a published
// text frame to the handler bound for its type.
func (r *Router) dispatchText(e events.Event) error {
	ev := e.(*events.TextMessageReceived)
	msg, ok := ev.Message.(*TextMessage)
	if !ok {
		return nil
	}
	ctx := ev.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	r.mu.RLock()
	handler, bound := r.handlers[msg.Type]
	r.mu.RUnlock()
	if !bound {
		logger.Debug("no handler for message type",
			zap.String("session", ev.SessionID),
			zap.String("type", msg.Type))
		return nil
	}

	if err := handler(ctx, ev.SessionID, msg); err != nil {
		logger.Error("text handler failed",
			zap.String("session", ev.SessionID),
			zap.String("type", msg.Type),
			zap.Error(err))
	}
	return nil
}
