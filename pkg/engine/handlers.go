package engine

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/code-100-precent/EchoCore/pkg/events"
	"github.com/code-100-precent/EchoCore/pkg/logger"
	"github.com/code-100-precent/EchoCore/pkg/mcp"
	"github.com/code-100-precent/EchoCore/pkg/protocol"
)

// MCPClientService is the DI name of the per-session device MCP client.
const MCPClientService = "mcp_client"

// registerRoutes binds the protocol router to the engine handlers.
func (e *Engine) registerRoutes() {
	e.router.HandleText(protocol.TypeHello, e.onHello)
	e.router.HandleText(protocol.TypeListen, e.onListen)
	e.router.HandleText(protocol.TypeAbort, e.onAbort)
	e.router.HandleText(protocol.TypeIoT, e.onIoT)
	e.router.HandleText(protocol.TypeMCP, e.onMCP)
	e.router.HandleText(protocol.TypeServer, e.onServer)
	e.router.HandleAudio(e.onBinary)
}

func (e *Engine) onHello(ctx context.Context, sessionID string, msg *protocol.TextMessage) error {
	hello := protocol.ParseHello(msg)
	sc, err := e.resolveContext(sessionID)
	if err != nil {
		return err
	}
	sc.ApplyHello(hello)
	if on, ok := hello.Features["mcp"].(bool); ok && on {
		if _, err := e.container.Resolve(MCPClientService, sessionID); err != nil {
			e.startMCP(sc)
		}
	}
	logger.Info("client hello",
		zap.String("session", sessionID),
		zap.String("format", sc.AudioFormat),
		zap.Int("sample_rate", sc.SampleRate))
	return e.registry.SendJSON(sessionID, protocol.HelloReply(sessionID, sc.SampleRate, sc.Channels, sc.FrameMs))
}

func (e *Engine) onListen(ctx context.Context, sessionID string, msg *protocol.TextMessage) error {
	sc, err := e.resolveContext(sessionID)
	if err != nil {
		return err
	}
	state := msg.String("state")
	switch state {
	case protocol.ListenStateStart:
		mode := msg.String("mode")
		if mode == "" {
			mode = protocol.ListenModeAuto
		}
		e.audio.OnListenStart(sc, mode)
	case protocol.ListenStateStop:
		e.audio.OnListenStop(sc)
	case protocol.ListenStateDetect:
		e.audio.OnWakeWord(sc)
		if text := msg.String("text"); text != "" && sc.Agent != nil && !sc.Agent.IsWakeupWord(normalize(text)) {
			// Detect frames may carry a full command after the wake word.
			e.bus.Publish(&events.TextRecognized{Base: events.NewBase(sessionID), Text: text, IsFinal: true})
		} else if sc.Agent != nil && sc.Agent.Greeting != "" && !e.orchestrator.Speaking(sessionID) {
			e.dialogue.SpeakDirect(sc, sc.Agent.Greeting)
		}
	default:
		logger.Warn("unknown listen state", zap.String("session", sessionID), zap.String("state", state))
	}
	return nil
}

func (e *Engine) onAbort(ctx context.Context, sessionID string, msg *protocol.TextMessage) error {
	e.bus.Publish(&events.AbortRequested{
		Base:   events.NewBase(sessionID),
		Reason: msg.String("reason"),
	})
	return nil
}

func (e *Engine) onIoT(ctx context.Context, sessionID string, msg *protocol.TextMessage) error {
	// Device state reports are accepted but not acted on yet.
	logger.Debug("iot message", zap.String("session", sessionID), zap.Any("payload", msg.Payload("descriptors")))
	return nil
}

func (e *Engine) onMCP(ctx context.Context, sessionID string, msg *protocol.TextMessage) error {
	v, err := e.container.Resolve(MCPClientService, sessionID)
	if err != nil {
		logger.Warn("mcp frame without client", zap.String("session", sessionID))
		return nil
	}
	raw, err := json.Marshal(msg.Raw["payload"])
	if err != nil {
		return err
	}
	v.(*mcp.Client).HandleMessage(raw)
	return nil
}

func (e *Engine) onServer(ctx context.Context, sessionID string, msg *protocol.TextMessage) error {
	action := msg.String("action")
	logger.Info("server action", zap.String("session", sessionID), zap.String("action", action))
	switch action {
	case "disconnect":
		e.bus.Publish(&events.SessionCloseRequested{
			Base:   events.NewBase(sessionID),
			Reason: "server request",
		})
	case "reboot":
		e.registry.SendJSON(sessionID, protocol.SystemMessage(sessionID, "reboot"))
		e.bus.Publish(&events.SessionCloseRequested{
			Base:   events.NewBase(sessionID),
			Reason: "device reboot",
		})
	}
	return nil
}

func (e *Engine) onBinary(ctx context.Context, sessionID string, payload []byte, gatewayTimestampMs uint32) error {
	e.bus.Publish(&events.AudioDataReceived{
		Base:             events.NewBase(sessionID),
		Data:             payload,
		GatewayTimestamp: int64(gatewayTimestampMs),
	})
	return nil
}

// onAbortRequested stops output for the current sentence id. Safe to call
// repeatedly for the same turn.
func (e *Engine) onAbortRequested(ev events.Event) error {
	req := ev.(*events.AbortRequested)
	sc, err := e.resolveContext(req.SessionID)
	if err != nil {
		return err
	}
	sc.SetAbort(true)
	e.orchestrator.Abort(req.SessionID, sc.CurrentSentenceID())
	logger.Info("turn aborted",
		zap.String("session", req.SessionID),
		zap.String("reason", req.Reason))
	return nil
}
