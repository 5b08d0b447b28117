package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/code-100-precent/EchoCore/pkg/agent"
	"github.com/code-100-precent/EchoCore/pkg/cache"
	"github.com/code-100-precent/EchoCore/pkg/config"
	"github.com/code-100-precent/EchoCore/pkg/di"
	"github.com/code-100-precent/EchoCore/pkg/events"
	"github.com/code-100-precent/EchoCore/pkg/logger"
	"github.com/code-100-precent/EchoCore/pkg/mcp"
	"github.com/code-100-precent/EchoCore/pkg/protocol"
	"github.com/code-100-precent/EchoCore/pkg/providers"
	"github.com/code-100-precent/EchoCore/pkg/providers/asr"
	"github.com/code-100-precent/EchoCore/pkg/providers/intent"
	"github.com/code-100-precent/EchoCore/pkg/providers/llm"
	"github.com/code-100-precent/EchoCore/pkg/providers/memory"
	"github.com/code-100-precent/EchoCore/pkg/providers/tts"
	"github.com/code-100-precent/EchoCore/pkg/providers/vad"
	"github.com/code-100-precent/EchoCore/pkg/session"
	"github.com/code-100-precent/EchoCore/pkg/tools"
	"github.com/code-100-precent/EchoCore/pkg/transport"
)

// Engine assembles the voice pipeline: transport registry, protocol
// router, provider factories, audio segmentation, dialogue and TTS
// orchestration, all glued together over the event bus.
type Engine struct {
	cfg       config.Config
	bus       *events.Bus
	container *di.Container
	registry  *transport.Registry
	router    *protocol.Router
	manager   *session.Manager
	agents    agent.Loader
	store     cache.Cache

	audio        *AudioService
	dialogue     *DialogueService
	orchestrator *TTSOrchestrator
}

// New builds the engine and registers provider factories with the
// container. Call Start to attach handlers to the router and bus.
func New(cfg config.Config, bus *events.Bus, container *di.Container, registry *transport.Registry,
	router *protocol.Router, manager *session.Manager, agents agent.Loader, store cache.Cache) (*Engine, error) {
	e := &Engine{
		cfg:       cfg,
		bus:       bus,
		container: container,
		registry:  registry,
		router:    router,
		manager:   manager,
		agents:    agents,
		store:     store,
	}
	if err := e.registerProviders(); err != nil {
		return nil, err
	}

	e.orchestrator = NewTTSOrchestrator(registry, bus, cfg.Engine, e.resolveTTS)
	e.audio = NewAudioService(bus, registry, cfg, e.sharedVAD(), e.resolveContext, e.resolveASR)
	e.dialogue = NewDialogueService(bus, container, e.orchestrator, cfg,
		e.resolveContext, e.resolveLLM, e.resolveMemory, e.resolveIntent)
	return e, nil
}

// Start wires routes and event subscriptions. Idempotent setup is not
// supported; call once.
func (e *Engine) Start() {
	e.registerRoutes()
	e.audio.Subscribe()
	e.dialogue.Subscribe()
	e.bus.Subscribe(events.TypeSessionCreated, e.onSessionCreated, false)
	e.bus.Subscribe(events.TypeSessionDestroying, e.onSessionDestroying, false)
	e.bus.Subscribe(events.TypeSessionCloseRequested, e.onSessionCloseRequested, true)
	e.bus.Subscribe(events.TypeAbortRequested, e.onAbortRequested, false)
}

// registerProviders installs the DI factories. VAD is a process-wide
// singleton; the rest are session scoped so agent overrides and voice
// hot-swaps stay isolated per device.
func (e *Engine) registerProviders() error {
	v, err := vad.New(e.cfg.VAD)
	if err != nil {
		return fmt.Errorf("init vad: %w", err)
	}
	e.container.RegisterInstance(providers.ServiceVAD, v)

	callTimeout := e.cfg.Engine.ProviderCallLimit

	e.container.Register(providers.ServiceASR, di.ScopeSession, func(c *di.Container, sessionID string) (interface{}, error) {
		return asr.NewWhisper(e.cfg.ASR, callTimeout), nil
	})
	e.container.Register(providers.ServiceLLM, di.ScopeSession, func(c *di.Container, sessionID string) (interface{}, error) {
		return llm.NewOpenAI(e.cfg.LLM), nil
	})
	e.container.Register(providers.ServiceTTS, di.ScopeSession, func(c *di.Container, sessionID string) (interface{}, error) {
		voice := e.cfg.TTS.Voice
		if sc, err := e.resolveContext(sessionID); err == nil && sc.Agent != nil && sc.Agent.Voice != "" {
			voice = sc.Agent.Voice
		}
		return tts.NewOpenAI(e.cfg.TTS, voice, callTimeout), nil
	})
	e.container.Register(providers.ServiceMemory, di.ScopeSession, func(c *di.Container, sessionID string) (interface{}, error) {
		mode := e.cfg.Engine.MemoryMode
		if sc, err := e.resolveContext(sessionID); err == nil && sc.Agent != nil && sc.Agent.MemoryMode != "" {
			mode = sc.Agent.MemoryMode
		}
		if mode != "cache" {
			return memory.NewNoop(), nil
		}
		l, err := e.resolveLLM(sessionID)
		if err != nil {
			return nil, err
		}
		return memory.NewCacheMemory(e.store, l), nil
	})
	e.container.Register(providers.ServiceIntent, di.ScopeSession, func(c *di.Container, sessionID string) (interface{}, error) {
		mode := e.cfg.Engine.IntentMode
		if sc, err := e.resolveContext(sessionID); err == nil && sc.Agent != nil && sc.Agent.IntentMode != "" {
			mode = sc.Agent.IntentMode
		}
		if mode != "intent_llm" {
			return intent.NewNoop(), nil
		}
		l, err := e.resolveLLM(sessionID)
		if err != nil {
			return nil, err
		}
		return intent.NewLLMIntent(l, func() []providers.ToolSpec {
			reg, err := c.Resolve(ToolRegistryService, sessionID)
			if err != nil {
				return nil
			}
			return reg.(*tools.Registry).Specs()
		}), nil
	})
	return nil
}

func (e *Engine) sharedVAD() providers.VAD {
	v, _ := e.container.Resolve(providers.ServiceVAD, "")
	return v.(providers.VAD)
}

func (e *Engine) resolveContext(sessionID string) (*session.Context, error) {
	v, err := e.container.Resolve(session.ContextServiceName, sessionID)
	if err != nil {
		return nil, err
	}
	return v.(*session.Context), nil
}

func (e *Engine) resolveASR(sessionID string) (providers.ASR, error) {
	v, err := e.container.Resolve(providers.ServiceASR, sessionID)
	if err != nil {
		return nil, err
	}
	return v.(providers.ASR), nil
}

func (e *Engine) resolveLLM(sessionID string) (providers.LLM, error) {
	v, err := e.container.Resolve(providers.ServiceLLM, sessionID)
	if err != nil {
		return nil, err
	}
	return v.(providers.LLM), nil
}

func (e *Engine) resolveMemory(sessionID string) (providers.Memory, error) {
	v, err := e.container.Resolve(providers.ServiceMemory, sessionID)
	if err != nil {
		return nil, err
	}
	return v.(providers.Memory), nil
}

func (e *Engine) resolveIntent(sessionID string) (providers.Intent, error) {
	v, err := e.container.Resolve(providers.ServiceIntent, sessionID)
	if err != nil {
		return nil, err
	}
	return v.(providers.Intent), nil
}

// resolveTTS feeds the orchestrator; resolving per call makes a
// change_voice hot-swap effective on the next sentence.
func (e *Engine) resolveTTS(sessionID string) (*session.Context, providers.TTS, error) {
	sc, err := e.resolveContext(sessionID)
	if err != nil {
		return nil, nil, err
	}
	v, err := e.container.Resolve(providers.ServiceTTS, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return sc, v.(providers.TTS), nil
}

func (e *Engine) onSessionCreated(ev events.Event) error {
	created := ev.(*events.SessionCreated)
	sc, err := e.resolveContext(created.SessionID)
	if err != nil {
		return err
	}

	cfg, err := e.agents.Load(sc.DeviceID, sc.ClientID)
	if err != nil {
		logger.Warn("agent config load failed, using defaults",
			zap.String("session", sc.ID), zap.Error(err))
		cfg = agent.Defaults(&e.cfg)
	}
	sc.Agent = cfg

	reg := tools.NewRegistry()
	tools.RegisterBuiltins(reg, &e.cfg)
	e.container.RegisterSessionValue(sc.ID, ToolRegistryService, reg)

	e.orchestrator.StartSession(sc)
	logger.Info("session ready",
		zap.String("session", sc.ID),
		zap.String("device", sc.DeviceID),
		zap.String("agent", cfg.Name))
	return nil
}

// startMCP attaches a device MCP client after the hello handshake
// advertised support, and folds discovered device tools into the
// session's registry.
func (e *Engine) startMCP(sc *session.Context) {
	client := mcp.NewClient(sc.ID, func(payload json.RawMessage) error {
		return e.registry.SendJSON(sc.ID, protocol.MCPEnvelope(sc.ID, payload))
	})
	e.container.RegisterSessionValue(sc.ID, MCPClientService, client)

	err := sc.Lifecycle.CreateTask("mcp_init", func(ctx context.Context) {
		if err := client.Start(ctx); err != nil {
			logger.Warn("mcp initialize failed", zap.String("session", sc.ID), zap.Error(err))
			return
		}
		reg, err := e.container.Resolve(ToolRegistryService, sc.ID)
		if err != nil {
			return
		}
		registry := reg.(*tools.Registry)
		for _, spec := range client.Specs() {
			spec := spec
			registry.Register(&tools.Tool{
				Spec:  spec,
				Level: tools.LevelUser,
				Handler: func(ctx context.Context, inv *tools.Invocation) (*tools.Result, error) {
					out, err := client.CallTool(ctx, spec.Name, inv.Arguments)
					if err != nil {
						return nil, err
					}
					return &tools.Result{Action: tools.ActionReqLLM, Result: out}, nil
				},
			})
		}
		logger.Info("device tools registered",
			zap.String("session", sc.ID),
			zap.Int("count", len(client.Specs())))
	})
	if err != nil {
		logger.Warn("mcp task rejected", zap.String("session", sc.ID), zap.Error(err))
	}
}

func (e *Engine) onSessionDestroying(ev events.Event) error {
	destroying := ev.(*events.SessionDestroying)
	sc, err := e.resolveContext(destroying.SessionID)
	if err == nil && sc.History.Len() > 0 {
		if mem, merr := e.resolveMemory(sc.ID); merr == nil {
			e.summarize(sc, mem)
		}
	}
	e.orchestrator.Cleanup(destroying.SessionID)
	return nil
}

func (e *Engine) summarize(sc *session.Context, mem providers.Memory) {
	var dialogue []providers.ChatMessage
	for _, m := range sc.History.Messages() {
		if m.Role == session.RoleUser || m.Role == session.RoleAssistant {
			dialogue = append(dialogue, providers.ChatMessage{Role: m.Role, Content: m.Content})
		}
	}
	if len(dialogue) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Engine.ProviderCallLimit)
	defer cancel()
	if err := mem.Summarize(ctx, sc.DeviceID, dialogue); err != nil {
		logger.Warn("memory summarize failed", zap.String("session", sc.ID), zap.Error(err))
	}
}

// onSessionCloseRequested drains pending speech, then destroys the
// session. The work runs detached: the publisher is usually a lifecycle
// task (exit command, goodbye tool, server disconnect), and Destroy
// waits for every tracked task, so destroying inline would wait on the
// very goroutine this handler is blocking.
func (e *Engine) onSessionCloseRequested(ev events.Event) error {
	req := ev.(*events.SessionCloseRequested)
	go e.drainAndDestroy(req.SessionID, req.Reason)
	return nil
}

func (e *Engine) drainAndDestroy(sessionID, reason string) {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		conn, ok := e.registry.Get(sessionID)
		if !ok {
			break
		}
		if !e.orchestrator.Speaking(sessionID) && conn.PendingBinary() == 0 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	e.manager.Destroy(sessionID, reason)
}
