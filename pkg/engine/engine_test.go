package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/code-100-precent/EchoCore/pkg/config"
	"github.com/code-100-precent/EchoCore/pkg/di"
	"github.com/code-100-precent/EchoCore/pkg/events"
	"github.com/code-100-precent/EchoCore/pkg/providers"
	"github.com/code-100-precent/EchoCore/pkg/providers/intent"
	"github.com/code-100-precent/EchoCore/pkg/providers/memory"
	"github.com/code-100-precent/EchoCore/pkg/session"
	"github.com/code-100-precent/EchoCore/pkg/tools"
	"github.com/code-100-precent/EchoCore/pkg/transport"
)

const testSessionID = "test-session"

// wsPair upgrades one connection and returns both ends.
func wsPair(t *testing.T) (*transport.Connection, *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	serverSide := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverSide <- c
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	raw := <-serverSide
	conn := transport.NewConnection(context.Background(), raw, testSessionID)
	t.Cleanup(func() { conn.Close() })
	return conn, client
}

// scriptedLLM replays canned chunks and records every request it sees.
type llmCall struct {
	Messages []providers.ChatMessage
	Tools    []providers.ToolSpec
}

type scriptedLLM struct {
	mu     sync.Mutex
	calls  []llmCall
	script func(call int, msgs []providers.ChatMessage, tools []providers.ToolSpec) []providers.Chunk
}

func (s *scriptedLLM) ChatStream(ctx context.Context, msgs []providers.ChatMessage, tools []providers.ToolSpec) (<-chan providers.Chunk, error) {
	s.mu.Lock()
	n := len(s.calls)
	s.calls = append(s.calls, llmCall{Messages: msgs, Tools: tools})
	s.mu.Unlock()

	chunks := s.script(n, msgs, tools)
	ch := make(chan providers.Chunk, len(chunks)+1)
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (s *scriptedLLM) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *scriptedLLM) call(i int) llmCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[i]
}

// silentTTS returns a fixed number of zero samples.
type silentTTS struct{ samples int }

func (s *silentTTS) Synthesize(ctx context.Context, text string, sampleRate int) ([]int16, error) {
	return make([]int16, s.samples), nil
}

// rig is a minimal engine wiring around one fake session.
type rig struct {
	bus       *events.Bus
	container *di.Container
	registry  *transport.Registry
	sc        *session.Context
	client    *websocket.Conn
	orch      *TTSOrchestrator
	dlg       *DialogueService
	tools     *tools.Registry
}

func newRig(t *testing.T, cfg config.Config, llm providers.LLM, tts providers.TTS) *rig {
	t.Helper()
	conn, client := wsPair(t)
	container := di.NewContainer()
	bus := events.NewBus()
	registry := transport.NewRegistry()
	registry.Register(conn)

	lifecycle := di.NewLifecycleManager(context.Background(), testSessionID)
	t.Cleanup(lifecycle.Stop)
	sc := session.NewContext(testSessionID, lifecycle)
	container.RegisterSessionValue(testSessionID, session.ContextServiceName, sc)

	resolveCtx := func(id string) (*session.Context, error) {
		v, err := container.Resolve(session.ContextServiceName, id)
		if err != nil {
			return nil, err
		}
		return v.(*session.Context), nil
	}

	orch := NewTTSOrchestrator(registry, bus, cfg.Engine, func(id string) (*session.Context, providers.TTS, error) {
		c, err := resolveCtx(id)
		return c, tts, err
	})
	dlg := NewDialogueService(bus, container, orch, cfg,
		resolveCtx,
		func(string) (providers.LLM, error) { return llm, nil },
		func(string) (providers.Memory, error) { return memory.NewNoop(), nil },
		func(string) (providers.Intent, error) { return intent.NewNoop(), nil })

	reg := tools.NewRegistry()
	container.RegisterSessionValue(testSessionID, ToolRegistryService, reg)

	orch.StartSession(sc)
	return &rig{
		bus:       bus,
		container: container,
		registry:  registry,
		sc:        sc,
		client:    client,
		orch:      orch,
		dlg:       dlg,
		tools:     reg,
	}
}

// readText reads JSON text frames off the client side until one arrives or
// the deadline passes. Binary frames are skipped.
func readText(t *testing.T, client *websocket.Conn) map[string]interface{} {
	t.Helper()
	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		msgType, data, err := client.ReadMessage()
		require.NoError(t, err)
		if msgType != websocket.TextMessage {
			continue
		}
		var out map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &out))
		return out
	}
}

// collectTTSStates reads frames until the given tts state arrives,
// returning the states seen along the way.
func collectTTSStates(t *testing.T, client *websocket.Conn, until string) []map[string]interface{} {
	t.Helper()
	var seen []map[string]interface{}
	for {
		msg := readText(t, client)
		if msg["type"] != "tts" {
			continue
		}
		seen = append(seen, msg)
		if msg["state"] == until {
			return seen
		}
	}
}

func testConfig() config.Config {
	var cfg config.Config
	cfg.Engine.SampleRate = 16000
	cfg.Engine.Channels = 1
	cfg.Engine.FrameDurationMs = 60
	cfg.Engine.MaxRecursionDepth = 5
	cfg.Engine.IntentMode = "function_call"
	cfg.Engine.ProviderCallLimit = 5 * time.Second
	cfg.VAD.SilenceMs = 120
	cfg.VAD.MaxSegmentMs = 15000
	return cfg
}
