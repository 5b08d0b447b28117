package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/code-100-precent/EchoCore/pkg/agent"
	"github.com/code-100-precent/EchoCore/pkg/di"
	"github.com/code-100-precent/EchoCore/pkg/protocol"
)

// Context is the authoritative per-session state. It is pure data plus
// atomic flags; control flow lives in the engine and the lifecycle manager.
type Context struct {
	ID          string
	DeviceID    string
	ClientID    string
	ClientIP    string
	AudioFormat string
	FromGateway bool

	// Declared by the device in its hello frame.
	Features   map[string]interface{}
	SampleRate int
	Channels   int
	FrameMs    int

	Agent     *agent.Config
	History   *History
	Lifecycle *di.LifecycleManager

	// Live flags, mutated from event handlers for this session.
	clientAbort      atomic.Bool
	clientSpeaking   atomic.Bool // server audio is playing on the device
	clientHaveVoice  atomic.Bool
	clientVoiceStop  atomic.Bool
	justWokenUp      atomic.Bool
	llmFinished      atomic.Bool
	listenMode       atomic.Value // string
	sentenceCounter  atomic.Int64
	lastActivityNano atomic.Int64

	mu     sync.RWMutex
	turnMu sync.Mutex
}

// NewContext creates a session context with protocol defaults.
func NewContext(id string, lifecycle *di.LifecycleManager) *Context {
	c := &Context{
		ID:          id,
		AudioFormat: "opus",
		SampleRate:  16000,
		Channels:    1,
		FrameMs:     60,
		History:     NewHistory(),
		Lifecycle:   lifecycle,
	}
	c.listenMode.Store(protocol.ListenModeAuto)
	c.Touch()
	return c
}

// Touch records activity. The inactivity monitor reads this.
func (c *Context) Touch() {
	c.lastActivityNano.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the most recent inbound frame.
func (c *Context) LastActivity() time.Time {
	return time.Unix(0, c.lastActivityNano.Load())
}

// Abort flag. Set by the abort handler, checked at every suspension point
// in the dialogue and TTS loops.
func (c *Context) SetAbort(v bool) { c.clientAbort.Store(v) }
func (c *Context) Aborted() bool   { return c.clientAbort.Load() }

// Speaking is true while server audio is being played on the device.
func (c *Context) SetSpeaking(v bool) { c.clientSpeaking.Store(v) }
func (c *Context) Speaking() bool     { return c.clientSpeaking.Load() }

// HaveVoice tracks whether the current audio stream contains speech.
func (c *Context) SetHaveVoice(v bool) { c.clientHaveVoice.Store(v) }
func (c *Context) HaveVoice() bool     { return c.clientHaveVoice.Load() }

// VoiceStop is set when the device marks the end of input in manual mode.
func (c *Context) SetVoiceStop(v bool) { c.clientVoiceStop.Store(v) }
func (c *Context) VoiceStop() bool     { return c.clientVoiceStop.Load() }

// JustWokenUp suppresses VAD briefly after a wake word so the tail of the
// wake word does not start a turn.
func (c *Context) SetJustWokenUp(v bool) { c.justWokenUp.Store(v) }
func (c *Context) JustWokenUp() bool     { return c.justWokenUp.Load() }

// LLMFinished marks the end of the current dialogue turn's LLM work.
func (c *Context) SetLLMFinished(v bool) { c.llmFinished.Store(v) }
func (c *Context) LLMFinished() bool     { return c.llmFinished.Load() }

// ListenMode is one of auto, manual, realtime.
func (c *Context) SetListenMode(mode string) { c.listenMode.Store(mode) }
func (c *Context) ListenMode() string        { return c.listenMode.Load().(string) }

// NextSentenceID mints a fresh sentence id for a new utterance.
func (c *Context) NextSentenceID() int64 {
	return c.sentenceCounter.Add(1)
}

// CurrentSentenceID returns the most recently minted sentence id.
func (c *Context) CurrentSentenceID() int64 {
	return c.sentenceCounter.Load()
}

// ApplyHello stores the negotiated audio parameters from the handshake.
func (c *Context) ApplyHello(h *protocol.HelloMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.AudioFormat = h.AudioFormat
	c.SampleRate = h.SampleRate
	c.Channels = h.Channels
	c.FrameMs = h.FrameMs
	c.Features = h.Features
}

// BeginTurn serializes top-level dialogue turns: a new transcript must
// not start speaking until the previous turn's units have all been
// enqueued, or its sentence units would interleave in the output FIFO.
func (c *Context) BeginTurn() { c.turnMu.Lock() }

// EndTurn releases the turn lock taken by BeginTurn.
func (c *Context) EndTurn() { c.turnMu.Unlock() }

// ResetTurn clears the per-turn flags before a new dialogue turn.
func (c *Context) ResetTurn() {
	c.SetAbort(false)
	c.SetHaveVoice(false)
	c.SetVoiceStop(false)
	c.SetLLMFinished(false)
}
