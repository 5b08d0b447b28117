package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/code-100-precent/EchoCore/pkg/audio"
	"github.com/code-100-precent/EchoCore/pkg/config"
	"github.com/code-100-precent/EchoCore/pkg/events"
	"github.com/code-100-precent/EchoCore/pkg/logger"
	"github.com/code-100-precent/EchoCore/pkg/metrics"
	"github.com/code-100-precent/EchoCore/pkg/protocol"
	"github.com/code-100-precent/EchoCore/pkg/providers"
	"github.com/code-100-precent/EchoCore/pkg/session"
	"github.com/code-100-precent/EchoCore/pkg/transport"
)

const prerollFrames = 5

// audioState is the per-session VAD segmentation state machine.
type audioState struct {
	mu        sync.Mutex
	decoder   *audio.Decoder
	inSegment bool
	segment   []int16
	preroll   [][]int16
	silenceMs int
	segmentMs int
	// Manual mode: capture runs between listen start and listen stop.
	manualCapture bool
}

// AudioService coordinates VAD and ASR: it decodes inbound opus, detects
// speech segments, handles barge-in, and hands closed segments to the ASR
// provider.
type AudioService struct {
	bus      *events.Bus
	registry *transport.Registry
	cfg      config.Config
	resolve  func(sessionID string) (*session.Context, error)
	vad      providers.VAD
	asrFor   func(sessionID string) (providers.ASR, error)

	mu       sync.Mutex
	sessions map[string]*audioState
}

// NewAudioService wires the service; call Subscribe to attach it to the bus.
func NewAudioService(bus *events.Bus, registry *transport.Registry, cfg config.Config,
	vad providers.VAD,
	resolve func(sessionID string) (*session.Context, error),
	asrFor func(sessionID string) (providers.ASR, error)) *AudioService {
	return &AudioService{
		bus:      bus,
		registry: registry,
		cfg:      cfg,
		vad:      vad,
		resolve:  resolve,
		asrFor:   asrFor,
		sessions: make(map[string]*audioState),
	}
}

// Subscribe attaches the audio handler. Synchronous so frames from one
// session keep their arrival order.
func (a *AudioService) Subscribe() {
	a.bus.Subscribe(events.TypeAudioDataReceived, a.onAudio, false)
	a.bus.Subscribe(events.TypeSessionDestroying, a.onSessionDestroying, false)
}

func (a *AudioService) stateFor(sc *session.Context) (*audioState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.sessions[sc.ID]; ok {
		return st, nil
	}
	dec, err := audio.NewDecoder(sc.SampleRate, sc.Channels)
	if err != nil {
		return nil, err
	}
	st := &audioState{decoder: dec}
	a.sessions[sc.ID] = st
	return st, nil
}

func (a *AudioService) onSessionDestroying(e events.Event) error {
	a.mu.Lock()
	delete(a.sessions, e.Session())
	a.mu.Unlock()
	a.vad.Reset(e.Session())
	return nil
}

func (a *AudioService) onAudio(e events.Event) error {
	ev := e.(*events.AudioDataReceived)
	sc, err := a.resolve(ev.SessionID)
	if err != nil {
		return err
	}
	metrics.AudioFramesReceived.Inc()

	st, err := a.stateFor(sc)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	pcmRef, err := st.decoder.Decode(ev.Data)
	if err != nil {
		logger.Debug("dropping undecodable frame",
			zap.String("session", sc.ID), zap.Error(err))
		return nil
	}
	pcm := make([]int16, len(pcmRef))
	copy(pcm, pcmRef)
	frameMs := 1000 * len(pcm) / (sc.SampleRate * sc.Channels)

	if sc.ListenMode() == protocol.ListenModeManual {
		if st.manualCapture {
			st.segment = append(st.segment, pcm...)
		}
		return nil
	}

	// Wake-word cooldown: the tail of the wake response must not start a
	// segment of its own.
	if sc.JustWokenUp() {
		return nil
	}

	voiced, err := a.vad.IsVoice(sc.ID, pcm)
	if err != nil {
		logger.Warn("vad failed", zap.String("session", sc.ID), zap.Error(err))
		return nil
	}
	sc.SetHaveVoice(voiced)

	// Barge-in: user speaks while we are speaking.
	if voiced && sc.Speaking() {
		a.bus.Publish(&events.AbortRequested{
			Base:   events.NewBase(sc.ID),
			Reason: "user_interrupt",
		})
	}

	switch {
	case voiced && !st.inSegment:
		st.inSegment = true
		st.silenceMs = 0
		st.segmentMs = 0
		st.segment = st.segment[:0]
		for _, f := range st.preroll {
			st.segment = append(st.segment, f...)
		}
		st.preroll = st.preroll[:0]
		st.segment = append(st.segment, pcm...)
		st.segmentMs += frameMs
		a.bus.Publish(&events.SpeechDetected{Base: events.NewBase(sc.ID)})

	case voiced && st.inSegment:
		st.segment = append(st.segment, pcm...)
		st.silenceMs = 0
		st.segmentMs += frameMs

	case !voiced && st.inSegment:
		st.segment = append(st.segment, pcm...)
		st.silenceMs += frameMs
		st.segmentMs += frameMs
		if st.silenceMs >= a.silenceLimitMs() {
			a.closeSegment(sc, st)
			return nil
		}

	default: // silence outside a segment: keep a short pre-roll
		st.preroll = append(st.preroll, pcm)
		if len(st.preroll) > prerollFrames {
			st.preroll = st.preroll[1:]
		}
	}

	if st.inSegment && st.segmentMs >= a.maxSegmentMs() {
		logger.Debug("segment hit length cap", zap.String("session", sc.ID))
		a.closeSegment(sc, st)
	}
	return nil
}

func (a *AudioService) silenceLimitMs() int {
	if a.cfg.VAD.SilenceMs > 0 {
		return a.cfg.VAD.SilenceMs
	}
	return 700
}

func (a *AudioService) maxSegmentMs() int {
	if a.cfg.VAD.MaxSegmentMs > 0 {
		return a.cfg.VAD.MaxSegmentMs
	}
	return 15000
}

// closeSegment ends the active segment and transcribes it off the bus
// goroutine. Caller holds st.mu.
func (a *AudioService) closeSegment(sc *session.Context, st *audioState) {
	st.inSegment = false
	st.silenceMs = 0
	segment := make([]int16, len(st.segment))
	copy(segment, st.segment)
	st.segment = st.segment[:0]
	a.vad.Reset(sc.ID)
	sc.SetHaveVoice(false)
	sc.SetVoiceStop(true)

	a.bus.Publish(&events.SpeechEnded{Base: events.NewBase(sc.ID)})
	a.transcribeAsync(sc, segment)
}

func (a *AudioService) transcribeAsync(sc *session.Context, segment []int16) {
	sc.Lifecycle.CreateTask("transcribe", func(ctx context.Context) {
		asr, err := a.asrFor(sc.ID)
		if err != nil {
			logger.Error("no asr provider", zap.String("session", sc.ID), zap.Error(err))
			return
		}
		start := time.Now()
		text, err := asr.Transcribe(ctx, segment, sc.SampleRate, sc.Channels)
		if err != nil {
			logger.Error("transcription failed",
				zap.String("session", sc.ID), zap.Error(err))
			a.bus.Publish(&events.ErrorOccurred{
				Base:    events.NewBase(sc.ID),
				Stage:   "asr",
				Message: err.Error(),
			})
			return
		}
		if text == "" {
			return
		}
		logger.Info("speech recognized",
			zap.String("session", sc.ID),
			zap.String("text", text),
			zap.Duration("took", time.Since(start)))

		a.registry.SendJSON(sc.ID, protocol.STTMessage(sc.ID, text))
		a.bus.Publish(&events.TextRecognized{
			Base:    events.NewBase(sc.ID),
			Text:    text,
			IsFinal: true,
		})
	})
}

// OnListenStart begins manual capture or resets auto state.
func (a *AudioService) OnListenStart(sc *session.Context, mode string) {
	if mode != "" {
		sc.SetListenMode(mode)
	}
	sc.SetAbort(false)
	st, err := a.stateFor(sc)
	if err != nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if sc.ListenMode() == protocol.ListenModeManual {
		st.manualCapture = true
		st.segment = st.segment[:0]
	}
}

// OnListenStop closes the manual segment and sends it to ASR.
func (a *AudioService) OnListenStop(sc *session.Context) {
	st, err := a.stateFor(sc)
	if err != nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.manualCapture {
		return
	}
	st.manualCapture = false
	if len(st.segment) == 0 {
		return
	}
	segment := make([]int16, len(st.segment))
	copy(segment, st.segment)
	st.segment = st.segment[:0]
	a.transcribeAsync(sc, segment)
}

// OnWakeWord applies the post-wake cooldown so the wake word's tail cannot
// trigger VAD, clearing it on the session's lifecycle.
func (a *AudioService) OnWakeWord(sc *session.Context) {
	sc.SetJustWokenUp(true)
	cooldown := a.cfg.Engine.WakeCooldown
	if cooldown <= 0 {
		cooldown = 2 * time.Second
	}
	sc.Lifecycle.CreateTask("wake_cooldown", func(ctx context.Context) {
		select {
		case <-ctx.Done():
		case <-time.After(cooldown):
		}
		sc.SetJustWokenUp(false)
	})
}
