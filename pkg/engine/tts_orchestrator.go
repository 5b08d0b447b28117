package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	wav "github.com/youpy/go-wav"
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

const ttsQueueSize = 100

// ttsState tracks one session's output channel.
type ttsState struct {
	queue chan SentenceUnit
	// Sentence ids at or below this watermark were aborted; their units
	// are dropped instead of played.
	abortedBefore atomic.Int64
	speaking      atomic.Bool
	cancelMu      sync.Mutex
	cancelCurrent context.CancelFunc
}

// TTSOrchestrator serializes all audio output for a session: one worker
// per session drains a FIFO of sentence units, so frames for an earlier
// sentence id always precede frames for a later one.
type TTSOrchestrator struct {
	registry  *transport.Registry
	bus       *events.Bus
	resolveFn func(sessionID string) (*session.Context, providers.TTS, error)
	cfg       config.EngineConfig

	mu       sync.Mutex
	sessions map[string]*ttsState
}

// NewTTSOrchestrator creates the orchestrator. resolve returns the session
// context and its current TTS provider; it is called per unit so provider
// hot-swaps take effect immediately.
func NewTTSOrchestrator(registry *transport.Registry, bus *events.Bus, cfg config.EngineConfig,
	resolve func(sessionID string) (*session.Context, providers.TTS, error)) *TTSOrchestrator {
	return &TTSOrchestrator{
		registry:  registry,
		bus:       bus,
		resolveFn: resolve,
		cfg:       cfg,
		sessions:  make(map[string]*ttsState),
	}
}

// StartSession allocates the queue and launches the worker on the
// session's lifecycle.
func (o *TTSOrchestrator) StartSession(sc *session.Context) {
	st := &ttsState{queue: make(chan SentenceUnit, ttsQueueSize)}
	o.mu.Lock()
	o.sessions[sc.ID] = st
	o.mu.Unlock()

	sc.Lifecycle.CreateTask("tts_worker", func(ctx context.Context) {
		o.worker(ctx, sc, st)
	})
}

// Enqueue adds a unit to the session's FIFO. Blocks briefly when the queue
// is full; drops with an error if the session is gone.
func (o *TTSOrchestrator) Enqueue(sessionID string, unit SentenceUnit) error {
	o.mu.Lock()
	st, ok := o.sessions[sessionID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("no tts queue for session %s", sessionID)
	}
	if unit.SentenceID <= st.abortedBefore.Load() {
		return nil
	}
	select {
	case st.queue <- unit:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("tts queue full for session %s", sessionID)
	}
}

// Abort drops every unit belonging to currently open sentence ids, cancels
// in-flight synthesis and, if audio was playing, emits a synthetic end
// marker so the device resets its playback state. Idempotent.
func (o *TTSOrchestrator) Abort(sessionID string, currentSentenceID int64) {
	o.mu.Lock()
	st, ok := o.sessions[sessionID]
	o.mu.Unlock()
	if !ok {
		return
	}

	st.abortedBefore.Store(currentSentenceID)

	st.cancelMu.Lock()
	if st.cancelCurrent != nil {
		st.cancelCurrent()
	}
	st.cancelMu.Unlock()

	// Drain whatever is queued.
	for {
		select {
		case <-st.queue:
		default:
			goto drained
		}
	}
drained:

	if conn, ok := o.registry.Get(sessionID); ok {
		conn.ResetFlowControl()
	}
	if st.speaking.CompareAndSwap(true, false) {
		o.registry.SendJSON(sessionID, protocol.TTSMessage(sessionID, protocol.TTSStateStop, ""))
		o.bus.Publish(&events.TTSFinished{Base: events.NewBase(sessionID), SentenceID: currentSentenceID})
		if sc, _, err := o.resolveFn(sessionID); err == nil {
			sc.SetSpeaking(false)
		}
	}
	logger.Info("tts output aborted",
		zap.String("session", sessionID),
		zap.Int64("through_sentence", currentSentenceID))
}

// Cleanup discards the session's queue. The worker exits with the
// session's lifecycle.
func (o *TTSOrchestrator) Cleanup(sessionID string) {
	o.mu.Lock()
	delete(o.sessions, sessionID)
	o.mu.Unlock()
}

// Speaking reports whether the session is inside an open bracket.
func (o *TTSOrchestrator) Speaking(sessionID string) bool {
	o.mu.Lock()
	st, ok := o.sessions[sessionID]
	o.mu.Unlock()
	return ok && st.speaking.Load()
}

func (o *TTSOrchestrator) worker(ctx context.Context, sc *session.Context, st *ttsState) {
	for {
		select {
		case <-ctx.Done():
			return
		case unit := <-st.queue:
			if unit.SentenceID <= st.abortedBefore.Load() {
				continue
			}
			o.process(ctx, sc, st, unit)
		}
	}
}

func (o *TTSOrchestrator) process(ctx context.Context, sc *session.Context, st *ttsState, unit SentenceUnit) {
	conn, ok := o.registry.Get(sc.ID)
	if !ok {
		return
	}

	switch {
	case unit.Sentence == SentenceFirst && unit.Content == ContentAction:
		conn.ResetFlowControl()
		st.speaking.Store(true)
		sc.SetSpeaking(true)
		conn.SendJSON(protocol.TTSMessage(sc.ID, protocol.TTSStateStart, ""))
		o.bus.Publish(&events.TTSStarted{Base: events.NewBase(sc.ID), SentenceID: unit.SentenceID})

	case unit.Sentence == SentenceLast && unit.Content == ContentAction:
		if st.speaking.CompareAndSwap(true, false) {
			sc.SetSpeaking(false)
			conn.SendJSON(protocol.TTSMessage(sc.ID, protocol.TTSStateStop, ""))
			o.bus.Publish(&events.TTSFinished{Base: events.NewBase(sc.ID), SentenceID: unit.SentenceID})
		}

	case unit.Content == ContentText:
		o.speakText(ctx, sc, st, conn, unit)

	case unit.Content == ContentFile:
		o.playFile(ctx, sc, st, conn, unit)
	}
}

// synthesisContext derives a cancelable context so Abort can cut an
// in-flight provider call.
func (st *ttsState) synthesisContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	st.cancelMu.Lock()
	st.cancelCurrent = cancel
	st.cancelMu.Unlock()
	return ctx, cancel
}

func (o *TTSOrchestrator) speakText(ctx context.Context, sc *session.Context, st *ttsState, conn *transport.Connection, unit SentenceUnit) {
	text := strings.TrimSpace(unit.Text)
	if text == "" {
		return
	}
	_, tts, err := o.resolveFn(sc.ID)
	if err != nil {
		logger.Error("no tts provider", zap.String("session", sc.ID), zap.Error(err))
		return
	}

	synthCtx, cancel := st.synthesisContext(ctx)
	defer cancel()

	pcm, err := tts.Synthesize(synthCtx, text, sc.SampleRate)
	if err != nil {
		if synthCtx.Err() == nil {
			logger.Error("synthesis failed",
				zap.String("session", sc.ID), zap.Error(err))
		}
		return
	}
	if unit.SentenceID <= st.abortedBefore.Load() {
		return
	}

	conn.SendJSON(protocol.TTSMessage(sc.ID, protocol.TTSStateSentenceStart, text))
	o.streamPCM(synthCtx, sc, st, conn, unit.SentenceID, pcm)
	conn.SendJSON(protocol.TTSMessage(sc.ID, protocol.TTSStateSentenceEnd, ""))
}

// streamPCM encodes and sends PCM as paced opus frames, checking the abort
// watermark at every frame boundary.
func (o *TTSOrchestrator) streamPCM(ctx context.Context, sc *session.Context, st *ttsState, conn *transport.Connection, sentenceID int64, pcm []int16) {
	enc, err := audio.NewEncoder(sc.SampleRate, sc.Channels, sc.FrameMs)
	if err != nil {
		logger.Error("encoder init failed", zap.String("session", sc.ID), zap.Error(err))
		return
	}
	frames, err := enc.Encode(pcm)
	if err != nil {
		logger.Error("opus encode failed", zap.String("session", sc.ID), zap.Error(err))
		return
	}
	if tail, err := enc.Flush(); err == nil && tail != nil {
		frames = append(frames, tail)
	}

	frameDuration := time.Duration(sc.FrameMs) * time.Millisecond
	for _, frame := range frames {
		if ctx.Err() != nil || sentenceID <= st.abortedBefore.Load() {
			return
		}
		if err := conn.SendAudioPaced(frame, frameDuration); err != nil {
			return
		}
		metrics.TTSFramesSent.Inc()
	}
}

func (o *TTSOrchestrator) playFile(ctx context.Context, sc *session.Context, st *ttsState, conn *transport.Connection, unit SentenceUnit) {
	pcm, err := readAudioFile(unit.FilePath, sc.SampleRate)
	if err != nil {
		logger.Error("cannot play file",
			zap.String("session", sc.ID),
			zap.String("file", unit.FilePath),
			zap.Error(err))
		return
	}
	synthCtx, cancel := st.synthesisContext(ctx)
	defer cancel()
	o.streamPCM(synthCtx, sc, st, conn, unit.SentenceID, pcm)
}

// readAudioFile loads a WAV file and resamples it to the session rate.
// Other formats would need a decoder; the music library ships WAV.
func readAudioFile(path string, sampleRate int) ([]int16, error) {
	if strings.ToLower(filepath.Ext(path)) != ".wav" {
		return nil, fmt.Errorf("unsupported audio format %q", filepath.Ext(path))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := wav.NewReader(f)
	format, err := r.Format()
	if err != nil {
		return nil, fmt.Errorf("read wav header: %w", err)
	}

	var pcm []int16
	for {
		samples, err := r.ReadSamples()
		if len(samples) > 0 {
			for _, s := range samples {
				// Mix down to mono.
				v := r.IntValue(s, 0)
				if format.NumChannels > 1 {
					v = (v + r.IntValue(s, 1)) / 2
				}
				pcm = append(pcm, int16(v))
			}
		}
		if err != nil {
			break
		}
	}

	if int(format.SampleRate) != sampleRate {
		pcm = audio.ResamplePCM(pcm, int(format.SampleRate), sampleRate)
	}
	return pcm, nil
}
