package vad

import (
	"fmt"
	"sync"

	"github.com/streamer45/silero-vad-go/speech"
	"go.uber.org/zap"

	"github.com/code-100-precent/EchoCore/pkg/config"
	"github.com/code-100-precent/EchoCore/pkg/logger"
)

const (
	sileroSampleRate  = 16000
	sileroSpeechPadMs = 100
)

// SileroVAD runs the silero ONNX model. One detector per session, because
// the model carries rolling state; detectors are created lazily and torn
// down on Reset or Close.
type SileroVAD struct {
	modelPath string
	threshold float32
	silenceMs int

	mu        sync.Mutex
	detectors map[string]*sessionDetector
}

type sessionDetector struct {
	det      *speech.Detector
	speaking bool
}

// NewSileroVAD validates the model path and prepares the detector pool.
func NewSileroVAD(cfg config.VADConfig) (*SileroVAD, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("silero vad requires VAD_MODEL_PATH")
	}
	threshold := float32(cfg.Threshold)
	if threshold <= 0 || threshold >= 1 {
		threshold = 0.5
	}
	silenceMs := cfg.SilenceMs
	if silenceMs <= 0 {
		silenceMs = 700
	}
	return &SileroVAD{
		modelPath: cfg.ModelPath,
		threshold: threshold,
		silenceMs: silenceMs,
		detectors: make(map[string]*sessionDetector),
	}, nil
}

func (v *SileroVAD) detectorFor(sessionID string) (*sessionDetector, error) {
	if d, ok := v.detectors[sessionID]; ok {
		return d, nil
	}
	det, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            v.modelPath,
		SampleRate:           sileroSampleRate,
		Threshold:            v.threshold,
		MinSilenceDurationMs: v.silenceMs,
		SpeechPadMs:          sileroSpeechPadMs,
	})
	if err != nil {
		return nil, fmt.Errorf("create silero detector: %w", err)
	}
	d := &sessionDetector{det: det}
	v.detectors[sessionID] = d
	return d, nil
}

// IsVoice feeds one frame through the session's detector.
func (v *SileroVAD) IsVoice(sessionID string, pcm []int16) (bool, error) {
	if len(pcm) == 0 {
		return false, nil
	}
	samples := make([]float32, len(pcm))
	for i, s := range pcm {
		samples[i] = float32(s) / 32768.0
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	d, err := v.detectorFor(sessionID)
	if err != nil {
		return false, err
	}

	segments, err := d.det.Detect(samples)
	if err != nil {
		return false, fmt.Errorf("silero detect: %w", err)
	}
	for _, seg := range segments {
		if seg.SpeechStartAt >= 0 {
			d.speaking = true
		}
		if seg.SpeechEndAt > 0 {
			d.speaking = false
		}
	}
	return d.speaking, nil
}

// Reset drops the session's detector so the next frame starts clean.
func (v *SileroVAD) Reset(sessionID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if d, ok := v.detectors[sessionID]; ok {
		if err := d.det.Destroy(); err != nil {
			logger.Warn("silero detector destroy failed",
				zap.String("session", sessionID), zap.Error(err))
		}
		delete(v.detectors, sessionID)
	}
}

// Close destroys every live detector.
func (v *SileroVAD) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for id, d := range v.detectors {
		if err := d.det.Destroy(); err != nil {
			logger.Warn("silero detector destroy failed",
				zap.String("session", id), zap.Error(err))
		}
	}
	v.detectors = make(map[string]*sessionDetector)
	return nil
}
