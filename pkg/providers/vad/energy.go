package vad

import (
	"math"
	"sync"

	"github.com/code-100-precent/EchoCore/pkg/config"
)

// EnergyVAD is a dependency-free detector based on frame RMS energy. A
// frame counts as voiced once ConsecutiveFrames frames in a row exceed the
// threshold, which filters out clicks and short noise bursts.
type EnergyVAD struct {
	threshold   float64
	consecutive int

	mu    sync.Mutex
	state map[string]int // voiced frame streak per session
}

// NewEnergyVAD builds the detector from configuration.
func NewEnergyVAD(cfg config.VADConfig) *EnergyVAD {
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = 500
	}
	consecutive := cfg.ConsecutiveFrames
	if consecutive <= 0 {
		consecutive = 2
	}
	return &EnergyVAD{
		threshold:   threshold,
		consecutive: consecutive,
		state:       make(map[string]int),
	}
}

// IsVoice reports whether the frame is part of sustained speech.
func (v *EnergyVAD) IsVoice(sessionID string, pcm []int16) (bool, error) {
	if len(pcm) == 0 {
		return false, nil
	}
	energy := rms(pcm)

	v.mu.Lock()
	defer v.mu.Unlock()
	if energy >= v.threshold {
		v.state[sessionID]++
	} else {
		v.state[sessionID] = 0
	}
	return v.state[sessionID] >= v.consecutive, nil
}

// Reset clears the streak for a session, called between segments.
func (v *EnergyVAD) Reset(sessionID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.state, sessionID)
}

// Close releases nothing; the detector is stateless beyond the streaks.
func (v *EnergyVAD) Close() error {
	return nil
}

func rms(pcm []int16) float64 {
	var sum float64
	for _, s := range pcm {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(pcm)))
}
