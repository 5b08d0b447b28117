package vad

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-100-precent/EchoCore/pkg/config"
)

func loudFrame(n int) []int16 {
	pcm := make([]int16, n)
	for i := range pcm {
		if i%2 == 0 {
			pcm[i] = 4000
		} else {
			pcm[i] = -4000
		}
	}
	return pcm
}

func quietFrame(n int) []int16 {
	pcm := make([]int16, n)
	for i := range pcm {
		pcm[i] = int16(i % 10)
	}
	return pcm
}

func TestEnergyVADRequiresConsecutiveFrames(t *testing.T) {
	v := NewEnergyVAD(config.VADConfig{Threshold: 500, ConsecutiveFrames: 2})

	voiced, err := v.IsVoice("s1", loudFrame(960))
	require.NoError(t, err)
	assert.False(t, voiced, "single loud frame must not trigger")

	voiced, err = v.IsVoice("s1", loudFrame(960))
	require.NoError(t, err)
	assert.True(t, voiced)
}

func TestEnergyVADSilenceResetsStreak(t *testing.T) {
	v := NewEnergyVAD(config.VADConfig{Threshold: 500, ConsecutiveFrames: 2})

	_, _ = v.IsVoice("s1", loudFrame(960))
	voiced, err := v.IsVoice("s1", quietFrame(960))
	require.NoError(t, err)
	assert.False(t, voiced)

	// Streak starts over after silence.
	voiced, _ = v.IsVoice("s1", loudFrame(960))
	assert.False(t, voiced)
}

func TestEnergyVADSessionsIndependent(t *testing.T) {
	v := NewEnergyVAD(config.VADConfig{Threshold: 500, ConsecutiveFrames: 2})

	_, _ = v.IsVoice("s1", loudFrame(960))
	voiced, err := v.IsVoice("s2", loudFrame(960))
	require.NoError(t, err)
	assert.False(t, voiced, "streak must not leak across sessions")
}

func TestEnergyVADReset(t *testing.T) {
	v := NewEnergyVAD(config.VADConfig{Threshold: 500, ConsecutiveFrames: 2})
	_, _ = v.IsVoice("s1", loudFrame(960))
	v.Reset("s1")
	voiced, _ := v.IsVoice("s1", loudFrame(960))
	assert.False(t, voiced)
}

func TestEnergyVADEmptyFrame(t *testing.T) {
	v := NewEnergyVAD(config.VADConfig{})
	voiced, err := v.IsVoice("s1", nil)
	require.NoError(t, err)
	assert.False(t, voiced)
}

func TestFactorySelection(t *testing.T) {
	v, err := New(config.VADConfig{Provider: "energy"})
	require.NoError(t, err)
	assert.IsType(t, &EnergyVAD{}, v)

	_, err = New(config.VADConfig{Provider: "silero"})
	assert.Error(t, err) // missing model path

	_, err = New(config.VADConfig{Provider: "bogus"})
	assert.Error(t, err)
}
