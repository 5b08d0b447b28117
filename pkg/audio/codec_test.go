package audio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(samples int, freq float64, sampleRate int) []int16 {
	out := make([]int16, samples)
	for i := range out {
		out[i] = int16(8000 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return out
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	const sampleRate, channels, frameMs = 16000, 1, 60
	enc, err := NewEncoder(sampleRate, channels, frameMs)
	require.NoError(t, err)
	dec, err := NewDecoder(sampleRate, channels)
	require.NoError(t, err)

	// Two full 60ms frames of a 440Hz tone.
	pcm := sine(2*sampleRate*frameMs/1000, 440, sampleRate)
	frames, err := enc.Encode(pcm)
	require.NoError(t, err)
	require.Len(t, frames, 2)

	for _, frame := range frames {
		decoded, err := dec.Decode(frame)
		require.NoError(t, err)
		assert.Equal(t, sampleRate*frameMs/1000, len(decoded))
	}
}

func TestEncoderBuffersPartialFrames(t *testing.T) {
	enc, err := NewEncoder(16000, 1, 60)
	require.NoError(t, err)

	// Half a frame produces nothing until more arrives.
	half := sine(480, 440, 16000)
	frames, err := enc.Encode(half)
	require.NoError(t, err)
	assert.Empty(t, frames)

	frames, err = enc.Encode(sine(480, 440, 16000))
	require.NoError(t, err)
	assert.Len(t, frames, 1)
}

func TestEncoderFlushPadsTail(t *testing.T) {
	enc, err := NewEncoder(16000, 1, 60)
	require.NoError(t, err)

	_, err = enc.Encode(sine(100, 440, 16000))
	require.NoError(t, err)

	tail, err := enc.Flush()
	require.NoError(t, err)
	assert.NotEmpty(t, tail)

	// Nothing pending after a flush.
	tail, err = enc.Flush()
	require.NoError(t, err)
	assert.Nil(t, tail)
}

func TestPCMByteConversionRoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 1234}
	assert.Equal(t, samples, PCMBytesToInt16(Int16ToPCMBytes(samples)))
}

func TestBuildWAVHeader(t *testing.T) {
	data, err := BuildWAV(sine(1600, 440, 16000), 16000, 1)
	require.NoError(t, err)
	require.Greater(t, len(data), 44)
	assert.Equal(t, "RIFF", string(data[0:4]))
	assert.Equal(t, "WAVE", string(data[8:12]))
}
