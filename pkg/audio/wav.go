package audio

import (
	"bytes"
	"fmt"

	wav "github.com/youpy/go-wav"
)

// BuildWAV wraps raw PCM samples in a RIFF/WAVE container, which is what
// batch transcription endpoints expect for uploads.
func BuildWAV(samples []int16, sampleRate, channels int) ([]byte, error) {
	var buf bytes.Buffer
	numSamples := uint32(len(samples) / channels)
	w := wav.NewWriter(&buf, numSamples, uint16(channels), uint32(sampleRate), 16)
	if _, err := w.Write(Int16ToPCMBytes(samples)); err != nil {
		return nil, fmt.Errorf("write wav samples: %w", err)
	}
	return buf.Bytes(), nil
}
