package audio

import (
	"encoding/binary"
	"fmt"

	"github.com/hraban/opus"
)

// maxFrameSamples covers a 120ms opus frame at 48kHz mono, the largest the
// codec can produce.
const maxFrameSamples = 5760

// Decoder turns inbound opus frames into 16-bit PCM.
type Decoder struct {
	dec      *opus.Decoder
	channels int
	buf      []int16
}

// NewDecoder creates a decoder for the negotiated stream parameters.
func NewDecoder(sampleRate, channels int) (*Decoder, error) {
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	return &Decoder{
		dec:      dec,
		channels: channels,
		buf:      make([]int16, maxFrameSamples*channels),
	}, nil
}

// Decode returns the PCM samples of one opus frame. The returned slice is
// valid until the next call.
func (d *Decoder) Decode(frame []byte) ([]int16, error) {
	n, err := d.dec.Decode(frame, d.buf)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	return d.buf[:n*d.channels], nil
}

// Encoder turns PCM into opus frames of a fixed duration.
type Encoder struct {
	enc        *opus.Encoder
	frameSize  int // samples per channel per frame
	channels   int
	packetBuf  []byte
	pendingPCM []int16
}

// NewEncoder creates a voice-tuned encoder producing frames of frameMs.
func NewEncoder(sampleRate, channels, frameMs int) (*Encoder, error) {
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	if err := enc.SetBitrate(64000); err != nil {
		return nil, fmt.Errorf("set opus bitrate: %w", err)
	}
	return &Encoder{
		enc:       enc,
		frameSize: sampleRate * frameMs / 1000,
		channels:  channels,
		packetBuf: make([]byte, 4000),
	}, nil
}

// Encode appends pcm to the pending buffer and returns every complete
// frame it can produce. Call Flush at the end of a synthesis to drain the
// padded tail.
func (e *Encoder) Encode(pcm []int16) ([][]byte, error) {
	e.pendingPCM = append(e.pendingPCM, pcm...)
	samplesPerFrame := e.frameSize * e.channels

	var frames [][]byte
	for len(e.pendingPCM) >= samplesPerFrame {
		chunk := e.pendingPCM[:samplesPerFrame]
		n, err := e.enc.Encode(chunk, e.packetBuf)
		if err != nil {
			return nil, fmt.Errorf("opus encode: %w", err)
		}
		frame := make([]byte, n)
		copy(frame, e.packetBuf[:n])
		frames = append(frames, frame)
		e.pendingPCM = e.pendingPCM[samplesPerFrame:]
	}
	return frames, nil
}

// Flush pads and encodes any remaining samples, returning the final frame
// if one was produced.
func (e *Encoder) Flush() ([]byte, error) {
	if len(e.pendingPCM) == 0 {
		return nil, nil
	}
	samplesPerFrame := e.frameSize * e.channels
	chunk := make([]int16, samplesPerFrame)
	copy(chunk, e.pendingPCM)
	e.pendingPCM = e.pendingPCM[:0]

	n, err := e.enc.Encode(chunk, e.packetBuf)
	if err != nil {
		return nil, fmt.Errorf("opus encode tail: %w", err)
	}
	frame := make([]byte, n)
	copy(frame, e.packetBuf[:n])
	return frame, nil
}

// ResamplePCM converts mono PCM between sample rates by linear
// interpolation. Good enough for speech; the device applies its own
// smoothing.
func ResamplePCM(pcm []int16, from, to int) []int16 {
	if from == to || len(pcm) == 0 {
		return pcm
	}
	outLen := int(int64(len(pcm)) * int64(to) / int64(from))
	out := make([]int16, outLen)
	for i := range out {
		pos := float64(i) * float64(from) / float64(to)
		idx := int(pos)
		if idx >= len(pcm)-1 {
			out[i] = pcm[len(pcm)-1]
			continue
		}
		frac := pos - float64(idx)
		out[i] = int16(float64(pcm[idx])*(1-frac) + float64(pcm[idx+1])*frac)
	}
	return out
}

// PCMBytesToInt16 converts little-endian sample bytes to int16 samples.
func PCMBytesToInt16(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

// Int16ToPCMBytes converts int16 samples to little-endian bytes.
func Int16ToPCMBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}
