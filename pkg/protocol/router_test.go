package protocol

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-100-precent/EchoCore/pkg/events"
)

func gatewayFrame(timestampMs uint32, payload []byte) []byte {
	data := make([]byte, GatewayHeaderSize+len(payload))
	binary.BigEndian.PutUint32(data[8:12], timestampMs)
	binary.BigEndian.PutUint32(data[12:16], uint32(len(payload)))
	copy(data[GatewayHeaderSize:], payload)
	return data
}

func TestParseGatewayFrame(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03}
	frame, err := ParseGatewayFrame(gatewayFrame(1234, payload))
	require.NoError(t, err)
	assert.Equal(t, uint32(1234), frame.TimestampMs)
	assert.Equal(t, payload, frame.Payload)
}

func TestParseGatewayFrameTooShort(t *testing.T) {
	_, err := ParseGatewayFrame([]byte{0x00, 0x01})
	assert.Error(t, err)
}

func TestParseGatewayFrameLengthMismatchFallsBack(t *testing.T) {
	data := gatewayFrame(0, []byte{0x01, 0x02})
	binary.BigEndian.PutUint32(data[12:16], 99)
	frame, err := ParseGatewayFrame(data)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02}, frame.Payload)
}

func TestParseGatewayFrameDeclaredLengthSelectsPrefix(t *testing.T) {
	data := gatewayFrame(0, []byte{0x01, 0x02, 0x03, 0x04})
	binary.BigEndian.PutUint32(data[12:16], 2)
	frame, err := ParseGatewayFrame(data)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02}, frame.Payload)
}

func TestRouteTextDispatchesByType(t *testing.T) {
	r := NewRouter(events.NewBus())
	var got *TextMessage
	r.HandleText(TypeListen, func(ctx context.Context, sessionID string, msg *TextMessage) error {
		got = msg
		return nil
	})

	r.Route(context.Background(), "s1", websocket.TextMessage,
		[]byte(`{"type":"listen","state":"start","mode":"auto"}`), false)

	require.NotNil(t, got)
	assert.Equal(t, "start", got.String("state"))
	assert.Equal(t, ListenModeAuto, got.String("mode"))
}

func TestRouteTextMalformedJSONDropped(t *testing.T) {
	r := NewRouter(events.NewBus())
	called := false
	r.HandleText(TypeListen, func(ctx context.Context, sessionID string, msg *TextMessage) error {
		called = true
		return nil
	})

	assert.NotPanics(t, func() {
		r.Route(context.Background(), "s1", websocket.TextMessage, []byte(`{"type":`), false)
	})
	assert.False(t, called)
}

func TestRouteTextUnknownTypeIgnored(t *testing.T) {
	r := NewRouter(events.NewBus())
	assert.NotPanics(t, func() {
		r.Route(context.Background(), "s1", websocket.TextMessage, []byte(`{"type":"bogus"}`), false)
	})
}

func TestRouteBinaryDirect(t *testing.T) {
	r := NewRouter(events.NewBus())
	var gotPayload []byte
	var gotTs uint32
	r.HandleAudio(func(ctx context.Context, sessionID string, payload []byte, ts uint32) error {
		gotPayload = payload
		gotTs = ts
		return nil
	})

	opus := []byte{0xAA, 0xBB}
	r.Route(context.Background(), "s1", websocket.BinaryMessage, opus, false)
	assert.Equal(t, opus, gotPayload)
	assert.Zero(t, gotTs)
}

func TestRouteBinaryThroughGateway(t *testing.T) {
	r := NewRouter(events.NewBus())
	var gotPayload []byte
	var gotTs uint32
	r.HandleAudio(func(ctx context.Context, sessionID string, payload []byte, ts uint32) error {
		gotPayload = payload
		gotTs = ts
		return nil
	})

	opus := []byte{0xAA, 0xBB, 0xCC}
	r.Route(context.Background(), "s1", websocket.BinaryMessage, gatewayFrame(5000, opus), true)
	assert.Equal(t, opus, gotPayload)
	assert.Equal(t, uint32(5000), gotTs)
}

// A gateway connection may still deliver bare opus frames shorter than
// the header, and headers whose declared length disagrees with the
// remaining bytes; neither loses audio.
func TestRouteBinaryGatewayTolerance(t *testing.T) {
	r := NewRouter(events.NewBus())
	var frames [][]byte
	r.HandleAudio(func(ctx context.Context, sessionID string, payload []byte, ts uint32) error {
		frames = append(frames, payload)
		return nil
	})

	short := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0A}
	r.Route(context.Background(), "s1", websocket.BinaryMessage, short, true)

	mismatched := gatewayFrame(0, []byte{0xAA, 0xBB})
	binary.BigEndian.PutUint32(mismatched[12:16], 77)
	r.Route(context.Background(), "s1", websocket.BinaryMessage, mismatched, true)

	require.Len(t, frames, 2)
	assert.Equal(t, short, frames[0])
	assert.Equal(t, []byte{0xAA, 0xBB}, frames[1])
}

func TestRouteTextPublishesOnBus(t *testing.T) {
	bus := events.NewBus()
	r := NewRouter(bus)
	var observed []string
	bus.Subscribe(events.TypeTextMessageReceived, func(e events.Event) error {
		observed = append(observed, e.(*events.TextMessageReceived).MsgType)
		return nil
	}, false)
	handled := false
	r.HandleText(TypeAbort, func(ctx context.Context, sessionID string, msg *TextMessage) error {
		handled = true
		return nil
	})

	r.Route(context.Background(), "s1", websocket.TextMessage, []byte(`{"type":"abort"}`), false)

	assert.Equal(t, []string{TypeAbort}, observed)
	assert.True(t, handled)
}

func TestParseHelloDefaults(t *testing.T) {
	msg, err := ParseText([]byte(`{"type":"hello","version":1,"transport":"websocket"}`))
	require.NoError(t, err)
	h := ParseHello(msg)
	assert.Equal(t, "opus", h.AudioFormat)
	assert.Equal(t, 16000, h.SampleRate)
	assert.Equal(t, 1, h.Channels)
	assert.Equal(t, 60, h.FrameMs)
}

func TestParseHelloAudioParams(t *testing.T) {
	msg, err := ParseText([]byte(`{"type":"hello","audio_params":{"format":"opus","sample_rate":24000,"channels":2,"frame_duration":20}}`))
	require.NoError(t, err)
	h := ParseHello(msg)
	assert.Equal(t, 24000, h.SampleRate)
	assert.Equal(t, 2, h.Channels)
	assert.Equal(t, 20, h.FrameMs)
}
