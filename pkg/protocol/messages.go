package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cast"
)

// Inbound text message types spoken by xiaozhi-style devices.
const (
	TypeHello  = "hello"
	TypeListen = "listen"
	TypeAbort  = "abort"
	TypeIoT    = "iot"
	TypeMCP    = "mcp"
	TypeServer = "server"
)

// Listen states carried by listen messages.
const (
	ListenStateStart  = "start"
	ListenStateStop   = "stop"
	ListenStateDetect = "detect"
)

// Listen modes. Auto lets server-side VAD decide segment boundaries,
// manual means the device marks start/stop explicitly, realtime keeps the
// microphone open during playback.
const (
	ListenModeAuto     = "auto"
	ListenModeManual   = "manual"
	ListenModeRealtime = "realtime"
)

// TextMessage is an inbound JSON frame after minimal decoding. Raw keeps
// the full payload for handlers that need more than the common fields.
type TextMessage struct {
	Type string
	Raw  map[string]interface{}
}

// ParseText decodes an inbound text frame. Frames without a string "type"
// field are rejected.
func ParseText(data []byte) (*TextMessage, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode text frame: %w", err)
	}
	msgType := cast.ToString(raw["type"])
	if msgType == "" {
		return nil, fmt.Errorf("text frame missing type field")
	}
	return &TextMessage{Type: msgType, Raw: raw}, nil
}

// String returns a string field from the payload, empty when absent.
func (m *TextMessage) String(key string) string {
	return cast.ToString(m.Raw[key])
}

// Bool returns a bool field from the payload.
func (m *TextMessage) Bool(key string) bool {
	return cast.ToBool(m.Raw[key])
}

// Payload returns a nested object field, or nil.
func (m *TextMessage) Payload(key string) map[string]interface{} {
	v, ok := m.Raw[key].(map[string]interface{})
	if !ok {
		return nil
	}
	return v
}

// HelloMessage is the device's opening handshake.
type HelloMessage struct {
	Version     int
	Transport   string
	AudioFormat string
	SampleRate  int
	Channels    int
	FrameMs     int
	Features    map[string]interface{}
}

// ParseHello extracts the handshake fields, applying the protocol defaults
// for anything the device leaves out.
func ParseHello(m *TextMessage) *HelloMessage {
	h := &HelloMessage{
		Version:     cast.ToInt(m.Raw["version"]),
		Transport:   m.String("transport"),
		AudioFormat: "opus",
		SampleRate:  16000,
		Channels:    1,
		FrameMs:     60,
		Features:    m.Payload("features"),
	}
	if params := m.Payload("audio_params"); params != nil {
		if v := cast.ToString(params["format"]); v != "" {
			h.AudioFormat = v
		}
		if v := cast.ToInt(params["sample_rate"]); v > 0 {
			h.SampleRate = v
		}
		if v := cast.ToInt(params["channels"]); v > 0 {
			h.Channels = v
		}
		if v := cast.ToInt(params["frame_duration"]); v > 0 {
			h.FrameMs = v
		}
	}
	return h
}
