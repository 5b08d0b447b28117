package protocol

import "encoding/json"

// TTS playback states sent to the device.
const (
	TTSStateStart         = "start"
	TTSStateStop          = "stop"
	TTSStateSentenceStart = "sentence_start"
	TTSStateSentenceEnd   = "sentence_end"
)

// HelloReply builds the server half of the handshake. The session id minted
// here is echoed by the device on every later frame.
func HelloReply(sessionID string, sampleRate, channels, frameMs int) map[string]interface{} {
	return map[string]interface{}{
		"type":       TypeHello,
		"version":    1,
		"transport":  "websocket",
		"session_id": sessionID,
		"audio_params": map[string]interface{}{
			"format":         "opus",
			"sample_rate":    sampleRate,
			"channels":       channels,
			"frame_duration": frameMs,
		},
	}
}

// STTMessage echoes a recognized transcript back to the device.
func STTMessage(sessionID, text string) map[string]interface{} {
	return map[string]interface{}{
		"type":       "stt",
		"text":       text,
		"session_id": sessionID,
	}
}

// TTSMessage reports playback state. Text is included for the
// sentence_start state so the device can display captions.
func TTSMessage(sessionID, state, text string) map[string]interface{} {
	msg := map[string]interface{}{
		"type":       "tts",
		"state":      state,
		"session_id": sessionID,
	}
	if text != "" {
		msg["text"] = text
	}
	return msg
}

// LLMMessage carries an emotion hint for the device's face display.
func LLMMessage(sessionID, emotion, text string) map[string]interface{} {
	return map[string]interface{}{
		"type":       "llm",
		"text":       text,
		"emotion":    emotion,
		"session_id": sessionID,
	}
}

// MCPEnvelope wraps a JSON-RPC payload for the device's embedded MCP
// server.
func MCPEnvelope(sessionID string, payload json.RawMessage) map[string]interface{} {
	return map[string]interface{}{
		"type":       TypeMCP,
		"payload":    payload,
		"session_id": sessionID,
	}
}

// SystemMessage instructs the device, e.g. {"type":"system","command":"reboot"}.
func SystemMessage(sessionID, command string) map[string]interface{} {
	return map[string]interface{}{
		"type":       "system",
		"command":    command,
		"session_id": sessionID,
	}
}
