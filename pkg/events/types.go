package events

import (
	"context"
	"time"
)

// Event type discriminators.
const (
	TypeSessionCreated        = "session.created"
	TypeSessionDestroying     = "session.destroying"
	TypeSessionCloseRequested = "session.close_requested"
	TypeAudioDataReceived     = "message.audio"
	TypeTextMessageReceived   = "message.text"
	TypeSpeechDetected        = "vad.speech_start"
	TypeSpeechEnded           = "vad.speech_end"
	TypeTextRecognized        = "asr.transcript"
	TypeAbortRequested        = "client.abort"
	TypeTTSStarted            = "tts.started"
	TypeTTSFinished           = "tts.finished"
	TypeToolCallRequested     = "tool.requested"
	TypeToolCallCompleted     = "tool.completed"
	TypeErrorOccurred         = "engine.error"
)

// Event is implemented by every message crossing the bus. Handlers receive
// the concrete struct and type-assert on it.
type Event interface {
	Type() string
	Session() string
}

// Base carries the fields shared by all events.
type Base struct {
	SessionID string
	Timestamp time.Time
}

func (b Base) Session() string { return b.SessionID }

// NewBase stamps an event with the session id and the current time.
func NewBase(sessionID string) Base {
	return Base{SessionID: sessionID, Timestamp: time.Now()}
}

type SessionCreated struct {
	Base
	DeviceID string
	ClientIP string
}

func (SessionCreated) Type() string { return TypeSessionCreated }

type SessionDestroying struct {
	Base
	Reason string
}

func (SessionDestroying) Type() string { return TypeSessionDestroying }

// SessionCloseRequested asks for a graceful close after pending TTS output
// has drained, e.g. when the user says goodbye.
type SessionCloseRequested struct {
	Base
	Reason string
}

func (SessionCloseRequested) Type() string { return TypeSessionCloseRequested }

// AudioDataReceived carries one audio frame. GatewayTimestamp is only set
// for frames that arrived through the MQTT gateway header.
type AudioDataReceived struct {
	Base
	Data             []byte
	GatewayTimestamp int64
}

func (AudioDataReceived) Type() string { return TypeAudioDataReceived }

// TextMessageReceived carries one parsed inbound text frame, published
// before per-type dispatch. Message holds a *protocol.TextMessage; the
// router keeps it untyped so this package stays protocol-agnostic. Ctx
// is the read loop's context, so dispatched handlers still observe
// session cancellation.
type TextMessageReceived struct {
	Base
	MsgType string
	Message any
	Ctx     context.Context
}

func (TextMessageReceived) Type() string { return TypeTextMessageReceived }

type SpeechDetected struct {
	Base
}

func (SpeechDetected) Type() string { return TypeSpeechDetected }

type SpeechEnded struct {
	Base
}

func (SpeechEnded) Type() string { return TypeSpeechEnded }

// TextRecognized is a recognition result. Downstream must not act on
// non-final text.
type TextRecognized struct {
	Base
	Text    string
	IsFinal bool
}

func (TextRecognized) Type() string { return TypeTextRecognized }

type AbortRequested struct {
	Base
	Reason string
}

func (AbortRequested) Type() string { return TypeAbortRequested }

type TTSStarted struct {
	Base
	SentenceID int64
}

func (TTSStarted) Type() string { return TypeTTSStarted }

type TTSFinished struct {
	Base
	SentenceID int64
}

func (TTSFinished) Type() string { return TypeTTSFinished }

type ToolCallRequested struct {
	Base
	ToolName   string
	Arguments  string // raw JSON
	ToolCallID string
}

func (ToolCallRequested) Type() string { return TypeToolCallRequested }

type ToolCallCompleted struct {
	Base
	ToolCallID string
	Result     string
	Err        string
}

func (ToolCallCompleted) Type() string { return TypeToolCallCompleted }

type ErrorOccurred struct {
	Base
	Stage   string
	Message string
}

func (ErrorOccurred) Type() string { return TypeErrorOccurred }
