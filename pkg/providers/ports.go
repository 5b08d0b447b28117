// Package providers defines the ports the dialogue engine speaks to.
// Concrete adapters live in the subpackages and are registered with the DI
// container under their stage name.
package providers

import "context"

// Service names used as DI registration keys.
const (
	ServiceVAD    = "vad"
	ServiceASR    = "asr"
	ServiceLLM    = "llm"
	ServiceTTS    = "tts"
	ServiceMemory = "memory"
	ServiceIntent = "intent"
)

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatMessage is the provider-neutral conversation message.
type ChatMessage struct {
	Role       string
	Content    string
	ToolCallID string
	ToolCalls  []ToolCall
}

// ToolCall is an LLM-requested function invocation.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON
}

// ToolSpec describes a callable function exposed to the LLM.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]interface{} // JSON schema
}

// Chunk is one increment of a streaming LLM response. ToolCalls is only
// populated on the final chunk of a tool-calling response.
type Chunk struct {
	Content   string
	ToolCalls []ToolCall
	Err       error
}

// VAD decides whether an audio frame contains speech. Implementations keep
// per-session state keyed by session id and must be safe for concurrent
// sessions.
type VAD interface {
	IsVoice(sessionID string, pcm []int16) (bool, error)
	Reset(sessionID string)
	Close() error
}

// ASR transcribes a complete speech segment.
type ASR interface {
	Transcribe(ctx context.Context, pcm []int16, sampleRate, channels int) (string, error)
}

// LLM streams a chat completion. The returned channel is closed when the
// response ends; a Chunk with Err set terminates the stream early.
type LLM interface {
	ChatStream(ctx context.Context, messages []ChatMessage, tools []ToolSpec) (<-chan Chunk, error)
}

// TTS synthesizes text into PCM at the requested sample rate.
type TTS interface {
	Synthesize(ctx context.Context, text string, sampleRate int) ([]int16, error)
}

// Memory persists and recalls conversation knowledge across sessions.
type Memory interface {
	Query(ctx context.Context, deviceID, query string) (string, error)
	Summarize(ctx context.Context, deviceID string, dialogue []ChatMessage) error
}

// IntentResult is a recognized function-call intent. A nil result means the
// utterance should go to normal chat.
type IntentResult struct {
	FunctionName string
	Arguments    string // raw JSON
}

// Intent recognizes actionable intents in transcribed text.
type Intent interface {
	Detect(ctx context.Context, text string, history []ChatMessage) (*IntentResult, error)
}
