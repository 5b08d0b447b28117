package agent

import (
	"github.com/code-100-precent/EchoCore/pkg/config"
)

// Config selects the providers and persona for one session. Immutable once
// the session is created; swapping a provider mid-session goes through the
// DI container instead.
type Config struct {
	Name         string `json:"name"`
	SystemPrompt string `json:"system_prompt"`
	Greeting     string `json:"greeting"`
	Voice        string `json:"voice"`

	// Provider selectors per stage.
	VADProvider    string `json:"vad_provider"`
	ASRProvider    string `json:"asr_provider"`
	LLMProvider    string `json:"llm_provider"`
	TTSProvider    string `json:"tts_provider"`
	MemoryMode     string `json:"memory_mode"`
	IntentMode     string `json:"intent_mode"`

	// Streaming knobs.
	ASREmitPartials bool `json:"asr_emit_partials"`

	ExitCommands []string `json:"exit_commands"`
	WakeupWords  []string `json:"wakeup_words"`
}

// Loader resolves the agent configuration for a connecting device.
type Loader interface {
	Load(deviceID, clientID string) (*Config, error)
}

// Defaults builds a config from the process-wide settings. Used when no
// remote agent service is configured.
func Defaults(cfg *config.Config) *Config {
	return &Config{
		Name:            "default",
		SystemPrompt:    cfg.Engine.SystemPrompt,
		Greeting:        cfg.Engine.Greeting,
		Voice:           cfg.TTS.Voice,
		VADProvider:     cfg.VAD.Provider,
		ASRProvider:     "openai",
		LLMProvider:     "openai",
		TTSProvider:     "openai",
		MemoryMode:      cfg.Engine.MemoryMode,
		IntentMode:      cfg.Engine.IntentMode,
		ASREmitPartials: cfg.ASR.EmitPartials,
		ExitCommands:    cfg.Engine.ExitCommands,
		WakeupWords:     cfg.Engine.WakeupWords,
	}
}

// IsExitCommand reports whether the recognized text is a configured exit
// phrase.
func (c *Config) IsExitCommand(text string) bool {
	for _, cmd := range c.ExitCommands {
		if text == cmd {
			return true
		}
	}
	return false
}

// IsWakeupWord reports whether the recognized text is a wake phrase that
// should be swallowed rather than sent to the LLM.
func (c *Config) IsWakeupWord(text string) bool {
	for _, w := range c.WakeupWords {
		if text == w {
			return true
		}
	}
	return false
}
