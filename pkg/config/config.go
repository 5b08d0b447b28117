package config

import (
	"log"
	"os"
	"time"

	"github.com/code-100-precent/EchoCore/pkg/cache"
	"github.com/code-100-precent/EchoCore/pkg/logger"
	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

// Config is the process-wide configuration root.
type Config struct {
	Server ServerConfig
	Log    logger.LogConfig
	Cache  cache.Config
	Agent  AgentSourceConfig
	LLM    LLMConfig
	ASR    ASRConfig
	TTS    TTSConfig
	VAD    VADConfig
	Engine EngineConfig
}

// ServerConfig holds the listener setup.
type ServerConfig struct {
	Addr          string `env:"ADDR"`
	Mode          string `env:"MODE"`
	WebSocketPath string `env:"WS_PATH"`
	MetricsPath   string `env:"METRICS_PATH"`
	AuthToken     string `env:"AUTH_TOKEN"`
}

// AgentSourceConfig controls where agent configurations are loaded from.
type AgentSourceConfig struct {
	Source   string        `env:"AGENT_SOURCE"` // static | http
	BaseURL  string        `env:"AGENT_BASE_URL"`
	APIKey   string        `env:"AGENT_API_KEY"`
	CacheTTL time.Duration `env:"AGENT_CACHE_TTL"`
}

// LLMConfig holds OpenAI-compatible LLM settings.
type LLMConfig struct {
	APIKey    string `env:"LLM_API_KEY"`
	BaseURL   string `env:"LLM_BASE_URL"`
	Model     string `env:"LLM_MODEL"`
	MaxTokens int    `env:"LLM_MAX_TOKENS"`
}

// ASRConfig holds speech recognition settings.
type ASRConfig struct {
	APIKey       string `env:"ASR_API_KEY"`
	BaseURL      string `env:"ASR_BASE_URL"`
	Model        string `env:"ASR_MODEL"`
	Language     string `env:"ASR_LANGUAGE"`
	EmitPartials bool   `env:"ASR_EMIT_PARTIALS"`
}

// TTSConfig holds speech synthesis settings.
type TTSConfig struct {
	APIKey  string `env:"TTS_API_KEY"`
	BaseURL string `env:"TTS_BASE_URL"`
	Model   string `env:"TTS_MODEL"`
	Voice   string `env:"TTS_VOICE"`
}

// VADConfig holds voice activity detection settings.
type VADConfig struct {
	Provider          string  `env:"VAD_PROVIDER"` // energy | silero
	ModelPath         string  `env:"VAD_MODEL_PATH"`
	Threshold         float64 `env:"VAD_THRESHOLD"`
	ConsecutiveFrames int     `env:"VAD_CONSECUTIVE_FRAMES"`
	SilenceMs         int     `env:"VAD_SILENCE_MS"`
	MaxSegmentMs      int     `env:"VAD_MAX_SEGMENT_MS"`
}

// EngineConfig holds the per-session pipeline tunables.
type EngineConfig struct {
	SampleRate         int           `env:"AUDIO_SAMPLE_RATE"`
	Channels           int           `env:"AUDIO_CHANNELS"`
	FrameDurationMs    int           `env:"AUDIO_FRAME_DURATION_MS"`
	MaxRecursionDepth  int           `env:"DIALOGUE_MAX_DEPTH"`
	InactivityTimeout  time.Duration `env:"SESSION_INACTIVITY_TIMEOUT"`
	MonitorTick        time.Duration `env:"SESSION_MONITOR_TICK"`
	WakeCooldown       time.Duration `env:"WAKE_COOLDOWN"`
	MemoryMode         string        `env:"MEMORY_MODE"` // nomem | cache
	IntentMode         string        `env:"INTENT_MODE"` // nointent | intent_llm | function_call
	ExitCommands       []string      `env:"EXIT_COMMANDS"`
	WakeupWords        []string      `env:"WAKEUP_WORDS"`
	Greeting           string        `env:"GREETING"`
	SystemPrompt       string        `env:"SYSTEM_PROMPT"`
	MusicDir           string        `env:"MUSIC_DIR"`
	ProviderCallLimit  time.Duration `env:"PROVIDER_CALL_TIMEOUT"`
	ProviderDialLimit  time.Duration `env:"PROVIDER_DIAL_TIMEOUT"`
}

var GlobalConfig *Config

// Load reads .env (if present) and assembles the global configuration.
func Load() error {
	if err := godotenv.Load(); err != nil {
		log.Printf("note: .env not loaded: %v (using environment and defaults)", err)
	}

	GlobalConfig = &Config{
		Server: ServerConfig{
			Addr:          getString("ADDR", ":8000"),
			Mode:          getString("MODE", "development"),
			WebSocketPath: getString("WS_PATH", "/xiaozhi/v1/"),
			MetricsPath:   getString("METRICS_PATH", "/metrics"),
			AuthToken:     getString("AUTH_TOKEN", ""),
		},
		Log: logger.LogConfig{
			Level:      getString("LOG_LEVEL", "info"),
			Filename:   getString("LOG_FILENAME", "./logs/echocore.log"),
			MaxSize:    getInt("LOG_MAX_SIZE", 100),
			MaxAge:     getInt("LOG_MAX_AGE", 30),
			MaxBackups: getInt("LOG_MAX_BACKUPS", 5),
			Daily:      getBool("LOG_DAILY", true),
		},
		Cache: cache.Config{
			Type: getString("CACHE_TYPE", "local"),
			Local: cache.LocalConfig{
				DefaultExpiration: getDuration("CACHE_LOCAL_EXPIRATION", 30*time.Minute),
				CleanupInterval:   getDuration("CACHE_LOCAL_CLEANUP", 10*time.Minute),
			},
			Redis: cache.RedisConfig{
				Addr:        getString("REDIS_ADDR", "localhost:6379"),
				Password:    getString("REDIS_PASSWORD", ""),
				DB:          getInt("REDIS_DB", 0),
				PoolSize:    getInt("REDIS_POOL_SIZE", 10),
				DialTimeout: getDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
				ReadTimeout: getDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			},
		},
		Agent: AgentSourceConfig{
			Source:   getString("AGENT_SOURCE", "static"),
			BaseURL:  getString("AGENT_BASE_URL", ""),
			APIKey:   getString("AGENT_API_KEY", ""),
			CacheTTL: getDuration("AGENT_CACHE_TTL", 5*time.Minute),
		},
		LLM: LLMConfig{
			APIKey:    getString("LLM_API_KEY", ""),
			BaseURL:   getString("LLM_BASE_URL", "https://api.openai.com/v1"),
			Model:     getString("LLM_MODEL", "gpt-4o-mini"),
			MaxTokens: getInt("LLM_MAX_TOKENS", 500),
		},
		ASR: ASRConfig{
			APIKey:       getString("ASR_API_KEY", os.Getenv("LLM_API_KEY")),
			BaseURL:      getString("ASR_BASE_URL", "https://api.openai.com/v1"),
			Model:        getString("ASR_MODEL", "whisper-1"),
			Language:     getString("ASR_LANGUAGE", "en"),
			EmitPartials: getBool("ASR_EMIT_PARTIALS", false),
		},
		TTS: TTSConfig{
			APIKey:  getString("TTS_API_KEY", os.Getenv("LLM_API_KEY")),
			BaseURL: getString("TTS_BASE_URL", "https://api.openai.com/v1"),
			Model:   getString("TTS_MODEL", "tts-1"),
			Voice:   getString("TTS_VOICE", "alloy"),
		},
		VAD: VADConfig{
			Provider:          getString("VAD_PROVIDER", "energy"),
			ModelPath:         getString("VAD_MODEL_PATH", ""),
			Threshold:         getFloat("VAD_THRESHOLD", 500),
			ConsecutiveFrames: getInt("VAD_CONSECUTIVE_FRAMES", 2),
			SilenceMs:         getInt("VAD_SILENCE_MS", 700),
			MaxSegmentMs:      getInt("VAD_MAX_SEGMENT_MS", 15000),
		},
		Engine: EngineConfig{
			SampleRate:        getInt("AUDIO_SAMPLE_RATE", 16000),
			Channels:          getInt("AUDIO_CHANNELS", 1),
			FrameDurationMs:   getInt("AUDIO_FRAME_DURATION_MS", 60),
			MaxRecursionDepth: getInt("DIALOGUE_MAX_DEPTH", 5),
			InactivityTimeout: getDuration("SESSION_INACTIVITY_TIMEOUT", 120*time.Second),
			MonitorTick:       getDuration("SESSION_MONITOR_TICK", 10*time.Second),
			WakeCooldown:      getDuration("WAKE_COOLDOWN", 2*time.Second),
			MemoryMode:        getString("MEMORY_MODE", "cache"),
			IntentMode:        getString("INTENT_MODE", "function_call"),
			ExitCommands:      getStringSlice("EXIT_COMMANDS", []string{"exit", "goodbye", "quit"}),
			WakeupWords:       getStringSlice("WAKEUP_WORDS", nil),
			Greeting:          getString("GREETING", "Hello, how can I help you?"),
			SystemPrompt:      getString("SYSTEM_PROMPT", "You are a friendly voice assistant. Keep answers short and conversational."),
			MusicDir:          getString("MUSIC_DIR", "./assets/music"),
			ProviderCallLimit: getDuration("PROVIDER_CALL_TIMEOUT", 30*time.Second),
			ProviderDialLimit: getDuration("PROVIDER_DIAL_TIMEOUT", 10*time.Second),
		},
	}
	return nil
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		return cast.ToInt(v)
	}
	return def
}

func getBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return cast.ToBool(v)
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		return cast.ToFloat64(v)
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		return time.Duration(cast.ToInt64(v)) * time.Second
	}
	return def
}

func getStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		return cast.ToStringSlice(v)
	}
	return def
}
