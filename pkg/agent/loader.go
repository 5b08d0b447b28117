package agent

import (
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/code-100-precent/EchoCore/pkg/config"
	"github.com/code-100-precent/EchoCore/pkg/logger"
)

// StaticLoader returns the same default configuration for every device.
type StaticLoader struct {
	cfg *Config
}

// NewStaticLoader builds a loader around the process defaults.
func NewStaticLoader(cfg *config.Config) *StaticLoader {
	return &StaticLoader{cfg: Defaults(cfg)}
}

// Load returns the shared default config.
func (l *StaticLoader) Load(deviceID, clientID string) (*Config, error) {
	return l.cfg, nil
}

// HTTPLoader fetches per-device agent configuration from a management
// service, with a short-lived cache so reconnect storms do not hammer it.
type HTTPLoader struct {
	client   *resty.Client
	cache    *gocache.Cache
	fallback *Config
}

// NewHTTPLoader builds a loader against the configured agent service.
func NewHTTPLoader(cfg *config.Config) *HTTPLoader {
	ttl := cfg.Agent.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	client := resty.New().
		SetBaseURL(cfg.Agent.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	if cfg.Agent.APIKey != "" {
		client.SetAuthToken(cfg.Agent.APIKey)
	}
	return &HTTPLoader{
		client:   client,
		cache:    gocache.New(ttl, 2*ttl),
		fallback: Defaults(cfg),
	}
}

// Load fetches the device's agent config, serving from cache when fresh.
// On any fetch error the process defaults are returned so a management
// outage never blocks device connections.
func (l *HTTPLoader) Load(deviceID, clientID string) (*Config, error) {
	key := deviceID + "|" + clientID
	if v, ok := l.cache.Get(key); ok {
		return v.(*Config), nil
	}

	var result Config
	resp, err := l.client.R().
		SetQueryParam("device_id", deviceID).
		SetQueryParam("client_id", clientID).
		SetResult(&result).
		Get("/api/agent/config")
	if err != nil {
		logger.Warn("agent config fetch failed, using defaults",
			zap.String("device", deviceID),
			zap.Error(err))
		return l.fallback, nil
	}
	if resp.IsError() {
		logger.Warn("agent config fetch rejected, using defaults",
			zap.String("device", deviceID),
			zap.Int("status", resp.StatusCode()))
		return l.fallback, nil
	}

	merged := l.merge(&result)
	l.cache.SetDefault(key, merged)
	return merged, nil
}

// merge fills unset fields from the defaults so partial server responses
// stay usable.
func (l *HTTPLoader) merge(c *Config) *Config {
	out := *c
	if out.Name == "" {
		out.Name = l.fallback.Name
	}
	if out.SystemPrompt == "" {
		out.SystemPrompt = l.fallback.SystemPrompt
	}
	if out.Greeting == "" {
		out.Greeting = l.fallback.Greeting
	}
	if out.Voice == "" {
		out.Voice = l.fallback.Voice
	}
	if out.VADProvider == "" {
		out.VADProvider = l.fallback.VADProvider
	}
	if out.ASRProvider == "" {
		out.ASRProvider = l.fallback.ASRProvider
	}
	if out.LLMProvider == "" {
		out.LLMProvider = l.fallback.LLMProvider
	}
	if out.TTSProvider == "" {
		out.TTSProvider = l.fallback.TTSProvider
	}
	if out.MemoryMode == "" {
		out.MemoryMode = l.fallback.MemoryMode
	}
	if out.IntentMode == "" {
		out.IntentMode = l.fallback.IntentMode
	}
	if len(out.ExitCommands) == 0 {
		out.ExitCommands = l.fallback.ExitCommands
	}
	if len(out.WakeupWords) == 0 {
		out.WakeupWords = l.fallback.WakeupWords
	}
	return &out
}

// NewLoader picks static or http based on configuration.
func NewLoader(cfg *config.Config) (Loader, error) {
	switch cfg.Agent.Source {
	case "", "static":
		return NewStaticLoader(cfg), nil
	case "http":
		if cfg.Agent.BaseURL == "" {
			return nil, fmt.Errorf("agent source http requires AGENT_BASE_URL")
		}
		return NewHTTPLoader(cfg), nil
	default:
		return nil, fmt.Errorf("unknown agent source %q", cfg.Agent.Source)
	}
}
