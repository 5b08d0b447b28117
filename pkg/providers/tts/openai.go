package tts

import (
	"context"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/code-100-precent/EchoCore/pkg/audio"
	"github.com/code-100-precent/EchoCore/pkg/config"
	"github.com/code-100-precent/EchoCore/pkg/logger"
	"github.com/code-100-precent/EchoCore/pkg/metrics"
)

// openaiPCMRate is the fixed sample rate of the endpoint's raw PCM output.
const openaiPCMRate = 24000

// OpenAI synthesizes speech through an OpenAI-compatible endpoint and
// resamples the result to the device rate.
type OpenAI struct {
	client  *openai.Client
	model   string
	voice   string
	timeout time.Duration
}

// NewOpenAI builds the adapter. voice overrides the configured default when
// non-empty, letting agents pick their own voice.
func NewOpenAI(cfg config.TTSConfig, voice string, callTimeout time.Duration) *OpenAI {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = string(openai.TTSModel1)
	}
	if voice == "" {
		voice = cfg.Voice
	}
	if voice == "" {
		voice = string(openai.VoiceAlloy)
	}
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &OpenAI{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   model,
		voice:   voice,
		timeout: callTimeout,
	}
}

// Voice returns the active voice id.
func (o *OpenAI) Voice() string {
	return o.voice
}

// Synthesize returns PCM at sampleRate for the given text.
func (o *OpenAI) Synthesize(ctx context.Context, text string, sampleRate int) ([]int16, error) {
	if text == "" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	start := time.Now()
	resp, err := o.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(o.model),
		Input:          text,
		Voice:          openai.SpeechVoice(o.voice),
		ResponseFormat: openai.SpeechResponseFormatPcm,
	})
	if err != nil {
		metrics.ProviderErrors.WithLabelValues("tts").Inc()
		return nil, fmt.Errorf("speech request: %w", err)
	}
	defer resp.Close()

	raw, err := io.ReadAll(resp)
	if err != nil {
		metrics.ProviderErrors.WithLabelValues("tts").Inc()
		return nil, fmt.Errorf("read speech response: %w", err)
	}

	pcm := audio.PCMBytesToInt16(raw)
	if sampleRate != openaiPCMRate {
		pcm = audio.ResamplePCM(pcm, openaiPCMRate, sampleRate)
	}
	logger.Debug("text synthesized",
		zap.Int("chars", len(text)),
		zap.Int("samples", len(pcm)),
		zap.Duration("took", time.Since(start)))
	return pcm, nil
}
