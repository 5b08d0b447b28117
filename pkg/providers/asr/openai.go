package asr

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/code-100-precent/EchoCore/pkg/audio"
	"github.com/code-100-precent/EchoCore/pkg/config"
	"github.com/code-100-precent/EchoCore/pkg/logger"
	"github.com/code-100-precent/EchoCore/pkg/metrics"
)

// Whisper transcribes complete speech segments through an
// OpenAI-compatible transcription endpoint.
type Whisper struct {
	client   *openai.Client
	model    string
	language string
	timeout  time.Duration
}

// NewWhisper builds the adapter from configuration.
func NewWhisper(cfg config.ASRConfig, callTimeout time.Duration) *Whisper {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.Whisper1
	}
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &Whisper{
		client:   openai.NewClientWithConfig(clientCfg),
		model:    model,
		language: cfg.Language,
		timeout:  callTimeout,
	}
}

// Transcribe wraps the PCM segment in a WAV container and uploads it.
func (w *Whisper) Transcribe(ctx context.Context, pcm []int16, sampleRate, channels int) (string, error) {
	if len(pcm) == 0 {
		return "", nil
	}
	wavData, err := audio.BuildWAV(pcm, sampleRate, channels)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	start := time.Now()
	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: "segment.wav",
		Reader:   bytes.NewReader(wavData),
		Language: w.language,
	})
	if err != nil {
		metrics.ProviderErrors.WithLabelValues("asr").Inc()
		return "", fmt.Errorf("transcription request: %w", err)
	}

	text := strings.TrimSpace(resp.Text)
	logger.Debug("segment transcribed",
		zap.Int("samples", len(pcm)),
		zap.Duration("took", time.Since(start)),
		zap.String("text", text))
	return text, nil
}
