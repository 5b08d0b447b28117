package llm

import (
	"context"
	"errors"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/code-100-precent/EchoCore/pkg/config"
	"github.com/code-100-precent/EchoCore/pkg/logger"
	"github.com/code-100-precent/EchoCore/pkg/metrics"
	"github.com/code-100-precent/EchoCore/pkg/providers"
)

// OpenAI streams chat completions from an OpenAI-compatible endpoint.
type OpenAI struct {
	client    *openai.Client
	model     string
	maxTokens int
}

// NewOpenAI builds the adapter from configuration.
func NewOpenAI(cfg config.LLMConfig) *OpenAI {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAI{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     model,
		maxTokens: cfg.MaxTokens,
	}
}

// ChatStream starts a streaming completion. Text deltas are forwarded as
// they arrive; tool call fragments are assembled by index and delivered in
// one final chunk when the stream ends.
func (o *OpenAI) ChatStream(ctx context.Context, messages []providers.ChatMessage, tools []providers.ToolSpec) (<-chan providers.Chunk, error) {
	req := openai.ChatCompletionRequest{
		Model:     o.model,
		Messages:  toOpenAIMessages(messages),
		MaxTokens: o.maxTokens,
		Stream:    true,
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	stream, err := o.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		metrics.ProviderErrors.WithLabelValues("llm").Inc()
		return nil, err
	}

	out := make(chan providers.Chunk, 16)
	go func() {
		defer close(out)
		defer stream.Close()
		start := time.Now()

		// Tool call fragments arrive interleaved, keyed by index.
		pending := map[int]*providers.ToolCall{}
		maxIndex := -1

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				if ctx.Err() == nil {
					metrics.ProviderErrors.WithLabelValues("llm").Inc()
					out <- providers.Chunk{Err: err}
				}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta

			if delta.Content != "" {
				select {
				case out <- providers.Chunk{Content: delta.Content}:
				case <-ctx.Done():
					return
				}
			}
			for _, tc := range delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				call, ok := pending[idx]
				if !ok {
					call = &providers.ToolCall{}
					pending[idx] = call
					if idx > maxIndex {
						maxIndex = idx
					}
				}
				if tc.ID != "" {
					call.ID = tc.ID
				}
				if tc.Function.Name != "" {
					call.Name = tc.Function.Name
				}
				call.Arguments += tc.Function.Arguments
			}
		}

		if maxIndex >= 0 {
			calls := make([]providers.ToolCall, 0, maxIndex+1)
			for i := 0; i <= maxIndex; i++ {
				if call, ok := pending[i]; ok {
					calls = append(calls, *call)
				}
			}
			select {
			case out <- providers.Chunk{ToolCalls: calls}:
			case <-ctx.Done():
				return
			}
		}
		logger.Debug("llm stream finished",
			zap.Duration("took", time.Since(start)),
			zap.Int("tool_calls", maxIndex+1))
	}()
	return out, nil
}

func toOpenAIMessages(messages []providers.ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, msg)
	}
	return out
}
