package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/code-100-precent/EchoCore/pkg/logger"
	"github.com/code-100-precent/EchoCore/pkg/providers"
)

// Noop never recognizes an intent; everything goes to chat.
type Noop struct{}

func NewNoop() *Noop { return &Noop{} }

func (n *Noop) Detect(ctx context.Context, text string, history []providers.ChatMessage) (*providers.IntentResult, error) {
	return nil, nil
}

// LLMIntent asks a model to classify the utterance against the available
// functions. Used when the main chat model cannot do native tool calling.
type LLMIntent struct {
	llm   providers.LLM
	tools func() []providers.ToolSpec
}

// NewLLMIntent builds the classifier. tools is called per detection so a
// session's tool set can grow after MCP discovery.
func NewLLMIntent(llm providers.LLM, tools func() []providers.ToolSpec) *LLMIntent {
	return &LLMIntent{llm: llm, tools: tools}
}

const intentPromptHeader = `You classify a user's utterance. If it matches one of the functions below, reply with exactly one JSON object:
{"function_call": {"name": "<function name>", "arguments": {...}}}
If none match, reply with exactly:
{"intent": "continue_chat"}
Reply with JSON only, no prose.

Functions:
`

// Detect runs the classification and parses the JSON verdict. Any parse
// failure falls back to continue-chat rather than failing the turn.
func (l *LLMIntent) Detect(ctx context.Context, text string, history []providers.ChatMessage) (*providers.IntentResult, error) {
	specs := l.tools()
	if len(specs) == 0 {
		return nil, nil
	}

	var prompt strings.Builder
	prompt.WriteString(intentPromptHeader)
	for _, t := range specs {
		fmt.Fprintf(&prompt, "- %s: %s\n", t.Name, t.Description)
	}

	messages := []providers.ChatMessage{{Role: providers.RoleSystem, Content: prompt.String()}}
	// A few turns of context help with pronouns ("play it again").
	start := len(history) - 4
	if start < 0 {
		start = 0
	}
	messages = append(messages, history[start:]...)
	messages = append(messages, providers.ChatMessage{Role: providers.RoleUser, Content: text})

	stream, err := l.llm.ChatStream(ctx, messages, nil)
	if err != nil {
		return nil, fmt.Errorf("intent classification: %w", err)
	}
	var sb strings.Builder
	for chunk := range stream {
		if chunk.Err != nil {
			return nil, fmt.Errorf("intent classification stream: %w", chunk.Err)
		}
		sb.WriteString(chunk.Content)
	}

	return parseVerdict(sb.String()), nil
}

type verdict struct {
	Intent       string `json:"intent"`
	FunctionCall *struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function_call"`
}

func parseVerdict(raw string) *providers.IntentResult {
	raw = strings.TrimSpace(raw)
	// Models sometimes wrap the JSON in a code fence.
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var v verdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		logger.Debug("unparseable intent verdict, continuing chat", zap.String("raw", raw))
		return nil
	}
	if v.FunctionCall == nil || v.FunctionCall.Name == "" {
		return nil
	}
	args := string(v.FunctionCall.Arguments)
	if args == "" {
		args = "{}"
	}
	return &providers.IntentResult{FunctionName: v.FunctionCall.Name, Arguments: args}
}
