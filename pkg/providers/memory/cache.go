package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/code-100-precent/EchoCore/pkg/cache"
	"github.com/code-100-precent/EchoCore/pkg/logger"
	"github.com/code-100-precent/EchoCore/pkg/providers"
)

const summaryPrompt = "Summarize the following conversation in a few short sentences. " +
	"Keep names, preferences and facts the user shared; drop filler. " +
	"Write in the third person."

// CacheMemory keeps a rolling per-device summary in the configured cache
// backend. Summaries survive reconnects (and restarts, with redis) but are
// deliberately small: one summary per device, refreshed at session end.
type CacheMemory struct {
	store cache.Cache
	llm   providers.LLM
}

// NewCacheMemory wires the summarizer to a cache backend and the LLM used
// for condensing.
func NewCacheMemory(store cache.Cache, llm providers.LLM) *CacheMemory {
	return &CacheMemory{store: store, llm: llm}
}

func memoryKey(deviceID string) string {
	return "memory:" + deviceID
}

// Query returns the stored summary for the device.
func (m *CacheMemory) Query(ctx context.Context, deviceID, query string) (string, error) {
	if deviceID == "" {
		return "", nil
	}
	v, ok := m.store.Get(ctx, memoryKey(deviceID))
	if !ok {
		return "", nil
	}
	return cast.ToString(v), nil
}

// Summarize condenses the session dialogue with the LLM and replaces the
// stored summary. Prior memory is included so facts carry forward.
func (m *CacheMemory) Summarize(ctx context.Context, deviceID string, dialogue []providers.ChatMessage) error {
	if deviceID == "" || len(dialogue) == 0 {
		return nil
	}

	var sb strings.Builder
	if prior, _ := m.Query(ctx, deviceID, ""); prior != "" {
		sb.WriteString("Earlier memory: ")
		sb.WriteString(prior)
		sb.WriteString("\n\n")
	}
	for _, msg := range dialogue {
		if msg.Role != providers.RoleUser && msg.Role != providers.RoleAssistant {
			continue
		}
		sb.WriteString(msg.Role)
		sb.WriteString(": ")
		sb.WriteString(msg.Content)
		sb.WriteString("\n")
	}

	stream, err := m.llm.ChatStream(ctx, []providers.ChatMessage{
		{Role: providers.RoleSystem, Content: summaryPrompt},
		{Role: providers.RoleUser, Content: sb.String()},
	}, nil)
	if err != nil {
		return fmt.Errorf("memory summarization: %w", err)
	}

	var summary strings.Builder
	for chunk := range stream {
		if chunk.Err != nil {
			return fmt.Errorf("memory summarization stream: %w", chunk.Err)
		}
		summary.WriteString(chunk.Content)
	}
	text := strings.TrimSpace(summary.String())
	if text == "" {
		return nil
	}

	if err := m.store.Set(ctx, memoryKey(deviceID), text, 0); err != nil {
		return fmt.Errorf("store memory: %w", err)
	}
	logger.Debug("device memory updated",
		zap.String("device", deviceID),
		zap.Int("chars", len(text)))
	return nil
}
