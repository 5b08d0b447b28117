package session

import (
	"sync"
	"time"

	"github.com/code-100-precent/EchoCore/pkg/providers"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one conversation entry.
type Message struct {
	Role       string
	Content    string
	ToolCallID string
	ToolCalls  []providers.ToolCall
	Timestamp  time.Time
}

// History is the append-only conversation record for one session.
// Summarization appends a new entry, it never rewrites past ones.
type History struct {
	mu       sync.RWMutex
	messages []Message
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{}
}

// Append adds a message.
func (h *History) Append(role, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, Message{Role: role, Content: content, Timestamp: time.Now()})
}

// AppendToolCalls records the assistant message that requested tool
// invocations. Chat providers require it to precede the tool results.
func (h *History) AppendToolCalls(content string, calls []providers.ToolCall) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, Message{
		Role:      RoleAssistant,
		Content:   content,
		ToolCalls: calls,
		Timestamp: time.Now(),
	})
}

// AppendTool adds a tool result tied to its originating tool call.
func (h *History) AppendTool(toolCallID, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, Message{
		Role:       RoleTool,
		Content:    content,
		ToolCallID: toolCallID,
		Timestamp:  time.Now(),
	})
}

// Messages returns a snapshot of the history.
func (h *History) Messages() []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// Len returns the number of entries.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}
