// Package tools implements the function-calling surface exposed to the
// LLM: a registry of named tools plus the built-in device controls.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/code-100-precent/EchoCore/pkg/di"
	"github.com/code-100-precent/EchoCore/pkg/events"
	"github.com/code-100-precent/EchoCore/pkg/logger"
	"github.com/code-100-precent/EchoCore/pkg/providers"
)

// Action tells the dialogue loop what to do with a tool result.
type Action int

const (
	// ActionNotFound means no such tool is registered.
	ActionNotFound Action = iota
	// ActionNone means the tool ran and nothing needs saying.
	ActionNone
	// ActionResponse means speak Response directly, no LLM round trip.
	ActionResponse
	// ActionReqLLM means feed Result back to the LLM for a follow-up turn.
	ActionReqLLM
	// ActionError means the tool failed; Response carries the user-facing
	// apology and Result the detail for the LLM.
	ActionError
)

// Result is the outcome of a tool invocation.
type Result struct {
	Action   Action
	Result   string // fed back to the LLM for ActionReqLLM / ActionError
	Response string // spoken directly for ActionResponse
	FilePath string // audio file to play instead of synthesizing
}

// Level separates device/system controls from ordinary user tools. System
// tools act on the session itself (exit, voice change) and bypass the
// LLM-visible result path where noted.
type Level int

const (
	LevelUser Level = iota
	LevelSystem
)

// Invocation carries everything a handler may need.
type Invocation struct {
	SessionID string
	DeviceID  string
	Arguments string // raw JSON
	Container *di.Container
	Bus       *events.Bus
}

// Args unmarshals the raw arguments into out.
func (i *Invocation) Args(out interface{}) error {
	if i.Arguments == "" {
		return nil
	}
	return json.Unmarshal([]byte(i.Arguments), out)
}

// Handler executes one tool call.
type Handler func(ctx context.Context, inv *Invocation) (*Result, error)

// Tool couples a spec with its handler.
type Tool struct {
	Spec    providers.ToolSpec
	Level   Level
	Handler Handler
}

// Registry holds the tools available to a session. A fresh registry is
// built per session so MCP-discovered device tools stay session-local.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool, replacing any previous one with the same name.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Spec.Name] = t
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Specs returns every registered tool spec, for the LLM request.
func (r *Registry) Specs() []providers.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]providers.ToolSpec, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Spec)
	}
	return out
}

// Execute runs the named tool. Unknown names return ActionNotFound and
// handler errors are converted to ActionError so the dialogue loop can
// keep the turn alive.
func (r *Registry) Execute(ctx context.Context, name string, inv *Invocation) *Result {
	t, ok := r.Get(name)
	if !ok {
		return &Result{Action: ActionNotFound, Result: fmt.Sprintf("no tool named %q", name)}
	}

	logger.Info("executing tool",
		zap.String("session", inv.SessionID),
		zap.String("tool", name))

	res, err := t.Handler(ctx, inv)
	if err != nil {
		logger.Error("tool failed",
			zap.String("session", inv.SessionID),
			zap.String("tool", name),
			zap.Error(err))
		return &Result{
			Action:   ActionError,
			Result:   fmt.Sprintf("tool %s failed: %v", name, err),
			Response: "Sorry, that didn't work.",
		}
	}
	if res == nil {
		res = &Result{Action: ActionNone}
	}
	return res
}
