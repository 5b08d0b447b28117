package engine

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/code-100-precent/EchoCore/pkg/config"
	"github.com/code-100-precent/EchoCore/pkg/di"
	"github.com/code-100-precent/EchoCore/pkg/events"
	"github.com/code-100-precent/EchoCore/pkg/logger"
	"github.com/code-100-precent/EchoCore/pkg/metrics"
	"github.com/code-100-precent/EchoCore/pkg/protocol"
	"github.com/code-100-precent/EchoCore/pkg/providers"
	"github.com/code-100-precent/EchoCore/pkg/session"
	"github.com/code-100-precent/EchoCore/pkg/tools"
)

// ToolRegistryService is the DI name of the per-session tool registry.
const ToolRegistryService = "tool_registry"

// DialogueService turns recognized text into an answered turn: memory
// lookup, streaming LLM, sentence-split TTS, tool execution, bounded
// recursion.
type DialogueService struct {
	bus          *events.Bus
	container    *di.Container
	orchestrator *TTSOrchestrator
	cfg          config.Config
	resolve      func(sessionID string) (*session.Context, error)
	llmFor       func(sessionID string) (providers.LLM, error)
	memoryFor    func(sessionID string) (providers.Memory, error)
	intentFor    func(sessionID string) (providers.Intent, error)
}

// NewDialogueService wires the dialogue loop.
func NewDialogueService(bus *events.Bus, container *di.Container, orchestrator *TTSOrchestrator, cfg config.Config,
	resolve func(sessionID string) (*session.Context, error),
	llmFor func(sessionID string) (providers.LLM, error),
	memoryFor func(sessionID string) (providers.Memory, error),
	intentFor func(sessionID string) (providers.Intent, error)) *DialogueService {
	return &DialogueService{
		bus:          bus,
		container:    container,
		orchestrator: orchestrator,
		cfg:          cfg,
		resolve:      resolve,
		llmFor:       llmFor,
		memoryFor:    memoryFor,
		intentFor:    intentFor,
	}
}

// Subscribe attaches the recognized-text handler asynchronously; a slow
// LLM must not stall the bus.
func (d *DialogueService) Subscribe() {
	d.bus.Subscribe(events.TypeTextRecognized, d.onTextRecognized, true)
}

func (d *DialogueService) onTextRecognized(e events.Event) error {
	ev := e.(*events.TextRecognized)
	if !ev.IsFinal {
		return nil
	}
	sc, err := d.resolve(ev.SessionID)
	if err != nil {
		return err
	}
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return nil
	}

	if sc.Agent != nil && sc.Agent.IsExitCommand(normalize(text)) {
		d.SpeakDirect(sc, "Goodbye!")
		d.bus.Publish(&events.SessionCloseRequested{
			Base:   events.NewBase(sc.ID),
			Reason: "exit command",
		})
		return nil
	}
	if sc.Agent != nil && sc.Agent.IsWakeupWord(normalize(text)) {
		// The wake word itself is not a question.
		return nil
	}

	return sc.Lifecycle.CreateTask("dialogue_turn", func(ctx context.Context) {
		d.ProcessUserInput(ctx, sc, text, 0)
	})
}

// SpeakDirect utters text as its own bracket without touching the LLM.
func (d *DialogueService) SpeakDirect(sc *session.Context, text string) {
	id := sc.NextSentenceID()
	d.orchestrator.Enqueue(sc.ID, SentenceUnit{SentenceID: id, Sentence: SentenceFirst, Content: ContentAction})
	d.orchestrator.Enqueue(sc.ID, SentenceUnit{SentenceID: id, Sentence: SentenceMiddle, Content: ContentText, Text: text})
	d.orchestrator.Enqueue(sc.ID, SentenceUnit{SentenceID: id, Sentence: SentenceLast, Content: ContentAction})
}

// ProcessUserInput runs one dialogue turn. Exactly one TTS bracket is
// opened per top-level call, regardless of recursion.
func (d *DialogueService) ProcessUserInput(ctx context.Context, sc *session.Context, text string, depth int) {
	sentenceID := sc.CurrentSentenceID()
	if depth == 0 {
		// One top-level turn at a time per session. A second transcript
		// arriving while the previous LLM stream is still running waits
		// here instead of interleaving its units (and clearing the
		// previous turn's abort flag) mid-flight.
		sc.BeginTurn()
		defer sc.EndTurn()

		metrics.DialogueTurns.Inc()
		sc.ResetTurn()
		sentenceID = sc.NextSentenceID()
		sc.History.Append(session.RoleUser, text)
		d.orchestrator.Enqueue(sc.ID, SentenceUnit{SentenceID: sentenceID, Sentence: SentenceFirst, Content: ContentAction})

		// intent_llm mode short-circuits before the chat model.
		if sc.Agent != nil && sc.Agent.IntentMode == "intent_llm" {
			if d.handleDetectedIntent(ctx, sc, sentenceID, text) {
				d.finishTurn(sc, sentenceID)
				return
			}
		}
	}

	maxDepth := d.cfg.Engine.MaxRecursionDepth
	if maxDepth <= 0 {
		maxDepth = 5
	}

	llm, err := d.llmFor(sc.ID)
	if err != nil {
		logger.Error("no llm provider", zap.String("session", sc.ID), zap.Error(err))
		d.apologize(sc, sentenceID)
		if depth == 0 {
			d.finishTurn(sc, sentenceID)
		}
		return
	}

	messages := d.buildMessages(ctx, sc)

	// At the depth limit the model must answer in plain language.
	var toolSpecs []providers.ToolSpec
	useTools := depth < maxDepth && sc.Agent != nil && sc.Agent.IntentMode == "function_call"
	if useTools {
		toolSpecs = d.sessionToolSpecs(sc)
	}

	stream, err := llm.ChatStream(ctx, messages, toolSpecs)
	if err != nil {
		logger.Error("llm request failed", zap.String("session", sc.ID), zap.Error(err))
		d.apologize(sc, sentenceID)
		if depth == 0 {
			d.finishTurn(sc, sentenceID)
		}
		return
	}

	var full strings.Builder
	var pending strings.Builder
	var toolCalls []providers.ToolCall
	faceSent := depth > 0

	for chunk := range stream {
		if sc.Aborted() || ctx.Err() != nil {
			// The abort handler already closed the bracket.
			return
		}
		if chunk.Err != nil {
			logger.Error("llm stream error", zap.String("session", sc.ID), zap.Error(chunk.Err))
			d.apologize(sc, sentenceID)
			break
		}
		if chunk.Content != "" {
			if !faceSent {
				chunk.Content = d.sendFaceHint(sc, chunk.Content)
				faceSent = true
			}
			full.WriteString(chunk.Content)
			pending.WriteString(chunk.Content)
			for _, sentence := range drainSentences(&pending) {
				d.orchestrator.Enqueue(sc.ID, SentenceUnit{
					SentenceID: sentenceID, Sentence: SentenceMiddle,
					Content: ContentText, Text: sentence,
				})
			}
		}
		toolCalls = append(toolCalls, chunk.ToolCalls...)
	}
	if rest := strings.TrimSpace(pending.String()); rest != "" && !sc.Aborted() {
		d.orchestrator.Enqueue(sc.ID, SentenceUnit{
			SentenceID: sentenceID, Sentence: SentenceMiddle,
			Content: ContentText, Text: rest,
		})
	}

	if len(toolCalls) > 0 {
		sc.History.AppendToolCalls(full.String(), toolCalls)
		if !sc.Aborted() {
			d.runToolCalls(ctx, sc, sentenceID, toolCalls, depth, maxDepth)
		}
	} else if full.Len() > 0 {
		sc.History.Append(session.RoleAssistant, full.String())
	}

	if depth == 0 && !sc.Aborted() {
		d.finishTurn(sc, sentenceID)
	}
}

func (d *DialogueService) finishTurn(sc *session.Context, sentenceID int64) {
	d.orchestrator.Enqueue(sc.ID, SentenceUnit{SentenceID: sentenceID, Sentence: SentenceLast, Content: ContentAction})
	sc.SetLLMFinished(true)
}

func (d *DialogueService) apologize(sc *session.Context, sentenceID int64) {
	d.orchestrator.Enqueue(sc.ID, SentenceUnit{
		SentenceID: sentenceID, Sentence: SentenceMiddle,
		Content: ContentText, Text: "Sorry, I didn't catch that. Could you say it again?",
	})
}

// buildMessages assembles system prompt, recalled memory and history.
func (d *DialogueService) buildMessages(ctx context.Context, sc *session.Context) []providers.ChatMessage {
	var messages []providers.ChatMessage

	prompt := d.cfg.Engine.SystemPrompt
	if sc.Agent != nil && sc.Agent.SystemPrompt != "" {
		prompt = sc.Agent.SystemPrompt
	}
	if mem, err := d.memoryFor(sc.ID); err == nil {
		if recalled, err := mem.Query(ctx, sc.DeviceID, ""); err == nil && recalled != "" {
			prompt += "\n\nWhat you remember about this user: " + recalled
		}
	}
	if prompt != "" {
		messages = append(messages, providers.ChatMessage{Role: providers.RoleSystem, Content: prompt})
	}

	for _, m := range sc.History.Messages() {
		messages = append(messages, providers.ChatMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			ToolCalls:  m.ToolCalls,
		})
	}
	return messages
}

func (d *DialogueService) sessionToolSpecs(sc *session.Context) []providers.ToolSpec {
	reg, err := d.toolRegistry(sc.ID)
	if err != nil {
		return nil
	}
	return reg.Specs()
}

func (d *DialogueService) toolRegistry(sessionID string) (*tools.Registry, error) {
	v, err := d.container.Resolve(ToolRegistryService, sessionID)
	if err != nil {
		return nil, err
	}
	return v.(*tools.Registry), nil
}

// runToolCalls executes the model's tool calls concurrently, speaks
// direct responses, and recurses once if any result asks for an LLM
// follow-up.
func (d *DialogueService) runToolCalls(ctx context.Context, sc *session.Context, sentenceID int64, calls []providers.ToolCall, depth, maxDepth int) {
	reg, err := d.toolRegistry(sc.ID)
	if err != nil {
		logger.Error("no tool registry", zap.String("session", sc.ID), zap.Error(err))
		return
	}

	results := make([]*tools.Result, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call providers.ToolCall) {
			defer wg.Done()
			d.bus.Publish(&events.ToolCallRequested{
				Base:     events.NewBase(sc.ID),
				ToolName: call.Name, Arguments: call.Arguments, ToolCallID: call.ID,
			})
			results[i] = reg.Execute(ctx, call.Name, &tools.Invocation{
				SessionID: sc.ID,
				DeviceID:  sc.DeviceID,
				Arguments: call.Arguments,
				Container: d.container,
				Bus:       d.bus,
			})
			d.bus.Publish(&events.ToolCallCompleted{
				Base:       events.NewBase(sc.ID),
				ToolCallID: call.ID,
				Result:     results[i].Result,
			})
		}(i, call)
	}
	wg.Wait()

	if sc.Aborted() {
		return
	}

	needFollowUp := false
	for i, res := range results {
		switch res.Action {
		case tools.ActionResponse, tools.ActionError:
			if res.Response != "" {
				d.orchestrator.Enqueue(sc.ID, SentenceUnit{
					SentenceID: sentenceID, Sentence: SentenceMiddle,
					Content: ContentText, Text: res.Response,
				})
			}
			if res.FilePath != "" {
				d.orchestrator.Enqueue(sc.ID, SentenceUnit{
					SentenceID: sentenceID, Sentence: SentenceMiddle,
					Content: ContentFile, FilePath: res.FilePath,
				})
			}
			sc.History.AppendTool(calls[i].ID, res.Response)
		case tools.ActionReqLLM, tools.ActionNotFound:
			sc.History.AppendTool(calls[i].ID, res.Result)
			needFollowUp = true
		case tools.ActionNone:
			sc.History.AppendTool(calls[i].ID, "done")
		}
	}

	if needFollowUp && depth < maxDepth {
		d.ProcessUserInput(ctx, sc, "", depth+1)
	}
}

// handleDetectedIntent runs the standalone intent classifier. Returns true
// when the intent was handled and the chat model should be skipped.
func (d *DialogueService) handleDetectedIntent(ctx context.Context, sc *session.Context, sentenceID int64, text string) bool {
	intent, err := d.intentFor(sc.ID)
	if err != nil {
		return false
	}
	res, err := intent.Detect(ctx, text, d.recentHistory(sc))
	if err != nil || res == nil {
		return false
	}

	reg, err := d.toolRegistry(sc.ID)
	if err != nil {
		return false
	}
	out := reg.Execute(ctx, res.FunctionName, &tools.Invocation{
		SessionID: sc.ID,
		DeviceID:  sc.DeviceID,
		Arguments: res.Arguments,
		Container: d.container,
		Bus:       d.bus,
	})
	switch out.Action {
	case tools.ActionResponse, tools.ActionError:
		if out.Response != "" {
			d.orchestrator.Enqueue(sc.ID, SentenceUnit{
				SentenceID: sentenceID, Sentence: SentenceMiddle,
				Content: ContentText, Text: out.Response,
			})
		}
		if out.FilePath != "" {
			d.orchestrator.Enqueue(sc.ID, SentenceUnit{
				SentenceID: sentenceID, Sentence: SentenceMiddle,
				Content: ContentFile, FilePath: out.FilePath,
			})
		}
		sc.History.Append(session.RoleAssistant, out.Response)
		return true
	default:
		// NotFound, ReqLLM and None all fall through to normal chat.
		return false
	}
}

func (d *DialogueService) recentHistory(sc *session.Context) []providers.ChatMessage {
	msgs := sc.History.Messages()
	start := len(msgs) - 6
	if start < 0 {
		start = 0
	}
	out := make([]providers.ChatMessage, 0, len(msgs)-start)
	for _, m := range msgs[start:] {
		out = append(out, providers.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// drainSentences removes complete sentences from the pending buffer,
// leaving the unfinished tail in place.
func drainSentences(pending *strings.Builder) []string {
	text := pending.String()
	var sentences []string
	last := 0
	for i, r := range text {
		if isSentenceEnd(r) {
			s := strings.TrimSpace(text[last : i+len(string(r))])
			if s != "" {
				sentences = append(sentences, s)
			}
			last = i + len(string(r))
		}
	}
	if len(sentences) > 0 {
		rest := text[last:]
		pending.Reset()
		pending.WriteString(rest)
	}
	return sentences
}

// emotionHints maps a leading emoji in the model's reply to the face the
// device should show.
var emotionHints = map[rune]string{
	'😀': "happy",
	'😂': "laughing",
	'😭': "crying",
	'😠': "angry",
	'😔': "sad",
	'😍': "loving",
	'😲': "surprised",
	'🤔': "thinking",
	'😴': "sleepy",
	'😶': "neutral",
}

// sendFaceHint forwards a leading emoji as an llm frame and strips it from
// the spoken text. Without one the device keeps its current face.
func (d *DialogueService) sendFaceHint(sc *session.Context, content string) string {
	r := []rune(strings.TrimSpace(content))
	if len(r) == 0 {
		return content
	}
	emotion, ok := emotionHints[r[0]]
	if !ok {
		return content
	}
	d.orchestrator.registry.SendJSON(sc.ID, protocol.LLMMessage(sc.ID, emotion, string(r[0])))
	return strings.TrimSpace(string(r[1:]))
}

// normalize lowercases and strips trailing punctuation so "Goodbye!"
// still matches a configured exit phrase.
func normalize(text string) string {
	t := strings.ToLower(strings.TrimSpace(text))
	return strings.TrimRight(t, ".!?,;。！？，；")
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', ';', '\n', '…', '。', '！', '？', '；':
		return true
	}
	return false
}
