package engine

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-100-precent/EchoCore/pkg/events"
	"github.com/code-100-precent/EchoCore/pkg/providers"
)

func noopLLM() providers.LLM {
	return &scriptedLLM{script: func(int, []providers.ChatMessage, []providers.ToolSpec) []providers.Chunk {
		return nil
	}}
}

func TestOrchestratorBracketsTurn(t *testing.T) {
	r := newRig(t, testConfig(), noopLLM(), &silentTTS{})

	var started, finished atomic.Int32
	r.bus.Subscribe(events.TypeTTSStarted, func(events.Event) error { started.Add(1); return nil }, false)
	r.bus.Subscribe(events.TypeTTSFinished, func(events.Event) error { finished.Add(1); return nil }, false)

	id := r.sc.NextSentenceID()
	require.NoError(t, r.orch.Enqueue(testSessionID, SentenceUnit{SentenceID: id, Sentence: SentenceFirst, Content: ContentAction}))
	require.NoError(t, r.orch.Enqueue(testSessionID, SentenceUnit{SentenceID: id, Sentence: SentenceMiddle, Content: ContentText, Text: "One moment."}))
	require.NoError(t, r.orch.Enqueue(testSessionID, SentenceUnit{SentenceID: id, Sentence: SentenceLast, Content: ContentAction}))

	states := collectTTSStates(t, r.client, "stop")
	var order []string
	for _, s := range states {
		order = append(order, s["state"].(string))
	}
	assert.Equal(t, []string{"start", "sentence_start", "sentence_end", "stop"}, order)
	assert.Equal(t, "One moment.", states[1]["text"])

	assert.Eventually(t, func() bool {
		return started.Load() == 1 && finished.Load() == 1
	}, time.Second, 10*time.Millisecond)
	assert.False(t, r.orch.Speaking(testSessionID))
	assert.False(t, r.sc.Speaking())
}

func TestOrchestratorAbortDropsPendingSentences(t *testing.T) {
	r := newRig(t, testConfig(), noopLLM(), &silentTTS{})

	id := r.sc.NextSentenceID()
	require.NoError(t, r.orch.Enqueue(testSessionID, SentenceUnit{SentenceID: id, Sentence: SentenceFirst, Content: ContentAction}))
	collectTTSStates(t, r.client, "start")

	r.sc.SetAbort(true)
	r.orch.Abort(testSessionID, id)

	// Units for the aborted sentence id are swallowed at the gate.
	require.NoError(t, r.orch.Enqueue(testSessionID, SentenceUnit{SentenceID: id, Sentence: SentenceMiddle, Content: ContentText, Text: "never spoken"}))

	// Abort emits a synthetic stop because playback was open.
	states := collectTTSStates(t, r.client, "stop")
	for _, s := range states {
		assert.NotEqual(t, "never spoken", s["text"])
	}
	assert.False(t, r.orch.Speaking(testSessionID))

	// A new sentence id plays normally again.
	next := r.sc.NextSentenceID()
	r.sc.SetAbort(false)
	require.NoError(t, r.orch.Enqueue(testSessionID, SentenceUnit{SentenceID: next, Sentence: SentenceFirst, Content: ContentAction}))
	collectTTSStates(t, r.client, "start")
}

func TestOrchestratorAbortIsIdempotent(t *testing.T) {
	r := newRig(t, testConfig(), noopLLM(), &silentTTS{})

	var finished atomic.Int32
	r.bus.Subscribe(events.TypeTTSFinished, func(events.Event) error { finished.Add(1); return nil }, false)

	id := r.sc.NextSentenceID()
	require.NoError(t, r.orch.Enqueue(testSessionID, SentenceUnit{SentenceID: id, Sentence: SentenceFirst, Content: ContentAction}))
	collectTTSStates(t, r.client, "start")

	r.orch.Abort(testSessionID, id)
	r.orch.Abort(testSessionID, id)
	r.orch.Abort(testSessionID, id)

	assert.Eventually(t, func() bool { return finished.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestEnqueueUnknownSession(t *testing.T) {
	r := newRig(t, testConfig(), noopLLM(), &silentTTS{})
	err := r.orch.Enqueue("no-such-session", SentenceUnit{SentenceID: 1, Sentence: SentenceFirst, Content: ContentAction})
	assert.Error(t, err)
}

func TestReadAudioFileRejectsUnknownFormat(t *testing.T) {
	_, err := readAudioFile("/tmp/track.mp3", 16000)
	assert.Error(t, err)
}

func TestOrchestratorCleanupStopsAccepting(t *testing.T) {
	r := newRig(t, testConfig(), noopLLM(), &silentTTS{})
	r.orch.Cleanup(testSessionID)
	err := r.orch.Enqueue(testSessionID, SentenceUnit{SentenceID: 1, Sentence: SentenceFirst, Content: ContentAction})
	assert.Error(t, err)
}
