package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-100-precent/EchoCore/pkg/config"
	"github.com/code-100-precent/EchoCore/pkg/di"
	"github.com/code-100-precent/EchoCore/pkg/events"
	"github.com/code-100-precent/EchoCore/pkg/providers"
)

func testInvocation(bus *events.Bus) *Invocation {
	if bus == nil {
		bus = events.NewBus()
	}
	return &Invocation{
		SessionID: "s1",
		DeviceID:  "dev-1",
		Container: di.NewContainer(),
		Bus:       bus,
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	res := r.Execute(context.Background(), "nope", testInvocation(nil))
	assert.Equal(t, ActionNotFound, res.Action)
}

func TestExecuteHandlerErrorBecomesActionError(t *testing.T) {
	r := NewRegistry()
	r.Register(&Tool{
		Spec: providers.ToolSpec{Name: "boom"},
		Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			return nil, errors.New("kaput")
		},
	})
	res := r.Execute(context.Background(), "boom", testInvocation(nil))
	assert.Equal(t, ActionError, res.Action)
	assert.Contains(t, res.Result, "kaput")
	assert.NotEmpty(t, res.Response)
}

func TestSpecsListsRegisteredTools(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r, &config.Config{})
	specs := r.Specs()
	names := map[string]bool{}
	for _, s := range specs {
		names[s.Name] = true
	}
	assert.True(t, names["get_current_time"])
	assert.True(t, names["goodbye"])
	assert.True(t, names["play_music"])
	assert.True(t, names["change_voice"])
}

func TestGetCurrentTime(t *testing.T) {
	r := NewRegistry()
	r.Register(GetCurrentTime())
	res := r.Execute(context.Background(), "get_current_time", testInvocation(nil))
	assert.Equal(t, ActionReqLLM, res.Action)
	assert.Contains(t, res.Result, "current time")
}

func TestGoodbyePublishesCloseRequest(t *testing.T) {
	bus := events.NewBus()
	var got *events.SessionCloseRequested
	bus.Subscribe(events.TypeSessionCloseRequested, func(e events.Event) error {
		got = e.(*events.SessionCloseRequested)
		return nil
	}, false)

	r := NewRegistry()
	r.Register(Goodbye())
	res := r.Execute(context.Background(), "goodbye", testInvocation(bus))

	assert.Equal(t, ActionResponse, res.Action)
	require.NotNil(t, got)
	assert.Equal(t, "s1", got.Session())
}

func TestPlayMusicFindsTrack(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Take Five.mp3"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "So What.mp3"), []byte("x"), 0o644))

	r := NewRegistry()
	r.Register(PlayMusic(dir))

	inv := testInvocation(nil)
	inv.Arguments = `{"song": "take five"}`
	res := r.Execute(context.Background(), "play_music", inv)

	assert.Equal(t, ActionResponse, res.Action)
	assert.Equal(t, filepath.Join(dir, "Take Five.mp3"), res.FilePath)
	assert.Contains(t, res.Response, "Take Five")
}

func TestPlayMusicNoMatch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "So What.mp3"), []byte("x"), 0o644))

	r := NewRegistry()
	r.Register(PlayMusic(dir))

	inv := testInvocation(nil)
	inv.Arguments = `{"song": "bohemian rhapsody"}`
	res := r.Execute(context.Background(), "play_music", inv)

	assert.Equal(t, ActionReqLLM, res.Action)
	assert.Empty(t, res.FilePath)
}

func TestPlayMusicEmptyLibrary(t *testing.T) {
	r := NewRegistry()
	r.Register(PlayMusic(t.TempDir()))
	res := r.Execute(context.Background(), "play_music", testInvocation(nil))
	assert.Equal(t, ActionReqLLM, res.Action)
}

func TestChangeVoiceSwapsSessionService(t *testing.T) {
	cfg := &config.Config{}
	r := NewRegistry()
	r.Register(ChangeVoice(cfg))

	inv := testInvocation(nil)
	inv.Arguments = `{"voice": "Nova"}`
	res := r.Execute(context.Background(), "change_voice", inv)

	assert.Equal(t, ActionResponse, res.Action)
	swapped, err := inv.Container.Resolve(providers.ServiceTTS, "s1")
	require.NoError(t, err)
	assert.NotNil(t, swapped)
}

func TestChangeVoiceMissingArgument(t *testing.T) {
	r := NewRegistry()
	r.Register(ChangeVoice(&config.Config{}))
	res := r.Execute(context.Background(), "change_voice", testInvocation(nil))
	assert.Equal(t, ActionReqLLM, res.Action)
}
