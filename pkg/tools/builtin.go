package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/code-100-precent/EchoCore/pkg/config"
	"github.com/code-100-precent/EchoCore/pkg/events"
	"github.com/code-100-precent/EchoCore/pkg/providers"
	"github.com/code-100-precent/EchoCore/pkg/providers/tts"
)

// RegisterBuiltins installs the standard tool set into a session registry.
func RegisterBuiltins(r *Registry, cfg *config.Config) {
	r.Register(GetCurrentTime())
	r.Register(Goodbye())
	r.Register(PlayMusic(cfg.Engine.MusicDir))
	r.Register(ChangeVoice(cfg))
}

// GetCurrentTime reports the server clock; the LLM phrases the answer.
func GetCurrentTime() *Tool {
	return &Tool{
		Spec: providers.ToolSpec{
			Name:        "get_current_time",
			Description: "Get the current date and time.",
			Parameters: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
		Level: LevelUser,
		Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			now := time.Now()
			return &Result{
				Action: ActionReqLLM,
				Result: fmt.Sprintf("The current time is %s on %s.",
					now.Format("15:04"), now.Format("Monday, January 2, 2006")),
			}, nil
		},
	}
}

// Goodbye ends the conversation: the farewell is spoken and the session is
// closed once playback finishes.
func Goodbye() *Tool {
	return &Tool{
		Spec: providers.ToolSpec{
			Name:        "goodbye",
			Description: "End the conversation when the user says farewell or asks to stop.",
			Parameters: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
		Level: LevelSystem,
		Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			inv.Bus.Publish(&events.SessionCloseRequested{
				Base:   events.NewBase(inv.SessionID),
				Reason: "user said goodbye",
			})
			return &Result{Action: ActionResponse, Response: "Goodbye!"}, nil
		},
	}
}

// PlayMusic finds a local audio file by fuzzy name match and queues it for
// playback instead of synthesized speech.
func PlayMusic(musicDir string) *Tool {
	return &Tool{
		Spec: providers.ToolSpec{
			Name:        "play_music",
			Description: "Play a song from the local music library. Pass the song name, or leave it empty for a random song.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"song": map[string]interface{}{
						"type":        "string",
						"description": "Name of the song to play",
					},
				},
			},
		},
		Level: LevelUser,
		Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			var args struct {
				Song string `json:"song"`
			}
			if err := inv.Args(&args); err != nil {
				return nil, err
			}

			path, name, err := findTrack(musicDir, args.Song)
			if err != nil {
				return &Result{
					Action: ActionReqLLM,
					Result: fmt.Sprintf("No matching song found: %v. Tell the user briefly.", err),
				}, nil
			}
			return &Result{
				Action:   ActionResponse,
				Response: "Now playing " + name,
				FilePath: path,
			}, nil
		},
	}
}

func findTrack(dir, song string) (path, name string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", "", fmt.Errorf("music library unavailable")
	}
	var tracks []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".mp3", ".wav", ".ogg", ".opus", ".p3":
			tracks = append(tracks, e.Name())
		}
	}
	if len(tracks) == 0 {
		return "", "", fmt.Errorf("music library is empty")
	}

	pick := tracks[0]
	if song != "" {
		want := strings.ToLower(song)
		found := false
		for _, t := range tracks {
			if strings.Contains(strings.ToLower(t), want) {
				pick = t
				found = true
				break
			}
		}
		if !found {
			return "", "", fmt.Errorf("no track matches %q", song)
		}
	}
	title := strings.TrimSuffix(pick, filepath.Ext(pick))
	return filepath.Join(dir, pick), title, nil
}

// ChangeVoice hot-swaps the session's TTS provider for a different voice.
func ChangeVoice(cfg *config.Config) *Tool {
	return &Tool{
		Spec: providers.ToolSpec{
			Name:        "change_voice",
			Description: "Switch the assistant's speaking voice. Available voices: alloy, echo, fable, onyx, nova, shimmer.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"voice": map[string]interface{}{
						"type":        "string",
						"description": "The voice to switch to",
					},
				},
				"required": []string{"voice"},
			},
		},
		Level: LevelSystem,
		Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
			var args struct {
				Voice string `json:"voice"`
			}
			if err := inv.Args(&args); err != nil {
				return nil, err
			}
			voice := strings.ToLower(strings.TrimSpace(args.Voice))
			if voice == "" {
				return &Result{
					Action: ActionReqLLM,
					Result: "No voice given. Ask which voice the user wants.",
				}, nil
			}

			next := tts.NewOpenAI(cfg.TTS, voice, cfg.Engine.ProviderCallLimit)
			inv.Container.UpdateSessionService(inv.SessionID, providers.ServiceTTS, next)
			return &Result{
				Action:   ActionResponse,
				Response: "Done, this is my " + voice + " voice.",
			}, nil
		},
	}
}
