package vad

import (
	"fmt"

	"github.com/code-100-precent/EchoCore/pkg/config"
	"github.com/code-100-precent/EchoCore/pkg/providers"
)

// New builds the configured detector. The silero model is shared across
// sessions, so this is registered as a singleton.
func New(cfg config.VADConfig) (providers.VAD, error) {
	switch cfg.Provider {
	case "", "energy":
		return NewEnergyVAD(cfg), nil
	case "silero":
		return NewSileroVAD(cfg)
	default:
		return nil, fmt.Errorf("unknown vad provider %q", cfg.Provider)
	}
}
