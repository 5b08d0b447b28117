package memory

import (
	"context"

	"github.com/code-100-precent/EchoCore/pkg/providers"
)

// Noop disables memory entirely.
type Noop struct{}

// NewNoop returns the disabled memory provider.
func NewNoop() *Noop {
	return &Noop{}
}

func (n *Noop) Query(ctx context.Context, deviceID, query string) (string, error) {
	return "", nil
}

func (n *Noop) Summarize(ctx context.Context, deviceID string, dialogue []providers.ChatMessage) error {
	return nil
}
