package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions tracks currently connected device sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "echocore",
		Name:      "active_sessions",
		Help:      "Number of live device sessions.",
	})

	// AudioFramesReceived counts inbound audio frames.
	AudioFramesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "echocore",
		Name:      "audio_frames_received_total",
		Help:      "Total inbound audio frames across all sessions.",
	})

	// TTSFramesSent counts synthesized audio frames delivered to devices.
	TTSFramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "echocore",
		Name:      "tts_frames_sent_total",
		Help:      "Total synthesized audio frames sent to devices.",
	})

	// SessionDuration observes session lifetimes in seconds.
	SessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "echocore",
		Name:      "session_duration_seconds",
		Help:      "Distribution of session lifetimes.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})

	// DialogueTurns counts completed top-level dialogue turns.
	DialogueTurns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "echocore",
		Name:      "dialogue_turns_total",
		Help:      "Total completed top-level dialogue turns.",
	})

	// ProviderErrors counts provider failures by stage.
	ProviderErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "echocore",
		Name:      "provider_errors_total",
		Help:      "Provider call failures by pipeline stage.",
	}, []string{"stage"})
)
