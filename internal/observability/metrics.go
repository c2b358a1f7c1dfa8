package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	LiveMessages      *prometheus.CounterVec
	ToolCalls         *prometheus.CounterVec
	CaptureFrames     *prometheus.CounterVec
	DecodeErrors      prometheus.Counter
	FirstAudioLatency prometheus.Histogram

	turnStages *turnStageWindow
}

func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

// NewMetricsWith registers the instruments on reg instead of the default
// registry.
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active voice conversation sessions.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "UI WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		LiveMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_messages_total",
			Help:      "Live session transport messages by direction and type.",
		}, []string{"direction", "type"}),
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		CaptureFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_frames_total",
			Help:      "Microphone frames by outcome.",
		}, []string{"outcome"}),
		DecodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_decode_errors_total",
			Help:      "Inbound audio chunks dropped because they failed to decode.",
		}),
		FirstAudioLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from the first user transcript of a turn to the first assistant audio chunk in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000},
		}),
		turnStages: newTurnStageWindow(256),
	}
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
	m.turnStages.Observe(StageFirstAudio, float64(d.Milliseconds()))
}

// ObserveTurnStage records a stage duration in the rolling latency window.
func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.turnStages.Observe(stage, float64(d.Microseconds())/1000)
}

// ObserveTurnIndicator counts a notable turn outcome in the rolling window.
func (m *Metrics) ObserveTurnIndicator(name string) {
	if m == nil {
		return
	}
	m.turnStages.ObserveIndicator(name)
}

func (m *Metrics) SnapshotTurnStages() TurnStageSnapshot {
	if m == nil {
		return newTurnStageWindow(0).Snapshot()
	}
	return m.turnStages.Snapshot()
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ObserveLiveMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.LiveMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ObserveToolCall(tool, outcome string) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, outcome).Inc()
}

func (m *Metrics) ObserveCaptureFrame(outcome string) {
	if m == nil {
		return
	}
	m.CaptureFrames.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveDecodeError() {
	if m == nil {
		return
	}
	m.DecodeErrors.Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
