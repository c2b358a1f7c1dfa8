package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SessionEvent("created")
	m.ObserveToolCall("navigateTo", "dispatched")
	m.ObserveCaptureFrame("dropped")
	m.ObserveDecodeError()
	m.ObserveFirstAudioLatency(time.Second)
	if snap := m.SnapshotTurnStages(); len(snap.Stages) != 0 {
		t.Fatalf("len(Stages) = %d, want 0", len(snap.Stages))
	}
}

func TestMetricsRecordOnPrivateRegistry(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry(), "test")
	m.ObserveToolCall("addToDiary", "clarify")
	m.ObserveToolCall("addToDiary", "clarify")
	m.ObserveCaptureFrame("sent")
	m.ObserveDecodeError()
	m.SetActiveSessions(3)
	m.ObserveFirstAudioLatency(450 * time.Millisecond)

	if got := testutil.ToFloat64(m.ToolCalls.WithLabelValues("addToDiary", "clarify")); got != 2 {
		t.Fatalf("tool calls = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.CaptureFrames.WithLabelValues("sent")); got != 1 {
		t.Fatalf("capture frames = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DecodeErrors); got != 1 {
		t.Fatalf("decode errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ActiveSessions); got != 3 {
		t.Fatalf("active sessions = %v, want 3", got)
	}
	snap := m.SnapshotTurnStages()
	if len(snap.Stages) != 1 || snap.Stages[0].Stage != "speech_to_first_audio" {
		t.Fatalf("Stages = %+v, want speech_to_first_audio only", snap.Stages)
	}
}
