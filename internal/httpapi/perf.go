package httpapi

import (
	"net/http"

	"github.com/ent0n29/rafiqa/internal/observability"
)

type perfLatencyResponse struct {
	observability.TurnStageSnapshot
	ActiveSessions int `json:"active_sessions"`
}

// handlePerfLatency reports the rolling per-stage turn latencies.
func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, perfLatencyResponse{
		TurnStageSnapshot: s.metrics.SnapshotTurnStages(),
		ActiveSessions:    s.sessions.ActiveCount(),
	})
}
