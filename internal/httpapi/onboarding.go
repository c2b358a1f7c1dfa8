package httpapi

import (
	"net/http"
	"strings"
)

type onboardingCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type onboardingStatusResponse struct {
	AudioDevices string            `json:"audio_devices"`
	LiveModel    string            `json:"live_model"`
	HistoryStore string            `json:"history_store"`
	Checks       []onboardingCheck `json:"checks"`
}

func (s *Server) handleOnboardingStatus(w http.ResponseWriter, _ *http.Request) {
	checks := make([]onboardingCheck, 0, 4)

	if strings.TrimSpace(s.cfg.GeminiAPIKey) == "" {
		checks = append(checks, onboardingCheck{
			ID:     "gemini_key",
			Status: "error",
			Label:  "Gemini API key",
			Detail: "GEMINI_API_KEY is not set",
			Fix:    "Set GEMINI_API_KEY to enable live conversations.",
		})
	} else {
		checks = append(checks, onboardingCheck{ID: "gemini_key", Status: "ok", Label: "Gemini API key", Detail: "present"})
	}

	switch s.cfg.AudioDevices {
	case "browser":
		checks = append(checks, onboardingCheck{
			ID:     "audio_devices",
			Status: "ok",
			Label:  "Audio devices",
			Detail: "browser microphone and speaker over the event socket",
		})
	default:
		checks = append(checks, onboardingCheck{
			ID:     "audio_devices",
			Status: "ok",
			Label:  "Audio devices",
			Detail: "local microphone (portaudio) and speaker (oto)",
		})
	}

	mode := s.historyStoreMode()
	switch mode {
	case "postgres":
		checks = append(checks, onboardingCheck{ID: "history_store", Status: "ok", Label: "History persistence", Detail: "postgres"})
	default:
		checks = append(checks, onboardingCheck{
			ID:     "history_store",
			Status: "warn",
			Label:  "History persistence",
			Detail: mode,
			Fix:    "Set DATABASE_URL to keep conversation history across restarts.",
		})
	}

	if s.previewer == nil {
		checks = append(checks, onboardingCheck{
			ID:     "fulfillment",
			Status: "warn",
			Label:  "Image, calorie and prompt generation",
			Detail: "disabled",
			Fix:    "Set GEMINI_API_KEY so tool calls can be fulfilled.",
		})
	}

	respondJSON(w, http.StatusOK, onboardingStatusResponse{
		AudioDevices: s.cfg.AudioDevices,
		LiveModel:    s.cfg.GeminiLiveModel,
		HistoryStore: mode,
		Checks:       checks,
	})
}
