package httpapi

import (
	"bytes"
	"errors"
	"net/http"
	"strings"

	"github.com/ent0n29/rafiqa/internal/audio"
)

type voiceSummary struct {
	VoiceID string            `json:"voice_id"`
	Name    string            `json:"name"`
	Labels  map[string]string `json:"labels,omitempty"`
}

type listVoicesResponse struct {
	DefaultVoiceID string         `json:"default_voice_id"`
	Recommended    []voiceSummary `json:"recommended"`
	Voices         []voiceSummary `json:"voices"`
}

// prebuiltVoices are the voices the live and speech models accept.
var prebuiltVoices = []voiceSummary{
	{VoiceID: "Aoede", Name: "Aoede (breezy)", Labels: map[string]string{"gender": "female"}},
	{VoiceID: "Kore", Name: "Kore (firm)", Labels: map[string]string{"gender": "female"}},
	{VoiceID: "Leda", Name: "Leda (youthful)", Labels: map[string]string{"gender": "female"}},
	{VoiceID: "Zephyr", Name: "Zephyr (bright)", Labels: map[string]string{"gender": "female"}},
	{VoiceID: "Puck", Name: "Puck (upbeat)", Labels: map[string]string{"gender": "male"}},
	{VoiceID: "Charon", Name: "Charon (informative)", Labels: map[string]string{"gender": "male"}},
	{VoiceID: "Fenrir", Name: "Fenrir (excitable)", Labels: map[string]string{"gender": "male"}},
	{VoiceID: "Orus", Name: "Orus (firm)", Labels: map[string]string{"gender": "male"}},
}

func (s *Server) handleListVoices(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, listVoicesResponse{
		DefaultVoiceID: s.cfg.GeminiLiveVoice,
		Recommended:    []voiceSummary{prebuiltVoices[0], prebuiltVoices[1], prebuiltVoices[4]},
		Voices:         prebuiltVoices,
	})
}

func knownVoice(id string) bool {
	for _, v := range prebuiltVoices {
		if strings.EqualFold(v.VoiceID, id) {
			return true
		}
	}
	return false
}

type previewTTSRequest struct {
	VoiceID string `json:"voice_id"`
	Text    string `json:"text"`
}

const defaultPreviewText = "Hi, I'm Rafiqa. What shall we do today?"

func (s *Server) handlePreviewTTS(w http.ResponseWriter, r *http.Request) {
	if s.previewer == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "speech synthesis not configured")
		return
	}

	var req previewTTSRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	voiceID := strings.TrimSpace(req.VoiceID)
	if voiceID == "" {
		voiceID = s.cfg.GeminiLiveVoice
	}
	if !knownVoice(voiceID) {
		respondError(w, http.StatusBadRequest, "unknown_voice", "voice_id is not a prebuilt voice")
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		text = defaultPreviewText
	}

	buf, err := s.previewer.SynthesizeVoice(r.Context(), text, voiceID)
	if err != nil {
		respondError(w, http.StatusBadGateway, "tts_preview_failed", err.Error())
		return
	}
	var out bytes.Buffer
	if err := audio.WriteWAV(&out, buf); err != nil {
		respondError(w, http.StatusInternalServerError, "tts_preview_failed", err.Error())
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Audio-Format", audio.WireFormat)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out.Bytes())
}
