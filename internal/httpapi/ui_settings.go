package httpapi

import (
	"net/http"

	"github.com/ent0n29/rafiqa/internal/audio"
	"github.com/ent0n29/rafiqa/internal/tools"
)

type uiSettingsResponse struct {
	AudioDevices       string   `json:"audio_devices"`
	CaptureSampleRate  int      `json:"capture_sample_rate"`
	CaptureFrameSize   int      `json:"capture_frame_size"`
	PlaybackSampleRate int      `json:"playback_sample_rate"`
	AudioFormat        string   `json:"audio_format"`
	Pages              []string `json:"pages"`
}

func (s *Server) handleUISettings(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, uiSettingsResponse{
		AudioDevices:       s.cfg.AudioDevices,
		CaptureSampleRate:  audio.CaptureSampleRate,
		CaptureFrameSize:   s.cfg.CaptureFrameSize,
		PlaybackSampleRate: audio.PlaybackSampleRate,
		AudioFormat:        audio.WireFormat,
		Pages:              tools.Pages,
	})
}
