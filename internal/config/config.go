package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice assistant service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	JanitorInterval          time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	LogLevel  string
	LogPretty bool

	GeminiAPIKey     string
	GeminiLiveURL    string
	GeminiLiveModel  string
	GeminiLiveVoice  string
	GeminiTextModel  string
	GeminiImageModel string
	GeminiTTSModel   string

	// AssistantPersona is the system instruction sent when a session opens.
	AssistantPersona string

	CaptureFrameSize int
	// AudioDevices selects the audio backend: "local" opens the
	// microphone and speaker, "browser" relays audio through the UI event socket.
	AudioDevices string

	DatabaseURL        string
	HistoryRecentLimit int
}

const defaultPersona = "You are Rafiqa, a warm lifestyle assistant. Keep spoken answers short. " +
	"Use the declared tools to keep the user's diary, move between pages, draw pictures and estimate calories."

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "rafiqa"),
		AllowAnyOrigin:   false,
		LogLevel:         envOrDefault("LOG_LEVEL", "info"),
		GeminiAPIKey:     stringsTrimSpace("GEMINI_API_KEY"),
		GeminiLiveURL:    envOrDefault("GEMINI_LIVE_URL", "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"),
		GeminiLiveModel:  envOrDefault("GEMINI_LIVE_MODEL", "gemini-2.0-flash-live-001"),
		GeminiLiveVoice:  envOrDefault("GEMINI_LIVE_VOICE", "Aoede"),
		GeminiTextModel:  envOrDefault("GEMINI_TEXT_MODEL", "gemini-2.5-flash"),
		GeminiImageModel: envOrDefault("GEMINI_IMAGE_MODEL", "imagen-3.0-generate-002"),
		GeminiTTSModel:   envOrDefault("GEMINI_TTS_MODEL", "gemini-2.5-flash-preview-tts"),
		AssistantPersona: envOrDefault("ASSISTANT_PERSONA", defaultPersona),
		CaptureFrameSize: 4096,
		AudioDevices:     strings.ToLower(envOrDefault("AUDIO_DEVICES", "local")),
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),

		HistoryRecentLimit:       50,
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 5 * time.Minute,
		JanitorInterval:          15 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.JanitorInterval, err = durationFromEnv("APP_JANITOR_INTERVAL", cfg.JanitorInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.LogPretty, err = boolFromEnv("LOG_PRETTY", cfg.LogPretty)
	if err != nil {
		return Config{}, err
	}
	cfg.CaptureFrameSize, err = intFromEnv("CAPTURE_FRAME_SIZE", cfg.CaptureFrameSize)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryRecentLimit, err = intFromEnv("HISTORY_RECENT_LIMIT", cfg.HistoryRecentLimit)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.JanitorInterval <= 0 {
		return Config{}, fmt.Errorf("APP_JANITOR_INTERVAL must be positive")
	}
	if cfg.CaptureFrameSize < 256 || cfg.CaptureFrameSize > 16384 {
		return Config{}, fmt.Errorf("CAPTURE_FRAME_SIZE must be in [256,16384]")
	}
	if cfg.HistoryRecentLimit <= 0 {
		return Config{}, fmt.Errorf("HISTORY_RECENT_LIMIT must be positive")
	}
	switch cfg.AudioDevices {
	case "local", "browser":
	default:
		return Config{}, fmt.Errorf("AUDIO_DEVICES must be one of local, browser")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
