package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ent0n29/rafiqa/internal/config"
	"github.com/ent0n29/rafiqa/internal/conversation"
	"github.com/ent0n29/rafiqa/internal/fulfill"
	"github.com/ent0n29/rafiqa/internal/history"
	"github.com/ent0n29/rafiqa/internal/httpapi"
	"github.com/ent0n29/rafiqa/internal/live"
	"github.com/ent0n29/rafiqa/internal/logging"
	"github.com/ent0n29/rafiqa/internal/notify"
	"github.com/ent0n29/rafiqa/internal/observability"
	"github.com/ent0n29/rafiqa/internal/session"
)

type AudioInfo struct {
	Devices string
	Detail  string
	Voice   string
	Model   string
}

type BuildResult struct {
	Config    config.Config
	API       *httpapi.Server
	Sessions  *session.Manager
	Hub       *notify.Hub
	Launcher  *Launcher
	Fulfiller *fulfill.Service
	Metrics   *observability.Metrics
	Audio     AudioInfo

	// Cleanup should be called on shutdown to release external resources (DB, etc).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	devices, err := resolveAudioDevices(cfg.AudioDevices)
	if err != nil {
		return nil, err
	}
	cfg.AudioDevices = devices.mode

	historyStore, err := history.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("history store init failed: %w", err)
	}

	// Tool fulfillment and spoken prompts need the Gemini API; without a key
	// the conversation still runs and acknowledges those calls.
	var fulfiller *fulfill.Service
	if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		client, err := fulfill.NewClient(ctx, cfg.GeminiAPIKey)
		if err != nil {
			_ = historyStore.Close()
			return nil, err
		}
		fulfiller = fulfill.New(client, fulfill.Config{
			TextModel:  cfg.GeminiTextModel,
			ImageModel: cfg.GeminiImageModel,
			TTSModel:   cfg.GeminiTTSModel,
			Voice:      cfg.GeminiLiveVoice,
		}, logger)
	} else {
		logger.Warn().Msg("GEMINI_API_KEY is not set; tool fulfillment and spoken prompts are disabled")
	}

	liveClient := live.NewClient(live.ClientConfig{
		URL:    cfg.GeminiLiveURL,
		APIKey: cfg.GeminiAPIKey,
	}, logger, metrics)

	hub := notify.NewHub(logger, metrics)
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	launcher := newLauncher(cfg, conversation.LiveTransport(liveClient), fulfiller, devices, metrics, logging.Component(logger, "conversation"))

	opts := httpapi.Options{Launcher: launcher, History: historyStore}
	if fulfiller != nil {
		opts.Previewer = fulfiller
	}
	api := httpapi.New(cfg, sessions, hub, opts, metrics, logger)
	sessions.SetEndHook(api.OnSessionEnd)

	cleanup := func() error {
		var errs []string
		sessions.EndAll()
		if err := historyStore.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:    cfg,
		API:       api,
		Sessions:  sessions,
		Hub:       hub,
		Launcher:  launcher,
		Fulfiller: fulfiller,
		Metrics:   metrics,
		Audio: AudioInfo{
			Devices: devices.mode,
			Detail:  devices.detail,
			Voice:   cfg.GeminiLiveVoice,
			Model:   cfg.GeminiLiveModel,
		},
		Cleanup: cleanup,
	}, nil
}
