package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ent0n29/rafiqa/internal/config"
	"github.com/ent0n29/rafiqa/internal/conversation"
	"github.com/ent0n29/rafiqa/internal/fulfill"
	"github.com/ent0n29/rafiqa/internal/httpapi"
	"github.com/ent0n29/rafiqa/internal/live"
	"github.com/ent0n29/rafiqa/internal/notify"
	"github.com/ent0n29/rafiqa/internal/observability"
	"github.com/ent0n29/rafiqa/internal/session"
	"github.com/ent0n29/rafiqa/internal/tools"
)

// Launcher starts a conversation state machine for each new session.
type Launcher struct {
	cfg       config.Config
	transport conversation.Transport
	fulfiller *fulfill.Service
	devices   *audioDevices
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func newLauncher(cfg config.Config, transport conversation.Transport, fulfiller *fulfill.Service, devices *audioDevices, metrics *observability.Metrics, logger zerolog.Logger) *Launcher {
	return &Launcher{
		cfg:       cfg,
		transport: transport,
		fulfiller: fulfiller,
		devices:   devices,
		metrics:   metrics,
		logger:    logger,
	}
}

func (l *Launcher) Launch(ctx context.Context, sess *session.Session, sink *notify.SessionSink) (*httpapi.Launch, error) {
	endpoints, err := l.devices.open(sink)
	if err != nil {
		return nil, fmt.Errorf("open audio devices: %w", err)
	}

	deps := conversation.Deps{
		Transport:  l.transport,
		Microphone: endpoints.mic,
		Speaker:    endpoints.speaker,
		Dispatcher: sink,
		Notifier:   sink,
		Observer:   sink,
		Logger:     l.logger.With().Str("session_id", sess.ID).Str("client_id", sess.ClientID).Logger(),
		Metrics:    l.metrics,
	}
	if l.fulfiller != nil {
		deps.Fulfiller = l.fulfiller
		deps.Synthesizer = l.fulfiller
	}

	opts := conversation.Options{
		Mode: sess.Mode,
		Session: live.SessionConfig{
			Model:             l.cfg.GeminiLiveModel,
			Voice:             l.cfg.GeminiLiveVoice,
			SystemInstruction: l.cfg.AssistantPersona,
			Tools:             tools.Declarations(),
		},
		FrameSize: l.cfg.CaptureFrameSize,
	}
	if sess.Mode == conversation.ModeDictation {
		opts.OnSubmit = sink.Dictated
	}

	m, err := conversation.New(deps, opts)
	if err != nil {
		_ = endpoints.speaker.Close()
		return nil, err
	}
	if err := m.Start(ctx); err != nil {
		return nil, err
	}
	return &httpapi.Launch{Conversation: m, Microphone: endpoints.push}, nil
}
