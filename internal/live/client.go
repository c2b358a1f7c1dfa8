// Package live speaks the Gemini Live bidirectional streaming protocol over
// a websocket.
package live

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/ent0n29/rafiqa/internal/observability"
	"github.com/ent0n29/rafiqa/internal/reliability"
)

const (
	// MaxMessageSize bounds a single inbound websocket message.
	MaxMessageSize = 16 * 1024 * 1024

	captureMIMEType = "audio/pcm;rate=16000"
	writeTimeout    = 10 * time.Second
	eventBuffer     = 256
)

type ClientConfig struct {
	URL    string
	APIKey string
	// MaxDialAttempts counts the first attempt. Only retryable handshake
	// statuses are retried.
	MaxDialAttempts int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	Dialer          *websocket.Dialer
}

// SessionConfig describes one conversation.
type SessionConfig struct {
	Model             string
	Voice             string
	SystemInstruction string
	Tools             []*genai.FunctionDeclaration
}

// Client opens live sessions.
type Client struct {
	cfg     ClientConfig
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewClient(cfg ClientConfig, logger zerolog.Logger, metrics *observability.Metrics) *Client {
	if cfg.MaxDialAttempts <= 0 {
		cfg.MaxDialAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 5 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 45 * time.Second,
		}
	}
	return &Client{cfg: cfg, logger: logger.With().Str("component", "live").Logger(), metrics: metrics}
}

// Connect dials the service and sends the session setup. It returns before
// the server confirms; EventOpen arrives on the event stream once it does.
func (c *Client) Connect(ctx context.Context, sc SessionConfig) (*Conn, error) {
	ws, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(MaxMessageSize)

	conn := newConn(ws, c.logger, c.metrics)
	if err := conn.writeJSON("setup", buildSetup(sc)); err != nil {
		_ = ws.Close()
		return nil, &ConnectError{URL: c.cfg.URL, Err: fmt.Errorf("send setup: %w", err)}
	}
	go conn.readLoop()
	return conn, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	headers := http.Header{}
	if c.cfg.APIKey != "" {
		headers.Set("x-goog-api-key", c.cfg.APIKey)
	}

	var lastErr error
	var lastStatus int
	for attempt := 0; attempt < c.cfg.MaxDialAttempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, c.cfg.BackoffBase, c.cfg.BackoffCap)
			c.logger.Warn().Err(lastErr).Int("attempt", attempt+1).Dur("backoff", wait).Msg("retrying live dial")
			select {
			case <-ctx.Done():
				return nil, &ConnectError{URL: c.cfg.URL, StatusCode: lastStatus, Err: ctx.Err()}
			case <-time.After(wait):
			}
		}

		ws, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, headers)
		if err == nil {
			return ws, nil
		}
		lastErr, lastStatus = err, 0
		if resp != nil {
			lastStatus = resp.StatusCode
			_ = resp.Body.Close()
		}
		if ctx.Err() != nil || !reliability.IsRetryableHTTPStatus(lastStatus) {
			break
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no dial attempts")
	}
	return nil, &ConnectError{URL: c.cfg.URL, StatusCode: lastStatus, Err: lastErr}
}

func buildSetup(sc SessionConfig) setupMessage {
	model := strings.TrimSpace(sc.Model)
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	setup := setupContent{
		Model: model,
		GenerationConfig: generationConfig{
			ResponseModalities: []genai.Modality{genai.ModalityAudio},
		},
		InputAudioTranscription:  &struct{}{},
		OutputAudioTranscription: &struct{}{},
	}
	if sc.Voice != "" {
		setup.GenerationConfig.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: sc.Voice},
			},
		}
	}
	if sc.SystemInstruction != "" {
		setup.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: sc.SystemInstruction}}}
	}
	if len(sc.Tools) > 0 {
		setup.Tools = []*genai.Tool{{FunctionDeclarations: sc.Tools}}
	}
	return setupMessage{Setup: setup}
}
