package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/rafiqa/internal/audio"
	"github.com/ent0n29/rafiqa/internal/capture"
	"github.com/ent0n29/rafiqa/internal/config"
	"github.com/ent0n29/rafiqa/internal/conversation"
	"github.com/ent0n29/rafiqa/internal/history"
	"github.com/ent0n29/rafiqa/internal/notify"
	"github.com/ent0n29/rafiqa/internal/observability"
	"github.com/ent0n29/rafiqa/internal/protocol"
	"github.com/ent0n29/rafiqa/internal/session"
)

// Launch is a started conversation. Microphone is set when the browser
// streams the user's audio over the event socket.
type Launch struct {
	Conversation session.Conversation
	Microphone   *capture.PushSource
}

// Launcher starts the conversation behind a new session.
type Launcher interface {
	Launch(ctx context.Context, sess *session.Session, sink *notify.SessionSink) (*Launch, error)
}

// Previewer speaks sample text in a given voice.
type Previewer interface {
	SynthesizeVoice(ctx context.Context, text, voice string) (audio.PlaybackBuffer, error)
}

type Server struct {
	cfg       config.Config
	sessions  *session.Manager
	hub       *notify.Hub
	launcher  Launcher
	history   history.Store
	previewer Previewer
	metrics   *observability.Metrics
	logger    zerolog.Logger
	upgrader  websocket.Upgrader

	mu    sync.Mutex
	sinks map[string]*notify.SessionSink
	mics  map[string]*capture.PushSource
}

type Options struct {
	Launcher  Launcher
	History   history.Store
	Previewer Previewer
}

func New(cfg config.Config, sessions *session.Manager, hub *notify.Hub, opts Options, metrics *observability.Metrics, logger zerolog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		sessions:  sessions,
		hub:       hub,
		launcher:  opts.Launcher,
		history:   opts.History,
		previewer: opts.Previewer,
		metrics:   metrics,
		logger:    logger.With().Str("component", "httpapi").Logger(),
		sinks:     make(map[string]*notify.SessionSink),
		mics:      make(map[string]*capture.PushSource),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive a session unless configured otherwise.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/voice/session", s.handleCreateSession)
	r.Get("/v1/voice/session/{id}", s.handleGetSession)
	r.Post("/v1/voice/session/{id}/close", s.handleCloseSession)
	r.Get("/v1/voice/events/ws", s.handleEventsWS)
	r.Get("/v1/voice/voices", s.handleListVoices)
	r.Post("/v1/voice/tts/preview", s.handlePreviewTTS)
	r.Get("/v1/history", s.handleHistory)
	r.Get("/v1/onboarding/status", s.handleOnboardingStatus)
	r.Get("/v1/ui/settings", s.handleUISettings)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	status, code := "ready", http.StatusOK
	if s.launcher == nil {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]any{
		"status":        status,
		"audio_devices": s.cfg.AudioDevices,
		"history_store": s.historyStoreMode(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.ClientID = strings.TrimSpace(req.ClientID)
	if req.ClientID == "" {
		req.ClientID = "anonymous"
	}
	mode, err := conversation.ParseMode(strings.TrimSpace(req.Mode))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_mode", err.Error())
		return
	}
	if s.launcher == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "live session backend not configured")
		return
	}

	sess, err := s.sessions.Create(req.ClientID, mode)
	if err != nil {
		if errors.Is(err, session.ErrConflict) {
			msg := err.Error()
			if active, aerr := s.sessions.ActiveForClient(req.ClientID); aerr == nil {
				msg += ": " + active.ID
			}
			respondError(w, http.StatusConflict, "session_active", msg)
			return
		}
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	sink := s.hub.Sink(sess.ClientID, sess.ID)
	sink.OnActivity = func() { _ = s.sessions.Touch(sess.ID) }
	s.mu.Lock()
	s.sinks[sess.ID] = sink
	s.mu.Unlock()

	launched, err := s.launcher.Launch(r.Context(), sess, sink)
	if err != nil {
		_, _, _ = s.sessions.End(sess.ID)
		if errors.Is(err, capture.ErrPermissionDenied) {
			respondError(w, http.StatusForbidden, "microphone_denied", err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, "live_connect_failed", err.Error())
		return
	}
	if launched.Microphone != nil {
		s.mu.Lock()
		s.mics[sess.ID] = launched.Microphone
		s.mu.Unlock()
	}
	if err := s.sessions.Attach(sess.ID, launched.Conversation); err != nil {
		launched.Conversation.Close()
		respondError(w, http.StatusGone, "session_ended", err.Error())
		return
	}
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.metrics.SessionEvent("created")

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		ClientID:        sess.ClientID,
		Mode:            sess.Mode,
		Status:          sess.Status,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.sessions.InactivityTimeout().Milliseconds(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, entries, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	// Dictation sessions hand their text to the submit callback and carry no history.
	if entries == nil && sess.Mode != conversation.ModeDictation {
		entries = []conversation.HistoryEntry{}
	}
	respondJSON(w, http.StatusOK, session.CloseResponse{Session: sess, History: entries})
}

// OnSessionEnd releases per-session resources, tells the UI and persists the
// conversation history. It is registered as the session manager's end hook.
func (s *Server) OnSessionEnd(sess *session.Session, entries []conversation.HistoryEntry) {
	s.mu.Lock()
	sink := s.sinks[sess.ID]
	delete(s.sinks, sess.ID)
	delete(s.mics, sess.ID)
	s.mu.Unlock()

	if sink != nil {
		sink.Ended("closed")
	}
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.metrics.SessionEvent("ended")

	if s.history == nil || len(entries) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.history.SaveTurns(ctx, history.FromConversation(sess.ClientID, sess.ID, entries)); err != nil {
		s.logger.Error().Err(err).Str("session_id", sess.ID).Msg("persist history failed")
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	clientID := strings.TrimSpace(r.URL.Query().Get("client_id"))
	if clientID == "" {
		respondError(w, http.StatusBadRequest, "missing_client_id", "query parameter client_id is required")
		return
	}
	limit := s.cfg.HistoryRecentLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}
	if s.history == nil {
		respondJSON(w, http.StatusOK, map[string]any{"records": []history.Record{}})
		return
	}
	records, err := s.history.Recent(r.Context(), clientID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "history_unavailable", err.Error())
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	clientID := strings.TrimSpace(r.URL.Query().Get("client_id"))
	if clientID == "" {
		respondError(w, http.StatusBadRequest, "missing_client_id", "query parameter client_id is required")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvent("ws_connected")
	sub := s.hub.Subscribe(clientID, 256)
	defer s.hub.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Direct replies share the writer with hub traffic.
	replies := make(chan any, 16)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			var msg any
			select {
			case <-ctx.Done():
				return
			case msg = <-sub.C:
			case msg = <-replies:
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				cancel()
				return
			}
			if t, ok := protocol.TypeOf(msg); ok {
				s.metrics.ObserveWSMessage("outbound", string(t))
			}
		}
	}()

	reply := func(msg any) {
		select {
		case replies <- msg:
		default:
			s.metrics.ObserveWSMessage("outbound_dropped", string(protocol.TypeErrorEvent))
		}
	}

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			reply(protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				Code:   "invalid_client_message",
				Source: "gateway",
				Detail: err.Error(),
			})
			continue
		}
		if t, ok := protocol.TypeOf(parsed); ok {
			s.metrics.ObserveWSMessage("inbound", string(t))
		}
		if ev, ok := s.handleClientMessage(clientID, parsed); !ok {
			reply(ev)
		}
	}

	cancel()
	<-writerDone
	s.metrics.SessionEvent("ws_disconnected")
}

// handleClientMessage applies one inbound message. It returns an error event
// and false when the message was rejected.
func (s *Server) handleClientMessage(clientID string, msg any) (protocol.ErrorEvent, bool) {
	reject := func(sessionID, code, detail string) (protocol.ErrorEvent, bool) {
		return protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sessionID,
			Code:      code,
			Source:    "gateway",
			Detail:    detail,
		}, false
	}

	switch m := msg.(type) {
	case protocol.ClientAudioChunk:
		sess, err := s.sessions.Get(m.SessionID)
		if err != nil || sess.ClientID != clientID || sess.Status != session.StatusActive {
			return reject(m.SessionID, "session_not_found", "no active session for this client")
		}
		s.mu.Lock()
		mic := s.mics[m.SessionID]
		s.mu.Unlock()
		if mic == nil {
			return reject(m.SessionID, "no_browser_audio", "session does not take browser audio")
		}
		if rate := mic.SampleRate(); rate != 0 && rate != m.SampleRate {
			return reject(m.SessionID, "sample_rate_mismatch", "expected sample rate "+strconv.Itoa(rate))
		}
		raw, err := audio.DecodeWireAudio(m.PCM16Base64)
		if err == nil {
			var buf audio.PlaybackBuffer
			buf, err = audio.DecodeAudioPayload(raw, m.SampleRate, 1)
			if err == nil {
				mic.Push(buf.Samples[0])
				return protocol.ErrorEvent{}, true
			}
		}
		s.metrics.ObserveDecodeError()
		return reject(m.SessionID, "invalid_audio", err.Error())
	case protocol.ClientControl:
		sess, err := s.sessions.Get(m.SessionID)
		if err != nil || sess.ClientID != clientID {
			return reject(m.SessionID, "session_not_found", "no session for this client")
		}
		switch m.Action {
		case protocol.ActionStop:
			_, _, _ = s.sessions.End(m.SessionID)
		case protocol.ActionPing:
			_ = s.sessions.Touch(m.SessionID)
		default:
			return reject(m.SessionID, "unsupported_action", m.Action)
		}
		return protocol.ErrorEvent{}, true
	default:
		return reject("", "unsupported_message", "")
	}
}

func (s *Server) historyStoreMode() string {
	switch s.history.(type) {
	case nil:
		return "disabled"
	case *history.PostgresStore:
		return "postgres"
	default:
		return "in-memory"
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
