package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ent0n29/rafiqa/internal/audio"
	"github.com/ent0n29/rafiqa/internal/capture"
	"github.com/ent0n29/rafiqa/internal/config"
	"github.com/ent0n29/rafiqa/internal/conversation"
	"github.com/ent0n29/rafiqa/internal/history"
	"github.com/ent0n29/rafiqa/internal/notify"
	"github.com/ent0n29/rafiqa/internal/observability"
	"github.com/ent0n29/rafiqa/internal/session"
)

type fakeConversation struct {
	done    chan struct{}
	once    sync.Once
	history []conversation.HistoryEntry
}

func (f *fakeConversation) Close() []conversation.HistoryEntry {
	f.once.Do(func() { close(f.done) })
	return f.history
}

func (f *fakeConversation) Snapshot() conversation.Snapshot {
	return conversation.Snapshot{Mode: conversation.ModeConversational, Status: conversation.StatusListening}
}

func (f *fakeConversation) Done() <-chan struct{} { return f.done }

type fakeLauncher struct {
	mu      sync.Mutex
	err     error
	browser bool
	history []conversation.HistoryEntry
	sinks   map[string]*notify.SessionSink
	mics    map[string]*capture.PushSource
}

func (l *fakeLauncher) Launch(_ context.Context, sess *session.Session, sink *notify.SessionSink) (*Launch, error) {
	if l.err != nil {
		return nil, l.err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sinks == nil {
		l.sinks = make(map[string]*notify.SessionSink)
		l.mics = make(map[string]*capture.PushSource)
	}
	l.sinks[sess.ID] = sink
	launched := &Launch{Conversation: &fakeConversation{done: make(chan struct{}), history: l.history}}
	if l.browser {
		launched.Microphone = capture.NewPushSource()
		l.mics[sess.ID] = launched.Microphone
	}
	return launched, nil
}

func (l *fakeLauncher) sink(id string) *notify.SessionSink {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sinks[id]
}

func (l *fakeLauncher) mic(id string) *capture.PushSource {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mics[id]
}

type fakePreviewer struct{ voice string }

func (p *fakePreviewer) SynthesizeVoice(_ context.Context, _ string, voice string) (audio.PlaybackBuffer, error) {
	p.voice = voice
	return audio.NewPlaybackBuffer([][]float32{make([]float32, 240)}, audio.PlaybackSampleRate), nil
}

type testEnv struct {
	srv      *Server
	ts       *httptest.Server
	sessions *session.Manager
	launcher *fakeLauncher
	store    *history.InMemoryStore
}

func newTestEnv(t *testing.T, launcher *fakeLauncher, previewer Previewer) *testEnv {
	t.Helper()
	cfg := config.Config{
		SessionInactivityTimeout: 2 * time.Minute,
		HistoryRecentLimit:       50,
		AudioDevices:             "browser",
		CaptureFrameSize:         4096,
		GeminiLiveVoice:          "Aoede",
	}
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), "test_httpapi")
	hub := notify.NewHub(zerolog.Nop(), metrics)
	store := history.NewInMemoryStore()
	opts := Options{History: store, Previewer: previewer}
	if launcher != nil {
		opts.Launcher = launcher
	}
	srv := New(cfg, sessions, hub, opts, metrics, zerolog.Nop())
	sessions.SetEndHook(srv.OnSessionEnd)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{srv: srv, ts: ts, sessions: sessions, launcher: launcher, store: store}
}

func (e *testEnv) createSession(t *testing.T, body string) (*http.Response, map[string]any) {
	t.Helper()
	res, err := http.Post(e.ts.URL+"/v1/voice/session", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	defer res.Body.Close()
	var payload map[string]any
	_ = json.NewDecoder(res.Body).Decode(&payload)
	return res, payload
}

func TestCreateGetAndCloseSessionPersistsHistory(t *testing.T) {
	launcher := &fakeLauncher{history: []conversation.HistoryEntry{
		{Role: conversation.RoleUser, Text: "call me on +1 555 123 4567"},
		{Role: conversation.RoleModel, Text: "Noted."},
	}}
	env := newTestEnv(t, launcher, nil)

	res, created := env.createSession(t, `{"client_id":"client-1"}`)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	sessionID, _ := created["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("missing session_id in create response: %+v", created)
	}
	if created["mode"] != "conversational" {
		t.Fatalf("mode = %v, want conversational", created["mode"])
	}

	getRes, err := http.Get(env.ts.URL + "/v1/voice/session/" + sessionID)
	if err != nil {
		t.Fatalf("get session request error = %v", err)
	}
	var got session.Session
	_ = json.NewDecoder(getRes.Body).Decode(&got)
	getRes.Body.Close()
	if got.Status != session.StatusActive || got.Conversation == nil || got.Conversation.Status != conversation.StatusListening {
		t.Fatalf("unexpected session: %+v", got)
	}

	closeRes, err := http.Post(env.ts.URL+"/v1/voice/session/"+sessionID+"/close", "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("close session request error = %v", err)
	}
	defer closeRes.Body.Close()
	if closeRes.StatusCode != http.StatusOK {
		t.Fatalf("close status = %d, want %d", closeRes.StatusCode, http.StatusOK)
	}
	var closed session.CloseResponse
	if err := json.NewDecoder(closeRes.Body).Decode(&closed); err != nil {
		t.Fatalf("decode close response: %v", err)
	}
	if len(closed.History) != 2 || closed.Session.Status != session.StatusEnded {
		t.Fatalf("unexpected close response: %+v", closed)
	}

	histRes, err := http.Get(env.ts.URL + "/v1/history?client_id=client-1")
	if err != nil {
		t.Fatalf("history request error = %v", err)
	}
	defer histRes.Body.Close()
	var payload struct {
		Records []history.Record `json:"records"`
	}
	if err := json.NewDecoder(histRes.Body).Decode(&payload); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(payload.Records) != 2 {
		t.Fatalf("history records = %d, want 2", len(payload.Records))
	}
	if strings.Contains(payload.Records[0].Text, "555") || !payload.Records[0].PIIRedacted {
		t.Fatalf("phone number not redacted: %+v", payload.Records[0])
	}
}

func TestCreateSessionRejectsSecondForClient(t *testing.T) {
	env := newTestEnv(t, &fakeLauncher{}, nil)

	if res, _ := env.createSession(t, `{"client_id":"c1"}`); res.StatusCode != http.StatusCreated {
		t.Fatalf("first create status = %d", res.StatusCode)
	}
	res, payload := env.createSession(t, `{"client_id":"c1","mode":"dictation"}`)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second create status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
	if payload["code"] != "session_active" {
		t.Fatalf("code = %v, want session_active", payload["code"])
	}
}

func TestCloseDictationSessionCarriesNoHistory(t *testing.T) {
	env := newTestEnv(t, &fakeLauncher{}, nil)

	res, created := env.createSession(t, `{"client_id":"c1","mode":"dictation"}`)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	sessionID, _ := created["session_id"].(string)

	closeRes, err := http.Post(env.ts.URL+"/v1/voice/session/"+sessionID+"/close", "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("close session request error = %v", err)
	}
	defer closeRes.Body.Close()
	var payload map[string]json.RawMessage
	if err := json.NewDecoder(closeRes.Body).Decode(&payload); err != nil {
		t.Fatalf("decode close response: %v", err)
	}
	if got := string(payload["history"]); got != "null" {
		t.Fatalf("history = %s, want null", got)
	}
}

func TestCreateSessionErrors(t *testing.T) {
	t.Run("invalid mode", func(t *testing.T) {
		env := newTestEnv(t, &fakeLauncher{}, nil)
		res, _ := env.createSession(t, `{"mode":"karaoke"}`)
		if res.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
		}
	})
	t.Run("microphone denied", func(t *testing.T) {
		launcher := &fakeLauncher{err: fmt.Errorf("start: %w", capture.ErrPermissionDenied)}
		env := newTestEnv(t, launcher, nil)
		res, payload := env.createSession(t, `{"client_id":"c1"}`)
		if res.StatusCode != http.StatusForbidden || payload["code"] != "microphone_denied" {
			t.Fatalf("status = %d code = %v, want 403 microphone_denied", res.StatusCode, payload["code"])
		}
		if env.sessions.ActiveCount() != 0 {
			t.Fatalf("ActiveCount() = %d, want 0 after failed launch", env.sessions.ActiveCount())
		}
	})
	t.Run("connect failure", func(t *testing.T) {
		env := newTestEnv(t, &fakeLauncher{err: errors.New("dial failed")}, nil)
		res, _ := env.createSession(t, `{"client_id":"c1"}`)
		if res.StatusCode != http.StatusBadGateway {
			t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadGateway)
		}
	})
	t.Run("no launcher", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		res, _ := env.createSession(t, `{}`)
		if res.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusServiceUnavailable)
		}
	})
}

func TestEventsWSRelaysSessionEventsAndBrowserAudio(t *testing.T) {
	launcher := &fakeLauncher{browser: true}
	env := newTestEnv(t, launcher, nil)

	res, created := env.createSession(t, `{"client_id":"c1"}`)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", res.StatusCode)
	}
	sessionID := created["session_id"].(string)

	received := make(chan []float32, 4)
	if _, err := launcher.mic(sessionID).Open(audio.CaptureSampleRate, func(s []float32) { received <- s }); err != nil {
		t.Fatalf("open push source: %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/voice/events/ws?client_id=c1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.srv.hub.Subscribers("c1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("ws subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	launcher.sink(sessionID).ObserveStatus(conversation.StatusSpeaking)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var status map[string]any
	if err := conn.ReadJSON(&status); err != nil {
		t.Fatalf("read status: %v", err)
	}
	if status["type"] != "status" || status["status"] != "speaking" || status["session_id"] != sessionID {
		t.Fatalf("unexpected status message: %+v", status)
	}

	chunk := map[string]any{
		"type":         "client_audio_chunk",
		"session_id":   sessionID,
		"seq":          1,
		"pcm16_base64": audio.EncodePCM16([]float32{0, 0.5, -0.5}),
		"sample_rate":  audio.CaptureSampleRate,
	}
	if err := conn.WriteJSON(chunk); err != nil {
		t.Fatalf("write audio chunk: %v", err)
	}
	select {
	case samples := <-received:
		if len(samples) != 3 {
			t.Fatalf("pushed %d samples, want 3", len(samples))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("browser audio never reached the microphone source")
	}

	chunk["sample_rate"] = 48000
	if err := conn.WriteJSON(chunk); err != nil {
		t.Fatalf("write audio chunk: %v", err)
	}
	var errEvent map[string]any
	if err := conn.ReadJSON(&errEvent); err != nil {
		t.Fatalf("read error event: %v", err)
	}
	if errEvent["type"] != "error_event" || errEvent["code"] != "sample_rate_mismatch" {
		t.Fatalf("unexpected error event: %+v", errEvent)
	}

	if err := conn.WriteJSON(map[string]any{"type": "client_control", "session_id": sessionID, "action": "stop"}); err != nil {
		t.Fatalf("write control: %v", err)
	}
	var ended map[string]any
	if err := conn.ReadJSON(&ended); err != nil {
		t.Fatalf("read session_ended: %v", err)
	}
	if ended["type"] != "session_ended" || ended["session_id"] != sessionID {
		t.Fatalf("unexpected message after stop: %+v", ended)
	}
}

func TestEventsWSRequiresClientID(t *testing.T) {
	env := newTestEnv(t, &fakeLauncher{}, nil)
	res, err := http.Get(env.ts.URL + "/v1/voice/events/ws")
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestPreviewTTSReturnsWAV(t *testing.T) {
	previewer := &fakePreviewer{}
	env := newTestEnv(t, &fakeLauncher{}, previewer)

	res, err := http.Post(env.ts.URL+"/v1/voice/tts/preview", "application/json", strings.NewReader(`{"voice_id":"Puck"}`))
	if err != nil {
		t.Fatalf("preview request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "audio/wav" {
		t.Fatalf("Content-Type = %q, want audio/wav", ct)
	}
	var body bytes.Buffer
	_, _ = body.ReadFrom(res.Body)
	if !bytes.HasPrefix(body.Bytes(), []byte("RIFF")) {
		t.Fatalf("body is not a WAV file")
	}
	if previewer.voice != "Puck" {
		t.Fatalf("voice = %q, want Puck", previewer.voice)
	}

	bad, err := http.Post(env.ts.URL+"/v1/voice/tts/preview", "application/json", strings.NewReader(`{"voice_id":"nobody"}`))
	if err != nil {
		t.Fatalf("preview request error = %v", err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown voice status = %d, want %d", bad.StatusCode, http.StatusBadRequest)
	}
}

func TestInfoRoutes(t *testing.T) {
	env := newTestEnv(t, &fakeLauncher{}, nil)

	cases := map[string]func(map[string]any) error{
		"/healthz": func(p map[string]any) error {
			if p["status"] != "ok" {
				return fmt.Errorf("status = %v", p["status"])
			}
			return nil
		},
		"/v1/ui/settings": func(p map[string]any) error {
			if p["audio_devices"] != "browser" || p["capture_sample_rate"] != float64(16000) {
				return fmt.Errorf("settings = %+v", p)
			}
			return nil
		},
		"/v1/onboarding/status": func(p map[string]any) error {
			checks, _ := p["checks"].([]any)
			if len(checks) == 0 {
				return fmt.Errorf("missing checks: %+v", p)
			}
			return nil
		},
		"/v1/voice/voices": func(p map[string]any) error {
			if p["default_voice_id"] != "Aoede" {
				return fmt.Errorf("default_voice_id = %v", p["default_voice_id"])
			}
			return nil
		},
		"/v1/perf/latency": func(p map[string]any) error {
			if _, ok := p["stages"]; !ok {
				return fmt.Errorf("missing stages: %+v", p)
			}
			return nil
		},
	}
	for path, check := range cases {
		t.Run(path, func(t *testing.T) {
			res, err := http.Get(env.ts.URL + path)
			if err != nil {
				t.Fatalf("GET %s error = %v", path, err)
			}
			defer res.Body.Close()
			if res.StatusCode != http.StatusOK {
				t.Fatalf("GET %s status = %d", path, res.StatusCode)
			}
			var payload map[string]any
			if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
				t.Fatalf("decode %s: %v", path, err)
			}
			if err := check(payload); err != nil {
				t.Fatalf("GET %s: %v", path, err)
			}
		})
	}
}
