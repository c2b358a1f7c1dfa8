package live

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

// fakeLive is a scripted Gemini Live endpoint.
type fakeLive struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	received []map[string]any
	apiKey   string
	gotFirst chan struct{}
}

func newFakeLive(t *testing.T, script func(ws *websocket.Conn)) *fakeLive {
	f := &fakeLive{gotFirst: make(chan struct{})}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		f.mu.Lock()
		f.apiKey = r.Header.Get("x-goog-api-key")
		f.mu.Unlock()

		go func() {
			first := true
			for {
				_, data, err := ws.ReadMessage()
				if err != nil {
					return
				}
				var msg map[string]any
				_ = json.Unmarshal(data, &msg)
				f.mu.Lock()
				f.received = append(f.received, msg)
				f.mu.Unlock()
				if first {
					first = false
					close(f.gotFirst)
				}
			}
		}()
		<-f.gotFirst
		script(ws)
		// Hold the socket until the client hangs up.
		time.Sleep(200 * time.Millisecond)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeLive) url() string { return "ws" + strings.TrimPrefix(f.srv.URL, "http") }

func (f *fakeLive) messages() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.received...)
}

func newTestClient(url string) *Client {
	return NewClient(ClientConfig{URL: url, APIKey: "test-key", BackoffBase: time.Millisecond, BackoffCap: 2 * time.Millisecond}, zerolog.Nop(), nil)
}

func nextEvent(t *testing.T, c *Conn) Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		require.True(t, ok, "event channel closed early")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestConnectSendsSetupAndTranslatesServerContent(t *testing.T) {
	f := newFakeLive(t, func(ws *websocket.Conn) {
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"setupComplete":{}}`))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"serverContent":{"inputTranscription":{"text":"hel"}}}`))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"serverContent":{"outputTranscription":{"text":"Hi"},"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"AAAA"}},{"text":"ignored"}]}}}`))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"toolCall":{"functionCalls":[{"id":"c1","name":"navigateTo","args":{"page":"diary"}}]}}`))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"serverContent":{"interrupted":true}}`))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"serverContent":{"turnComplete":true}}`))
	})

	client := newTestClient(f.url())
	conn, err := client.Connect(context.Background(), SessionConfig{
		Model:             "gemini-live",
		Voice:             "Aoede",
		SystemInstruction: "be brief",
		Tools:             []*genai.FunctionDeclaration{{Name: "navigateTo"}},
	})
	require.NoError(t, err)
	defer conn.Close()

	want := []EventType{EventOpen, EventInputTranscript, EventOutputTranscript, EventAudio, EventToolCall, EventInterrupted, EventTurnComplete}
	var got []Event
	for range want {
		got = append(got, nextEvent(t, conn))
	}
	for i, ev := range got {
		assert.Equal(t, want[i], ev.Type, "event %d", i)
	}
	assert.Equal(t, "hel", got[1].Text)
	assert.Equal(t, "Hi", got[2].Text)
	assert.Equal(t, "AAAA", got[3].Audio)
	require.Len(t, got[4].Calls, 1)
	assert.Equal(t, ToolCall{ID: "c1", Name: "navigateTo", Args: map[string]any{"page": "diary"}}, got[4].Calls[0])

	msgs := f.messages()
	require.NotEmpty(t, msgs)
	setup, ok := msgs[0]["setup"].(map[string]any)
	require.True(t, ok, "first message is not setup: %v", msgs[0])
	assert.Equal(t, "models/gemini-live", setup["model"])
	assert.Contains(t, setup, "inputAudioTranscription")
	assert.Contains(t, setup, "outputAudioTranscription")
	gen := setup["generationConfig"].(map[string]any)
	assert.Equal(t, []any{"AUDIO"}, gen["responseModalities"])
	raw, _ := json.Marshal(setup)
	assert.Contains(t, string(raw), `"voiceName":"Aoede"`)
	assert.Contains(t, string(raw), `"functionDeclarations":[{"name":"navigateTo"}]`)
	assert.Contains(t, string(raw), `"text":"be brief"`)

	f.mu.Lock()
	assert.Equal(t, "test-key", f.apiKey)
	f.mu.Unlock()
}

func TestSendAudioFrameDropsBeforeOpen(t *testing.T) {
	release := make(chan struct{})
	f := newFakeLive(t, func(ws *websocket.Conn) {
		<-release
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"setupComplete":{}}`))
	})
	conn, err := newTestClient(f.url()).Connect(context.Background(), SessionConfig{Model: "m"})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SendAudioFrame("dropped"))
	close(release)
	require.Equal(t, EventOpen, nextEvent(t, conn).Type)
	require.NoError(t, conn.SendAudioFrame("AQID"))
	require.NoError(t, conn.SendToolResult("c1", "addToDiary", map[string]any{"result": "ok"}))

	require.Eventually(t, func() bool { return len(f.messages()) == 3 }, 2*time.Second, 10*time.Millisecond)
	msgs := f.messages()
	raw, _ := json.Marshal(msgs[1])
	assert.JSONEq(t, `{"realtime_input":{"media_chunks":[{"mime_type":"audio/pcm;rate=16000","data":"AQID"}]}}`, string(raw))
	raw, _ = json.Marshal(msgs[2])
	assert.JSONEq(t, `{"toolResponse":{"functionResponses":[{"id":"c1","name":"addToDiary","response":{"result":"ok"}}]}}`, string(raw))
}

func TestCloseIsIdempotentAndEndsStream(t *testing.T) {
	f := newFakeLive(t, func(ws *websocket.Conn) {
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"setupComplete":{}}`))
	})
	conn, err := newTestClient(f.url()).Connect(context.Background(), SessionConfig{Model: "m"})
	require.NoError(t, err)
	require.Equal(t, EventOpen, nextEvent(t, conn).Type)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.False(t, conn.Open())
	require.NoError(t, conn.SendAudioFrame("AQID"))
	assert.ErrorIs(t, conn.SendToolResult("c1", "x", nil), ErrClosed)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-conn.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("event channel not closed after Close")
		}
	}
}

func TestServerDropIsFatal(t *testing.T) {
	f := newFakeLive(t, func(ws *websocket.Conn) {
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"setupComplete":{}}`))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`not json`))
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "boom"), time.Now().Add(time.Second))
	})
	conn, err := newTestClient(f.url()).Connect(context.Background(), SessionConfig{Model: "m"})
	require.NoError(t, err)
	defer conn.Close()

	require.Equal(t, EventOpen, nextEvent(t, conn).Type)
	decodeErr := nextEvent(t, conn)
	require.Equal(t, EventError, decodeErr.Type)
	assert.False(t, decodeErr.Fatal())

	dropped := nextEvent(t, conn)
	require.Equal(t, EventError, dropped.Type)
	assert.True(t, dropped.Fatal())
	var te *TransportError
	require.True(t, errors.As(dropped.Err, &te))
	assert.True(t, te.Retryable)

	assert.Equal(t, EventClosed, nextEvent(t, conn).Type)
}

func TestConnectRetriesRetryableHandshake(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestClient("ws"+strings.TrimPrefix(srv.URL, "http")).Connect(context.Background(), SessionConfig{Model: "m"})
	var ce *ConnectError
	require.True(t, errors.As(err, &ce), "err = %v", err)
	assert.Equal(t, http.StatusServiceUnavailable, ce.StatusCode)
	mu.Lock()
	assert.Equal(t, 3, attempts)
	mu.Unlock()
}

func TestConnectDoesNotRetryAuthFailure(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		http.Error(w, "bad key", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := newTestClient("ws"+strings.TrimPrefix(srv.URL, "http")).Connect(context.Background(), SessionConfig{Model: "m"})
	var ce *ConnectError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, http.StatusForbidden, ce.StatusCode)
	mu.Lock()
	assert.Equal(t, 1, attempts)
	mu.Unlock()
}
