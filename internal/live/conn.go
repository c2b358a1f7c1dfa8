package live

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/rafiqa/internal/observability"
	"github.com/ent0n29/rafiqa/internal/reliability"
)

// Conn is an open live session. Sends are safe for concurrent use; Events
// has a single reader.
type Conn struct {
	ws      *websocket.Conn
	logger  zerolog.Logger
	metrics *observability.Metrics

	events chan Event
	done   chan struct{}

	writeMu   sync.Mutex
	open      atomic.Bool
	closing   atomic.Bool
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, logger zerolog.Logger, metrics *observability.Metrics) *Conn {
	return &Conn{
		ws:      ws,
		logger:  logger,
		metrics: metrics,
		events:  make(chan Event, eventBuffer),
		done:    make(chan struct{}),
	}
}

// Events returns the ordered server event stream. EventClosed is the last
// event; the channel is closed after it.
func (c *Conn) Events() <-chan Event { return c.events }

// Open reports whether the server confirmed the setup.
func (c *Conn) Open() bool { return c.open.Load() && !c.closing.Load() }

// SendAudioFrame streams one base64 PCM16 frame. Frames sent before the
// session is open or after it closed are dropped without error.
func (c *Conn) SendAudioFrame(frame string) error {
	if !c.Open() {
		c.metrics.ObserveLiveMessage("outbound", "realtime_input_dropped")
		return nil
	}
	return c.writeJSON("realtime_input", realtimeInputMessage{
		RealtimeInput: realtimeInput{MediaChunks: []mediaChunk{{MIMEType: captureMIMEType, Data: frame}}},
	})
}

// SendToolResult answers a tool call.
func (c *Conn) SendToolResult(id, name string, result map[string]any) error {
	if c.closing.Load() {
		return ErrClosed
	}
	if result == nil {
		result = map[string]any{}
	}
	return c.writeJSON("tool_response", toolResponseMessage{
		ToolResponse: toolResponse{FunctionResponses: []functionResponse{{ID: id, Name: name, Response: result}}},
	})
}

// Close ends the session. It is idempotent; failures from an already
// closed socket are ignored.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
	return nil
}

func (c *Conn) writeJSON(msgType string, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteJSON(v); err != nil {
		return &TransportError{Op: "write " + msgType, Err: err}
	}
	c.metrics.ObserveLiveMessage("outbound", msgType)
	return nil
}

func (c *Conn) emit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *Conn) readLoop() {
	defer close(c.events)
	defer c.open.Store(false)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.closing.Load() && !reliability.IsNormalClose(err) {
				c.logger.Warn().Err(err).Msg("live connection lost")
				c.emit(Event{Type: EventError, Err: &TransportError{
					Op:        "read",
					Fatal:     true,
					Retryable: reliability.IsRetryableClose(err),
					Err:       err,
				}})
			}
			c.emit(Event{Type: EventClosed})
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.metrics.ObserveLiveMessage("inbound", "malformed")
			if !c.emit(Event{Type: EventError, Err: &TransportError{Op: "decode", Err: err}}) {
				return
			}
			continue
		}
		for _, ev := range c.translate(msg) {
			if !c.emit(ev) {
				return
			}
		}
	}
}

// translate maps one server message to events in protocol order:
// transcripts, audio, interruption, turn completion.
func (c *Conn) translate(msg serverMessage) []Event {
	var out []Event
	if msg.SetupComplete != nil {
		c.metrics.ObserveLiveMessage("inbound", "setup_complete")
		c.open.Store(true)
		out = append(out, Event{Type: EventOpen})
	}
	if sc := msg.ServerContent; sc != nil {
		c.metrics.ObserveLiveMessage("inbound", "server_content")
		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			out = append(out, Event{Type: EventInputTranscript, Text: sc.InputTranscription.Text})
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			out = append(out, Event{Type: EventOutputTranscript, Text: sc.OutputTranscription.Text})
		}
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData == nil || p.InlineData.Data == "" {
					continue
				}
				if !strings.HasPrefix(p.InlineData.MIMEType, "audio/") {
					c.logger.Debug().Str("mime_type", p.InlineData.MIMEType).Msg("ignoring non-audio inline data")
					continue
				}
				out = append(out, Event{Type: EventAudio, Audio: p.InlineData.Data, MIMEType: p.InlineData.MIMEType})
			}
		}
		if sc.Interrupted {
			out = append(out, Event{Type: EventInterrupted})
		}
		if sc.TurnComplete {
			out = append(out, Event{Type: EventTurnComplete})
		}
	}
	if tc := msg.ToolCall; tc != nil && len(tc.FunctionCalls) > 0 {
		c.metrics.ObserveLiveMessage("inbound", "tool_call")
		calls := make([]ToolCall, 0, len(tc.FunctionCalls))
		for _, fc := range tc.FunctionCalls {
			calls = append(calls, ToolCall{ID: fc.ID, Name: fc.Name, Args: fc.Args})
		}
		out = append(out, Event{Type: EventToolCall, Calls: calls})
	}
	if msg.GoAway != nil {
		c.metrics.ObserveLiveMessage("inbound", "go_away")
		out = append(out, Event{Type: EventError, Err: &TransportError{
			Op:        "go_away",
			Retryable: true,
			Err:       fmt.Errorf("server closing in %s", msg.GoAway.TimeLeft),
		}})
	}
	if msg.UsageMetadata != nil {
		c.logger.Debug().Int("total_tokens", msg.UsageMetadata.TotalTokenCount).Msg("usage")
	}
	return out
}
