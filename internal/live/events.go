package live

import (
	"errors"
	"fmt"
)

type EventType string

const (
	EventOpen             EventType = "open"
	EventInputTranscript  EventType = "input_transcript"
	EventOutputTranscript EventType = "output_transcript"
	EventAudio            EventType = "audio"
	EventToolCall         EventType = "tool_call"
	EventTurnComplete     EventType = "turn_complete"
	EventInterrupted      EventType = "interrupted"
	EventError            EventType = "error"
	EventClosed           EventType = "closed"
)

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// Event is one item of the ordered server event stream.
type Event struct {
	Type EventType
	// Text carries transcript fragments.
	Text string
	// Audio is a base64 PCM16 chunk; MIMEType describes it.
	Audio    string
	MIMEType string
	Calls    []ToolCall
	Err      error
}

// Fatal reports whether an EventError ends the connection.
func (e Event) Fatal() bool {
	var te *TransportError
	return e.Type == EventError && errors.As(e.Err, &te) && te.Fatal
}

// ConnectError is returned when the live session cannot be opened.
type ConnectError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *ConnectError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("live connect %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("live connect %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TransportError is delivered in EventError. Fatal errors end the session.
type TransportError struct {
	Op        string
	Fatal     bool
	Retryable bool
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("live %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ErrClosed is returned by sends on a closed connection.
var ErrClosed = errors.New("live connection closed")
