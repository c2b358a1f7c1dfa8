package conversation

import (
	"context"
	"errors"

	"github.com/ent0n29/rafiqa/internal/audio"
	"github.com/ent0n29/rafiqa/internal/fulfill"
	"github.com/ent0n29/rafiqa/internal/live"
)

// Mode selects what a completed turn does.
type Mode string

const (
	// ModeConversational records each turn in the history log.
	ModeConversational Mode = "conversational"
	// ModeDictation hands the first utterance to OnSubmit and ends the session.
	ModeDictation Mode = "dictation"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeConversational:
		return ModeConversational, nil
	case ModeDictation:
		return ModeDictation, nil
	default:
		return "", errors.New("mode must be conversational or dictation")
	}
}

type Status string

const (
	StatusIdle       Status = "idle"
	StatusListening  Status = "listening"
	StatusProcessing Status = "processing"
	StatusSpeaking   Status = "speaking"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// HistoryEntry is one side of a completed turn. Image is a data URL for a
// picture produced during the turn.
type HistoryEntry struct {
	Role  Role   `json:"role"`
	Text  string `json:"text"`
	Image string `json:"image,omitempty"`
}

// Conn is an open live session.
type Conn interface {
	Events() <-chan live.Event
	SendAudioFrame(frame string) error
	SendToolResult(id, name string, result map[string]any) error
	Close() error
}

// Transport opens live sessions.
type Transport interface {
	Connect(ctx context.Context, cfg live.SessionConfig) (Conn, error)
}

// LiveTransport adapts a live.Client.
func LiveTransport(c *live.Client) Transport { return liveTransport{c} }

type liveTransport struct{ c *live.Client }

func (t liveTransport) Connect(ctx context.Context, cfg live.SessionConfig) (Conn, error) {
	conn, err := t.c.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Dispatcher hands tool calls to the rest of the app. It must not block.
type Dispatcher interface {
	Dispatch(name string, args map[string]any)
}

type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

type Notification struct {
	Level   Level  `json:"level"`
	Message string `json:"message"`
}

// Notifier surfaces user-facing messages.
type Notifier interface {
	Notify(n Notification)
}

// Fulfiller answers tool calls in-process.
type Fulfiller interface {
	Handles(name string) bool
	Fulfill(ctx context.Context, name string, args map[string]any) (fulfill.Result, error)
}

// Synthesizer speaks prompts generated locally.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (audio.PlaybackBuffer, error)
}

// Observer follows a session for display.
type Observer interface {
	ObserveStatus(s Status)
	ObserveTranscript(role Role, text string)
	ObserveImage(url string)
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	Mode                 Mode   `json:"mode"`
	Status               Status `json:"status"`
	PendingClarification bool   `json:"pending_clarification"`
	PlaybackInFlight     int    `json:"playback_in_flight"`
	HistoryLength        int    `json:"history_length"`
	Closed               bool   `json:"closed"`
}

var ErrClosed = errors.New("conversation closed")

// internal events posted to the loop.

type playbackEnded struct{ id uint64 }

type fulfillmentDone struct {
	call   live.ToolCall
	result fulfill.Result
	err    error
}

type promptSynthesized struct {
	pending *pendingClarification
	buf     audio.PlaybackBuffer
	err     error
}
