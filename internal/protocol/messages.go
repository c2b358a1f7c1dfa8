package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientAudioChunk MessageType = "client_audio_chunk"
	TypeClientControl    MessageType = "client_control"

	TypeStatus          MessageType = "status"
	TypeTranscript      MessageType = "transcript"
	TypeToolAction      MessageType = "tool_action"
	TypeImage           MessageType = "image"
	TypeNotification    MessageType = "notification"
	TypeDictationResult MessageType = "dictation_result"
	TypeAssistantAudio  MessageType = "assistant_audio_chunk"
	TypePlaybackStop    MessageType = "playback_stop"
	TypeSessionEnded    MessageType = "session_ended"
	TypeErrorEvent      MessageType = "error_event"
)

// Client control actions.
const (
	ActionStop = "stop"
	ActionPing = "ping"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientAudioChunk carries browser microphone PCM16 for sessions using the
// browser audio backend.
type ClientAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int         `json:"seq"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
	TSMs        int64       `json:"ts_ms"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
	Reason    string      `json:"reason,omitempty"`
	TSMs      int64       `json:"ts_ms,omitempty"`
}

type Status struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Status    string      `json:"status"`
}

type Transcript struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Role      string      `json:"role"`
	Text      string      `json:"text"`
}

// ToolAction asks the app to perform a function the model called.
type ToolAction struct {
	Type      MessageType    `json:"type"`
	SessionID string         `json:"session_id"`
	Name      string         `json:"name"`
	Args      map[string]any `json:"args"`
}

type Image struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	URL       string      `json:"url"`
}

type Notification struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Level     string      `json:"level"`
	Message   string      `json:"message"`
}

type DictationResult struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
}

// AssistantAudioChunk is a scheduled playback buffer for the browser audio
// backend. StartAtMS is on the session's playback clock.
type AssistantAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	ChunkID     uint64      `json:"chunk_id"`
	StartAtMS   float64     `json:"start_at_ms"`
	DurationMS  float64     `json:"duration_ms"`
	SampleRate  int         `json:"sample_rate"`
	Format      string      `json:"format"`
	AudioBase64 string      `json:"audio_base64"`
}

type PlaybackStop struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	ChunkID   uint64      `json:"chunk_id"`
}

type SessionEnded struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Reason    string      `json:"reason,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientAudioChunk:
		var msg ClientAudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.PCM16Base64 == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid client_audio_chunk")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// TypeOf returns the type tag of an outbound or inbound message.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case ClientAudioChunk:
		return m.Type, true
	case ClientControl:
		return m.Type, true
	case Status:
		return m.Type, true
	case Transcript:
		return m.Type, true
	case ToolAction:
		return m.Type, true
	case Image:
		return m.Type, true
	case Notification:
		return m.Type, true
	case DictationResult:
		return m.Type, true
	case AssistantAudioChunk:
		return m.Type, true
	case PlaybackStop:
		return m.Type, true
	case SessionEnded:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
