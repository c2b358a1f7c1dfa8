package notify

import (
	"github.com/ent0n29/rafiqa/internal/audio"
	"github.com/ent0n29/rafiqa/internal/conversation"
	"github.com/ent0n29/rafiqa/internal/playback"
	"github.com/ent0n29/rafiqa/internal/protocol"
)

// SessionSink publishes one session's events to its client. It serves as the
// conversation's dispatcher, notifier and observer, and as the relay sink for
// browser playback.
type SessionSink struct {
	hub       *Hub
	clientID  string
	sessionID string
	// OnActivity, when set, is called for user-visible activity.
	OnActivity func()
}

func (h *Hub) Sink(clientID, sessionID string) *SessionSink {
	return &SessionSink{hub: h, clientID: clientID, sessionID: sessionID}
}

func (s *SessionSink) publish(msg any) {
	s.hub.Publish(s.clientID, msg)
}

func (s *SessionSink) touch() {
	if s.OnActivity != nil {
		s.OnActivity()
	}
}

func (s *SessionSink) Dispatch(name string, args map[string]any) {
	s.touch()
	s.publish(protocol.ToolAction{Type: protocol.TypeToolAction, SessionID: s.sessionID, Name: name, Args: args})
}

func (s *SessionSink) Notify(n conversation.Notification) {
	s.publish(protocol.Notification{
		Type:      protocol.TypeNotification,
		SessionID: s.sessionID,
		Level:     string(n.Level),
		Message:   n.Message,
	})
}

func (s *SessionSink) ObserveStatus(st conversation.Status) {
	s.publish(protocol.Status{Type: protocol.TypeStatus, SessionID: s.sessionID, Status: string(st)})
}

func (s *SessionSink) ObserveTranscript(role conversation.Role, text string) {
	s.touch()
	s.publish(protocol.Transcript{Type: protocol.TypeTranscript, SessionID: s.sessionID, Role: string(role), Text: text})
}

func (s *SessionSink) ObserveImage(url string) {
	s.publish(protocol.Image{Type: protocol.TypeImage, SessionID: s.sessionID, URL: url})
}

// Dictated publishes the text submitted by a dictation session.
func (s *SessionSink) Dictated(text string) {
	s.publish(protocol.DictationResult{Type: protocol.TypeDictationResult, SessionID: s.sessionID, Text: text})
}

func (s *SessionSink) Ended(reason string) {
	s.publish(protocol.SessionEnded{Type: protocol.TypeSessionEnded, SessionID: s.sessionID, Reason: reason})
}

func (s *SessionSink) PlayChunk(c playback.RelayChunk) {
	s.publish(protocol.AssistantAudioChunk{
		Type:        protocol.TypeAssistantAudio,
		SessionID:   s.sessionID,
		ChunkID:     c.ID,
		StartAtMS:   float64(c.StartAt.Microseconds()) / 1000,
		DurationMS:  float64(c.Duration.Microseconds()) / 1000,
		SampleRate:  c.SampleRate,
		Format:      audio.WireFormat,
		AudioBase64: c.PCM16,
	})
}

func (s *SessionSink) StopChunk(id uint64) {
	s.publish(protocol.PlaybackStop{Type: protocol.TypePlaybackStop, SessionID: s.sessionID, ChunkID: id})
}
