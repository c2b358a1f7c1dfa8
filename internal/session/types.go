package session

import (
	"time"

	"github.com/ent0n29/rafiqa/internal/conversation"
)

// CreateRequest defines payload for creating a new voice session.
type CreateRequest struct {
	ClientID string `json:"client_id"`
	Mode     string `json:"mode"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string            `json:"session_id"`
	ClientID        string            `json:"client_id"`
	Mode            conversation.Mode `json:"mode"`
	Status          Status            `json:"status"`
	StartedAt       time.Time         `json:"started_at"`
	LastActivityAt  time.Time         `json:"last_activity_at"`
	InactivityTTLMS int64             `json:"inactivity_ttl_ms"`
}

// CloseResponse is returned when a session is ended.
type CloseResponse struct {
	Session *Session                    `json:"session"`
	History []conversation.HistoryEntry `json:"history"`
}
