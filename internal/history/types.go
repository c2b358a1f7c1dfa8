// Package history persists completed conversation turns.
package history

import (
	"context"
	"time"

	"github.com/ent0n29/rafiqa/internal/conversation"
	"github.com/ent0n29/rafiqa/internal/policy"
)

// Record is one stored history entry.
type Record struct {
	ID          string    `json:"id"`
	ClientID    string    `json:"client_id"`
	SessionID   string    `json:"session_id"`
	Seq         int       `json:"seq"`
	Role        string    `json:"role"`
	Text        string    `json:"text"`
	Image       string    `json:"image,omitempty"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists and retrieves conversation history.
type Store interface {
	SaveTurns(ctx context.Context, records []Record) error
	Recent(ctx context.Context, clientID string, limit int) ([]Record, error)
	Close() error
}

// FromConversation converts a closed session's entries into records, masking
// PII in the text.
func FromConversation(clientID, sessionID string, entries []conversation.HistoryEntry) []Record {
	now := time.Now().UTC()
	out := make([]Record, 0, len(entries))
	for i, e := range entries {
		text, redacted := policy.RedactPII(e.Text)
		out = append(out, Record{
			ClientID:    clientID,
			SessionID:   sessionID,
			Seq:         i,
			Role:        string(e.Role),
			Text:        text,
			Image:       e.Image,
			PIIRedacted: redacted,
			CreatedAt:   now,
		})
	}
	return out
}
