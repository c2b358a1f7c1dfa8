package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/rafiqa/internal/conversation"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var (
	ErrNotFound = errors.New("session not found")
	// ErrConflict is returned when a client already has an active session.
	ErrConflict = errors.New("client already has an active session")
)

// Conversation is the running state machine behind a session.
type Conversation interface {
	Close() []conversation.HistoryEntry
	Snapshot() conversation.Snapshot
	Done() <-chan struct{}
}

type Session struct {
	ID             string                 `json:"session_id"`
	ClientID       string                 `json:"client_id"`
	Mode           conversation.Mode      `json:"mode"`
	Status         Status                 `json:"status"`
	StartedAt      time.Time              `json:"started_at"`
	LastActivityAt time.Time              `json:"last_activity_at"`
	EndedAt        time.Time              `json:"ended_at,omitzero"`
	Conversation   *conversation.Snapshot `json:"conversation,omitempty"`
}

type entry struct {
	s       *Session
	conv    Conversation
	history []conversation.HistoryEntry
}

type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*entry
	sessionByClient   map[string]string
	inactivityTimeout time.Duration
	onEnd             func(*Session, []conversation.HistoryEntry)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*entry),
		sessionByClient:   make(map[string]string),
		inactivityTimeout: inactivityTimeout,
	}
}

// SetEndHook registers a callback run once per session when it ends, for any
// reason, with the conversation's history.
func (m *Manager) SetEndHook(hook func(*Session, []conversation.HistoryEntry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnd = hook
}

func (m *Manager) InactivityTimeout() time.Duration { return m.inactivityTimeout }

// Create reserves a session for clientID. A client may hold one active
// session at a time.
func (m *Manager) Create(clientID string, mode conversation.Mode) (*Session, error) {
	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		ClientID:       clientID,
		Mode:           mode,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if clientID != "" {
		if _, busy := m.sessionByClient[clientID]; busy {
			return nil, ErrConflict
		}
		m.sessionByClient[clientID] = s.ID
	}
	m.sessions[s.ID] = &entry{s: s}
	return clone(s), nil
}

// Attach binds a started conversation to a session. The session ends on its
// own when the conversation does.
func (m *Manager) Attach(sessionID string, conv Conversation) error {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok || e.s.Status != StatusActive {
		m.mu.Unlock()
		return ErrNotFound
	}
	e.conv = conv
	m.mu.Unlock()

	go func() {
		<-conv.Done()
		_, _, _ = m.End(sessionID)
	}()
	return nil
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	e, ok := m.sessions[sessionID]
	if !ok {
		m.mu.RUnlock()
		return nil, ErrNotFound
	}
	s := clone(e.s)
	conv := e.conv
	m.mu.RUnlock()

	if conv != nil {
		snap := conv.Snapshot()
		s.Conversation = &snap
	}
	return s, nil
}

// ActiveForClient returns the client's active session.
func (m *Manager) ActiveForClient(clientID string) (*Session, error) {
	m.mu.RLock()
	id, ok := m.sessionByClient[clientID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.Get(id)
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	e.s.LastActivityAt = time.Now().UTC()
	return nil
}

// End closes the session's conversation and returns its history. Ending an
// already ended session returns the recorded history again.
func (m *Manager) End(sessionID string) (*Session, []conversation.HistoryEntry, error) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, nil, ErrNotFound
	}
	if e.s.Status == StatusEnded {
		s, history := clone(e.s), e.history
		m.mu.Unlock()
		return s, history, nil
	}
	now := time.Now().UTC()
	e.s.Status = StatusEnded
	e.s.LastActivityAt = now
	e.s.EndedAt = now
	if e.s.ClientID != "" {
		delete(m.sessionByClient, e.s.ClientID)
	}
	conv := e.conv
	hook := m.onEnd
	m.mu.Unlock()

	var history []conversation.HistoryEntry
	if conv != nil {
		history = conv.Close()
	}

	m.mu.Lock()
	e.history = history
	s := clone(e.s)
	m.mu.Unlock()

	if hook != nil {
		hook(s, history)
	}
	return s, history, nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, e := range m.sessions {
		if e.s.Status == StatusActive {
			count++
		}
	}
	return count
}

// EndAll ends every active session. Used at shutdown.
func (m *Manager) EndAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id, e := range m.sessions {
		if e.s.Status == StatusActive {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()
	for _, id := range ids {
		_, _, _ = m.End(id)
	}
}

// expireInactive ends idle sessions and forgets sessions that ended more
// than one inactivity window ago.
func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []string

	m.mu.Lock()
	for id, e := range m.sessions {
		switch e.s.Status {
		case StatusActive:
			if now.Sub(e.s.LastActivityAt) >= m.inactivityTimeout {
				expired = append(expired, id)
			}
		case StatusEnded:
			if !e.s.EndedAt.IsZero() && now.Sub(e.s.EndedAt) >= m.inactivityTimeout {
				delete(m.sessions, id)
			}
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		_, _, _ = m.End(id)
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
