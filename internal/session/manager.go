package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/voicecall/internal/conversation"
)

type Status string

const (
	// StatusPending sessions were created but no client has connected yet.
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
)

var (
	ErrNotFound         = errors.New("session not found")
	ErrAlreadyConnected = errors.New("session already has a live connection")
	ErrEnded            = errors.New("session has ended")
)

type Session struct {
	ID                string                   `json:"session_id"`
	Status            Status                   `json:"status"`
	Agent             conversation.AgentConfig `json:"agent"`
	ActiveTurnID      string                   `json:"active_turn_id,omitempty"`
	InterruptionCount int                      `json:"interruption_count"`
	TurnCount         int                      `json:"turn_count"`
	StartedAt         time.Time                `json:"started_at"`
	LastActivityAt    time.Time                `json:"last_activity_at"`
	EndedAt           *time.Time               `json:"ended_at,omitempty"`
}

// Manager tracks live sessions. Pending sessions that never connect expire
// after the pending TTL; ended sessions are forgotten after the same TTL.
type Manager struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	pendingTTL time.Duration
	onExpire   func(*Session)
	defaults   conversation.AgentConfig
}

func NewManager(pendingTTL time.Duration) *Manager {
	if pendingTTL <= 0 {
		pendingTTL = 10 * time.Minute
	}
	return &Manager{
		sessions:   make(map[string]*Session),
		pendingTTL: pendingTTL,
		defaults:   conversation.DefaultAgentConfig(),
	}
}

// SetDefaultAgent replaces the persona new sessions start from. Empty fields
// keep the built-in defaults.
func (m *Manager) SetDefaultAgent(agent conversation.AgentConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaults = conversation.DefaultAgentConfig().Merge(agent)
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) Create(agent conversation.AgentConfig) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := newSession(uuid.NewString(), m.defaults.Merge(agent))
	m.sessions[s.ID] = s
	return clone(s)
}

// GetOrCreate returns the session with id, registering a pending one when
// the id is unknown.
func (m *Manager) GetOrCreate(id string, agent conversation.AgentConfig) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return clone(s), false
	}
	s := newSession(id, m.defaults.Merge(agent))
	m.sessions[id] = s
	return clone(s), true
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// Connect marks a pending session as live. A session accepts one connection
// over its lifetime.
func (m *Manager) Connect(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	switch s.Status {
	case StatusActive:
		return nil, ErrAlreadyConnected
	case StatusEnded:
		return nil, ErrEnded
	}
	s.Status = StatusActive
	s.LastActivityAt = time.Now().UTC()
	return clone(s), nil
}

func (m *Manager) Touch(sessionID string) error {
	return m.update(sessionID, func(s *Session) {})
}

func (m *Manager) UpdateAgent(sessionID string, agent conversation.AgentConfig) error {
	return m.update(sessionID, func(s *Session) { s.Agent = agent })
}

func (m *Manager) StartTurn(sessionID, turnID string) error {
	return m.update(sessionID, func(s *Session) { s.ActiveTurnID = turnID })
}

// FinishTurn clears turnID if it is still the active turn.
func (m *Manager) FinishTurn(sessionID, turnID string) error {
	return m.update(sessionID, func(s *Session) {
		if s.ActiveTurnID == turnID {
			s.ActiveTurnID = ""
			s.TurnCount++
		}
	})
}

func (m *Manager) Interrupt(sessionID string) error {
	return m.update(sessionID, func(s *Session) {
		s.InterruptionCount++
		s.ActiveTurnID = ""
	})
}

func (m *Manager) update(sessionID string, fn func(*Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	fn(s)
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// End marks the session ended. Ending an ended session is a no-op that
// reports the existing record.
func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Status != StatusEnded {
		now := time.Now().UTC()
		s.Status = StatusEnded
		s.ActiveTurnID = ""
		s.LastActivityAt = now
		s.EndedAt = &now
	}
	return clone(s), nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep(time.Now().UTC())
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

// sweep expires stale pending sessions and forgets long-ended ones.
func (m *Manager) sweep(now time.Time) {
	var expired []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		switch s.Status {
		case StatusPending:
			if now.Sub(s.LastActivityAt) < m.pendingTTL {
				continue
			}
			s.Status = StatusEnded
			s.EndedAt = &now
			s.LastActivityAt = now
			expired = append(expired, clone(s))
		case StatusEnded:
			if s.EndedAt != nil && now.Sub(*s.EndedAt) >= m.pendingTTL {
				delete(m.sessions, id)
			}
		}
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func newSession(id string, agent conversation.AgentConfig) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:             id,
		Status:         StatusPending,
		Agent:          agent,
		StartedAt:      now,
		LastActivityAt: now,
	}
}

func clone(s *Session) *Session {
	c := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}
