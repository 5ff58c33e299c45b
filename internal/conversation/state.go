// Package conversation holds the per-session turn history and agent persona.
package conversation

import (
	"strings"
	"sync"
	"time"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

const (
	DefaultHistoryLimit = 20
	DefaultDisplayName  = "Voice Assistant"
	DefaultPersona      = "You are a helpful, friendly AI voice assistant. Keep responses concise for voice."
)

// Turn is one user utterance or agent reply.
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentConfig describes the persona the session is talking to.
type AgentConfig struct {
	DisplayName   string `json:"name" yaml:"name"`
	PersonaPrompt string `json:"system_prompt" yaml:"system_prompt"`
	VoiceID       string `json:"voice_id,omitempty" yaml:"voice_id"`
	Model         string `json:"model,omitempty" yaml:"model"`
}

func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		DisplayName:   DefaultDisplayName,
		PersonaPrompt: DefaultPersona,
	}
}

// Merge returns c with every non-empty field of update applied.
func (c AgentConfig) Merge(update AgentConfig) AgentConfig {
	if v := strings.TrimSpace(update.DisplayName); v != "" {
		c.DisplayName = v
	}
	if v := strings.TrimSpace(update.PersonaPrompt); v != "" {
		c.PersonaPrompt = v
	}
	if v := strings.TrimSpace(update.VoiceID); v != "" {
		c.VoiceID = v
	}
	if v := strings.TrimSpace(update.Model); v != "" {
		c.Model = v
	}
	return c
}

// withDefaults fills the fields generation cannot run without.
func (c AgentConfig) withDefaults() AgentConfig {
	if strings.TrimSpace(c.PersonaPrompt) == "" {
		c.PersonaPrompt = DefaultPersona
	}
	if strings.TrimSpace(c.DisplayName) == "" {
		c.DisplayName = DefaultDisplayName
	}
	return c
}

// State is the rolling history and agent config of one session. It is owned
// by that session; the mutex only serialises the session's own goroutines.
type State struct {
	mu        sync.Mutex
	sessionID string
	limit     int
	turns     []Turn
	agent     AgentConfig
}

func NewState(sessionID string, limit int, agent AgentConfig) *State {
	if limit <= 0 || limit > DefaultHistoryLimit {
		limit = DefaultHistoryLimit
	}
	return &State{
		sessionID: sessionID,
		limit:     limit,
		turns:     make([]Turn, 0, limit),
		agent:     agent.withDefaults(),
	}
}

func (s *State) SessionID() string { return s.sessionID }

// Append adds turns in order, evicting the oldest beyond the limit.
func (s *State) Append(turns ...Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, turns...)
	if over := len(s.turns) - s.limit; over > 0 {
		kept := make([]Turn, s.limit)
		copy(kept, s.turns[over:])
		s.turns = kept
	}
}

// History returns a copy of the turns, oldest first.
func (s *State) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

// Agent returns the current config; the persona is never empty.
func (s *State) Agent() AgentConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agent
}

// UpdateAgent applies a client config update to the in-memory copy.
func (s *State) UpdateAgent(update AgentConfig) AgentConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agent = s.agent.Merge(update).withDefaults()
	return s.agent
}
