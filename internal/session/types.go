package session

import (
	"strings"
	"time"

	"github.com/antoniostano/voicecall/internal/conversation"
)

// CreateRequest defines the payload for creating a new session. Every field
// is optional; omitted fields fall back to the default persona.
type CreateRequest struct {
	Name         string `json:"name"`
	SystemPrompt string `json:"system_prompt"`
	// Persona is accepted as an alias of SystemPrompt.
	Persona string `json:"persona"`
	VoiceID string `json:"voice_id"`
	Model   string `json:"model"`
}

func (r CreateRequest) Agent() conversation.AgentConfig {
	prompt := strings.TrimSpace(r.SystemPrompt)
	if prompt == "" {
		prompt = strings.TrimSpace(r.Persona)
	}
	return conversation.AgentConfig{
		DisplayName:   strings.TrimSpace(r.Name),
		PersonaPrompt: prompt,
		VoiceID:       strings.TrimSpace(r.VoiceID),
		Model:         strings.TrimSpace(r.Model),
	}
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID     string                   `json:"session_id"`
	Status        Status                   `json:"status"`
	Agent         conversation.AgentConfig `json:"agent"`
	StartedAt     time.Time                `json:"started_at"`
	WebSocketPath string                   `json:"ws_path"`
	IdleTimeoutMS int64                    `json:"idle_timeout_ms"`
}
