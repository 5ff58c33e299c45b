// Package convlog persists voice sessions and their conversation log.
package convlog

import (
	"context"
	"errors"
	"time"

	"github.com/antoniostano/voicecall/internal/conversation"
)

type SessionStatus string

const (
	StatusActive SessionStatus = "active"
	StatusEnded  SessionStatus = "ended"
	StatusError  SessionStatus = "error"
)

var (
	ErrSessionNotFound = errors.New("conversation session not found")
	// ErrUnavailable marks a transient store failure worth retrying.
	ErrUnavailable = errors.New("conversation store unavailable")
)

// SessionRecord is the durable summary of one voice session.
type SessionRecord struct {
	ID               string                   `json:"session_id"`
	Status           SessionStatus            `json:"status"`
	Agent            conversation.AgentConfig `json:"agent"`
	StartedAt        time.Time                `json:"started_at"`
	EndedAt          *time.Time               `json:"ended_at,omitempty"`
	TotalTurns       int                      `json:"total_turns"`
	AverageLatencyMS float64                  `json:"average_latency_ms"`
}

// LogEntry is one spoken line, user or agent.
type LogEntry struct {
	ID          string            `json:"id"`
	SessionID   string            `json:"session_id"`
	Speaker     conversation.Role `json:"speaker"`
	Transcript  string            `json:"transcript"`
	Intent      string            `json:"intent,omitempty"`
	LatencyMS   int64             `json:"latency_ms,omitempty"`
	PIIRedacted bool              `json:"pii_redacted"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Store persists sessions and log entries. Implementations are safe for
// concurrent use.
type Store interface {
	CreateSession(ctx context.Context, rec SessionRecord) error
	GetSession(ctx context.Context, sessionID string) (SessionRecord, error)
	CreateLogEntry(ctx context.Context, entry LogEntry) error
	// IncrementTurnCount counts one completed exchange and folds its latency
	// into the running average.
	IncrementTurnCount(ctx context.Context, sessionID string, latency time.Duration) error
	EndSession(ctx context.Context, sessionID string, status SessionStatus) error
	ListLogs(ctx context.Context, sessionID string, limit int) ([]LogEntry, error)
	Close() error
}
