package convlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/antoniostano/voicecall/internal/conversation"
)

// PostgresStore persists sessions and conversation logs in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewStore creates a postgres-backed store when configured, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation_sessions (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'active',
			agent_config JSONB NOT NULL DEFAULT '{}'::jsonb,
			started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			ended_at TIMESTAMPTZ,
			total_turns INTEGER NOT NULL DEFAULT 0,
			average_latency_ms DOUBLE PRECISION NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS conversation_logs (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			speaker TEXT NOT NULL,
			transcript TEXT NOT NULL,
			intent TEXT NOT NULL DEFAULT '',
			latency_ms BIGINT NOT NULL DEFAULT 0,
			pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_logs_session_created ON conversation_logs (session_id, created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, rec SessionRecord) error {
	if rec.Status == "" {
		rec.Status = StatusActive
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	agent, err := json.Marshal(rec.Agent)
	if err != nil {
		return fmt.Errorf("encode agent config: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO conversation_sessions (id, status, agent_config, started_at)
		 VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO NOTHING`,
		rec.ID, string(rec.Status), agent, rec.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", wrapTransient(err))
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (SessionRecord, error) {
	var (
		rec    SessionRecord
		status string
		agent  []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, status, agent_config, started_at, ended_at, total_turns, average_latency_ms
		 FROM conversation_sessions WHERE id=$1`,
		sessionID,
	).Scan(&rec.ID, &status, &agent, &rec.StartedAt, &rec.EndedAt, &rec.TotalTurns, &rec.AverageLatencyMS)
	if errors.Is(err, pgx.ErrNoRows) {
		return SessionRecord{}, ErrSessionNotFound
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("get session: %w", wrapTransient(err))
	}
	rec.Status = SessionStatus(status)
	if len(agent) > 0 {
		var cfg conversation.AgentConfig
		if err := json.Unmarshal(agent, &cfg); err != nil {
			return SessionRecord{}, fmt.Errorf("decode agent config: %w", err)
		}
		rec.Agent = cfg
	}
	return rec, nil
}

func (s *PostgresStore) CreateLogEntry(ctx context.Context, entry LogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_logs (id, session_id, speaker, transcript, intent, latency_ms, pii_redacted, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID,
		entry.SessionID,
		string(entry.Speaker),
		entry.Transcript,
		entry.Intent,
		entry.LatencyMS,
		entry.PIIRedacted,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("create log entry: %w", wrapTransient(err))
	}
	return nil
}

func (s *PostgresStore) IncrementTurnCount(ctx context.Context, sessionID string, latency time.Duration) error {
	// Right-hand sides see the pre-update row.
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversation_sessions
		 SET average_latency_ms = (average_latency_ms * total_turns + $2) / (total_turns + 1),
		     total_turns = total_turns + 1
		 WHERE id=$1`,
		sessionID, float64(latency.Milliseconds()),
	)
	if err != nil {
		return fmt.Errorf("increment turn count: %w", wrapTransient(err))
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *PostgresStore) EndSession(ctx context.Context, sessionID string, status SessionStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversation_sessions SET status=$2, ended_at=now()
		 WHERE id=$1 AND status='active'`,
		sessionID, string(status),
	)
	if err != nil {
		return fmt.Errorf("end session: %w", wrapTransient(err))
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetSession(ctx, sessionID); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) ListLogs(ctx context.Context, sessionID string, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, speaker, transcript, intent, latency_ms, pii_redacted, created_at
		 FROM conversation_logs WHERE session_id=$1 ORDER BY created_at ASC LIMIT $2`,
		sessionID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", wrapTransient(err))
	}
	defer rows.Close()

	items := make([]LogEntry, 0, limit)
	for rows.Next() {
		var (
			e       LogEntry
			speaker string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &speaker, &e.Transcript, &e.Intent, &e.LatencyMS, &e.PIIRedacted, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan log row: %w", err)
		}
		e.Speaker = conversation.Role(speaker)
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// wrapTransient tags errors pgx reports as safe to retry.
func wrapTransient(err error) error {
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}
