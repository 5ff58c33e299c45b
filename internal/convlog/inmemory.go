package convlog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process store for local/dev use.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*SessionRecord
	logs     map[string][]LogEntry
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*SessionRecord),
		logs:     make(map[string][]LogEntry),
	}
}

// CreateSession is idempotent: an existing record is left untouched.
func (s *InMemoryStore) CreateSession(_ context.Context, rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[rec.ID]; ok {
		return nil
	}
	if rec.Status == "" {
		rec.Status = StatusActive
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	s.sessions[rec.ID] = &rec
	return nil
}

func (s *InMemoryStore) GetSession(_ context.Context, sessionID string) (SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return SessionRecord{}, ErrSessionNotFound
	}
	out := *rec
	if rec.EndedAt != nil {
		t := *rec.EndedAt
		out.EndedAt = &t
	}
	return out, nil
}

func (s *InMemoryStore) CreateLogEntry(_ context.Context, entry LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	s.logs[entry.SessionID] = append(s.logs[entry.SessionID], entry)
	return nil
}

func (s *InMemoryStore) IncrementTurnCount(_ context.Context, sessionID string, latency time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	rec.AverageLatencyMS = runningAverage(rec.AverageLatencyMS, rec.TotalTurns, latency)
	rec.TotalTurns++
	return nil
}

func (s *InMemoryStore) EndSession(_ context.Context, sessionID string, status SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if rec.Status != StatusActive {
		return nil
	}
	now := time.Now().UTC()
	rec.Status = status
	rec.EndedAt = &now
	return nil
}

func (s *InMemoryStore) ListLogs(_ context.Context, sessionID string, limit int) ([]LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.logs[sessionID]
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]LogEntry, limit)
	copy(out, arr[:limit])
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }

func runningAverage(avg float64, n int, latency time.Duration) float64 {
	ms := float64(latency.Milliseconds())
	return (avg*float64(n) + ms) / float64(n+1)
}
