package convlog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/antoniostano/voicecall/internal/conversation"
	"github.com/antoniostano/voicecall/internal/observability"
)

// flakyStore fails the first n log writes with a transient error.
type flakyStore struct {
	*InMemoryStore
	mu       sync.Mutex
	failures int
	attempts int
	err      error
}

func (f *flakyStore) CreateLogEntry(ctx context.Context, e LogEntry) error {
	f.mu.Lock()
	f.attempts++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return f.err
	}
	return f.InMemoryStore.CreateLogEntry(ctx, e)
}

func testMetrics() *observability.Metrics {
	return observability.NewMetrics(fmt.Sprintf("voicecall_convlog_%d", time.Now().UnixNano()))
}

func fastSinkConfig() SinkConfig {
	cfg := DefaultSinkConfig()
	cfg.RetryBase = time.Millisecond
	cfg.RetryCap = 5 * time.Millisecond
	return cfg
}

func runSink(t *testing.T, s *Sink) {
	t.Helper()
	go func() { _ = s.Run(context.Background()) }()
}

func closeSink(t *testing.T, s *Sink) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestSinkWritesInOrderAndRedacts(t *testing.T) {
	store := NewInMemoryStore()
	s := NewSink(store, fastSinkConfig(), testMetrics())
	runSink(t, s)

	s.CreateSession(SessionRecord{ID: "s1", Agent: conversation.AgentConfig{DisplayName: "Ava"}})
	s.LogEntry(LogEntry{SessionID: "s1", Speaker: conversation.RoleUser, Transcript: "mail me at sam@example.com"})
	s.LogEntry(LogEntry{SessionID: "s1", Speaker: conversation.RoleAgent, Transcript: "Sure.", Intent: "command", LatencyMS: 1200})
	s.CompleteTurn("s1", 1200*time.Millisecond)
	s.EndSession("s1", StatusEnded)
	closeSink(t, s)

	logs, _ := store.ListLogs(context.Background(), "s1", 0)
	if len(logs) != 2 {
		t.Fatalf("len(logs) = %d, want 2", len(logs))
	}
	if !logs[0].PIIRedacted || strings.Contains(logs[0].Transcript, "sam@example.com") {
		t.Fatalf("user entry not redacted: %+v", logs[0])
	}
	if logs[1].Speaker != conversation.RoleAgent || logs[1].Intent != "command" || logs[1].LatencyMS != 1200 {
		t.Fatalf("agent entry = %+v", logs[1])
	}

	rec, err := store.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if rec.TotalTurns != 1 || rec.AverageLatencyMS != 1200 {
		t.Fatalf("turns/avg = %d/%.1f, want 1/1200", rec.TotalTurns, rec.AverageLatencyMS)
	}
	if rec.Status != StatusEnded || rec.EndedAt == nil {
		t.Fatalf("session not ended: %+v", rec)
	}
	if rec.Agent.DisplayName != "Ava" {
		t.Fatalf("Agent = %+v", rec.Agent)
	}
}

func TestSinkRetriesTransientFailures(t *testing.T) {
	store := &flakyStore{InMemoryStore: NewInMemoryStore(), failures: 2, err: fmt.Errorf("write: %w", ErrUnavailable)}
	s := NewSink(store, fastSinkConfig(), testMetrics())
	runSink(t, s)

	s.LogEntry(LogEntry{SessionID: "s1", Speaker: conversation.RoleUser, Transcript: "hello"})
	closeSink(t, s)

	if store.attempts != 3 {
		t.Fatalf("attempts = %d, want 3", store.attempts)
	}
	logs, _ := store.ListLogs(context.Background(), "s1", 0)
	if len(logs) != 1 {
		t.Fatalf("len(logs) = %d, want 1 after retries", len(logs))
	}
}

func TestSinkGivesUpAfterMaxAttempts(t *testing.T) {
	store := &flakyStore{InMemoryStore: NewInMemoryStore(), failures: 10, err: ErrUnavailable}
	s := NewSink(store, fastSinkConfig(), testMetrics())
	runSink(t, s)

	s.LogEntry(LogEntry{SessionID: "s1", Speaker: conversation.RoleUser, Transcript: "hello"})
	closeSink(t, s)

	if store.attempts != 3 {
		t.Fatalf("attempts = %d, want 3", store.attempts)
	}
}

func TestSinkDoesNotRetryPermanentFailures(t *testing.T) {
	store := &flakyStore{InMemoryStore: NewInMemoryStore(), failures: 10, err: errors.New("constraint violation")}
	s := NewSink(store, fastSinkConfig(), testMetrics())
	runSink(t, s)

	s.LogEntry(LogEntry{SessionID: "s1", Speaker: conversation.RoleUser, Transcript: "hello"})
	closeSink(t, s)

	if store.attempts != 1 {
		t.Fatalf("attempts = %d, want 1", store.attempts)
	}
}

func TestSinkDropsWhenQueueFull(t *testing.T) {
	cfg := fastSinkConfig()
	cfg.QueueSize = 1
	s := NewSink(NewInMemoryStore(), cfg, testMetrics())

	if !s.LogEntry(LogEntry{SessionID: "s1", Transcript: "one"}) {
		t.Fatalf("first LogEntry() = false, want queued")
	}
	if s.LogEntry(LogEntry{SessionID: "s1", Transcript: "two"}) {
		t.Fatalf("second LogEntry() = true, want dropped on full queue")
	}
}

func TestSinkDrainsOnClose(t *testing.T) {
	store := NewInMemoryStore()
	s := NewSink(store, fastSinkConfig(), testMetrics())
	for i := 0; i < 50; i++ {
		s.LogEntry(LogEntry{SessionID: "s1", Transcript: fmt.Sprintf("line %d", i)})
	}
	runSink(t, s)
	closeSink(t, s)

	logs, _ := store.ListLogs(context.Background(), "s1", 0)
	if len(logs) != 50 {
		t.Fatalf("len(logs) = %d, want 50 drained", len(logs))
	}
	if s.LogEntry(LogEntry{SessionID: "s1", Transcript: "late"}) {
		t.Fatalf("LogEntry() after Close = true, want dropped")
	}
}

func TestSinkRedactionCanBeDisabled(t *testing.T) {
	cfg := fastSinkConfig()
	cfg.RedactPII = false
	store := NewInMemoryStore()
	s := NewSink(store, cfg, testMetrics())
	runSink(t, s)
	s.LogEntry(LogEntry{SessionID: "s1", Transcript: "sam@example.com"})
	closeSink(t, s)

	logs, _ := store.ListLogs(context.Background(), "s1", 0)
	if len(logs) != 1 || logs[0].Transcript != "sam@example.com" || logs[0].PIIRedacted {
		t.Fatalf("logs = %+v, want untouched transcript", logs)
	}
}

func TestSinkCloseBeforeRunStillWrites(t *testing.T) {
	store := NewInMemoryStore()
	s := NewSink(store, fastSinkConfig(), testMetrics())
	s.CreateSession(SessionRecord{ID: "s1", Status: StatusActive})
	s.LogEntry(LogEntry{SessionID: "s1", Transcript: "hello"})

	// Close wins the race against a Run goroutine that has not been scheduled.
	closeSink(t, s)
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run() after Close error = %v, want nil", err)
	}

	if _, err := store.GetSession(context.Background(), "s1"); err != nil {
		t.Fatalf("GetSession() error = %v, want session written", err)
	}
	logs, _ := store.ListLogs(context.Background(), "s1", 0)
	if len(logs) != 1 {
		t.Fatalf("len(logs) = %d, want 1", len(logs))
	}
}

func TestSinkRunTwice(t *testing.T) {
	s := NewSink(NewInMemoryStore(), fastSinkConfig(), testMetrics())
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		claimed := s.claimed
		s.mu.Unlock()
		if claimed || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if err := s.Run(context.Background()); err == nil {
		t.Fatalf("second Run() error = nil, want already running")
	}
	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}
