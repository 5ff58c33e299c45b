package convlog

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/antoniostano/voicecall/internal/observability"
	"github.com/antoniostano/voicecall/internal/policy"
	"github.com/antoniostano/voicecall/internal/reliability"
)

type SinkConfig struct {
	QueueSize    int
	MaxAttempts  int
	RetryBase    time.Duration
	RetryCap     time.Duration
	WriteTimeout time.Duration
	RedactPII    bool
}

func DefaultSinkConfig() SinkConfig {
	return SinkConfig{
		QueueSize:    1024,
		MaxAttempts:  3,
		RetryBase:    100 * time.Millisecond,
		RetryCap:     2 * time.Second,
		WriteTimeout: 2 * time.Second,
		RedactPII:    true,
	}
}

type jobKind int

const (
	jobCreateSession jobKind = iota
	jobLogEntry
	jobTurnCount
	jobEndSession
)

type job struct {
	kind    jobKind
	session SessionRecord
	entry   LogEntry
	latency time.Duration
	status  SessionStatus
}

// Sink writes conversation records to a Store off the session's hot path.
// Jobs are applied in enqueue order by a single worker; a full queue drops
// the job rather than blocking the caller.
type Sink struct {
	store   Store
	cfg     SinkConfig
	metrics *observability.Metrics

	queue    chan job
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// mu guards claimed: exactly one of Run or Close becomes the worker
	// that empties the queue and closes done.
	mu      sync.Mutex
	claimed bool
}

func NewSink(store Store, cfg SinkConfig, metrics *observability.Metrics) *Sink {
	def := DefaultSinkConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = def.RetryCap
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	return &Sink{
		store:   store,
		cfg:     cfg,
		metrics: metrics,
		queue:   make(chan job, cfg.QueueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (s *Sink) Store() Store { return s.store }

func (s *Sink) CreateSession(rec SessionRecord) bool {
	return s.enqueue(job{kind: jobCreateSession, session: rec})
}

// LogEntry queues one transcript line, redacting PII first when enabled.
func (s *Sink) LogEntry(entry LogEntry) bool {
	if s.cfg.RedactPII {
		entry.Transcript, entry.PIIRedacted = policy.RedactPII(entry.Transcript)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	return s.enqueue(job{kind: jobLogEntry, entry: entry})
}

func (s *Sink) CompleteTurn(sessionID string, latency time.Duration) bool {
	return s.enqueue(job{kind: jobTurnCount, session: SessionRecord{ID: sessionID}, latency: latency})
}

func (s *Sink) EndSession(sessionID string, status SessionStatus) bool {
	return s.enqueue(job{kind: jobEndSession, session: SessionRecord{ID: sessionID}, status: status})
}

func (s *Sink) enqueue(j job) bool {
	select {
	case <-s.stop:
		s.metrics.LogWrite("dropped")
		return false
	default:
	}
	select {
	case s.queue <- j:
		return true
	default:
		s.metrics.LogWrite("dropped")
		log.Printf("conversation log queue full, dropping write session=%s", j.sessionID())
		return false
	}
}

// Run applies queued jobs until ctx is done or Close is called, then drains
// what is left. Run after Close returns nil; the queue was already drained.
func (s *Sink) Run(ctx context.Context) error {
	if !s.claim() {
		select {
		case <-s.stop:
			return nil
		default:
			return errors.New("conversation log sink already running")
		}
	}
	defer close(s.done)
	for {
		select {
		case j := <-s.queue:
			s.apply(j)
		case <-ctx.Done():
			s.drain()
			return nil
		case <-s.stop:
			s.drain()
			return nil
		}
	}
}

// Close stops intake and waits for queued jobs to be written, up to ctx.
// When Run never started, Close writes the queued jobs itself.
func (s *Sink) Close(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.claim() {
		s.drain()
		close(s.done)
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sink) claim() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed {
		return false
	}
	s.claimed = true
	return true
}

func (s *Sink) drain() {
	for {
		select {
		case j := <-s.queue:
			s.apply(j)
		default:
			return
		}
	}
}

func (s *Sink) apply(j job) {
	var err error
	for attempt := 0; attempt < s.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(reliability.ExponentialBackoff(attempt-1, s.cfg.RetryBase, s.cfg.RetryCap))
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
		err = s.write(ctx, j)
		cancel()
		if err == nil {
			s.metrics.LogWrite("ok")
			return
		}
		if !retryable(err) {
			break
		}
		s.metrics.LogWrite("retry")
	}
	s.metrics.LogWrite("failed")
	log.Printf("conversation log write failed session=%s: %v", j.sessionID(), err)
}

func (s *Sink) write(ctx context.Context, j job) error {
	switch j.kind {
	case jobCreateSession:
		return s.store.CreateSession(ctx, j.session)
	case jobLogEntry:
		return s.store.CreateLogEntry(ctx, j.entry)
	case jobTurnCount:
		return s.store.IncrementTurnCount(ctx, j.session.ID, j.latency)
	case jobEndSession:
		return s.store.EndSession(ctx, j.session.ID, j.status)
	default:
		return nil
	}
}

func (j job) sessionID() string {
	if j.kind == jobLogEntry {
		return j.entry.SessionID
	}
	return j.session.ID
}

func retryable(err error) bool {
	if errors.Is(err, ErrSessionNotFound) {
		return false
	}
	if errors.Is(err, ErrUnavailable) {
		return true
	}
	_, ok := reliability.Classify(0, err)
	return ok
}
