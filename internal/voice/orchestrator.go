package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/antoniostano/voicecall/internal/agent"
	"github.com/antoniostano/voicecall/internal/audio"
	"github.com/antoniostano/voicecall/internal/conversation"
	"github.com/antoniostano/voicecall/internal/convlog"
	"github.com/antoniostano/voicecall/internal/observability"
	"github.com/antoniostano/voicecall/internal/protocol"
	"github.com/antoniostano/voicecall/internal/session"
)

const (
	DefaultMinAudioBytes    = 500
	DefaultIdleTimeout      = 15 * time.Second
	DefaultIdlePollInterval = time.Second

	criticalSendTimeout = 600 * time.Millisecond
	processingAudioText = "Processing audio..."
)

// ErrConnectionLost is returned by RunConnection when the inbound stream
// closes without an end_stream.
var ErrConnectionLost = errors.New("voice connection lost")

// State is the lifecycle of one voice connection.
type State int

const (
	StateConnecting State = iota
	StateActive
	StateEnding
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type OrchestratorConfig struct {
	MinAudioBytes    int
	DebounceDelay    time.Duration
	IdleTimeout      time.Duration
	IdlePollInterval time.Duration
	HistoryLimit     int
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	if c.MinAudioBytes <= 0 {
		c.MinAudioBytes = DefaultMinAudioBytes
	}
	if c.DebounceDelay <= 0 {
		c.DebounceDelay = DefaultDebounceDelay
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.IdlePollInterval <= 0 {
		c.IdlePollInterval = DefaultIdlePollInterval
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = conversation.DefaultHistoryLimit
	}
	return c
}

// Orchestrator drives voice sessions: transcription, turn debouncing,
// reply generation, speech synthesis and delivery. Gateways and the log sink
// are shared by all sessions.
type Orchestrator struct {
	cfg       OrchestratorConfig
	sessions  *session.Manager
	stt       Transcriber
	tts       Synthesizer
	responder agent.Responder
	sink      *convlog.Sink
	metrics   *observability.Metrics
}

func NewOrchestrator(
	cfg OrchestratorConfig,
	sessions *session.Manager,
	stt Transcriber,
	tts Synthesizer,
	responder agent.Responder,
	sink *convlog.Sink,
	metrics *observability.Metrics,
) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg.withDefaults(),
		sessions:  sessions,
		stt:       stt,
		tts:       tts,
		responder: responder,
		sink:      sink,
		metrics:   metrics,
	}
}

// connection holds per-connection delivery state. Every outbound message goes
// through deliver so a cancelled turn can never emit after the event that
// cancelled it.
type connection struct {
	o        *Orchestrator
	outbound chan<- protocol.ServerMessage
	sendMu   sync.Mutex
}

// deliver sends msg unless ctx is already done. Critical messages wait up to
// criticalSendTimeout for room on the outbound queue; status updates are
// dropped when the queue is full.
func (c *connection) deliver(ctx context.Context, msg protocol.ServerMessage) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	msgType := string(msg.MessageType())
	record := func(result string) {
		c.o.observeOutbound(msgType, result)
	}

	if !isCritical(msg) {
		select {
		case c.outbound <- msg:
			record("delivered")
			return true
		default:
			record("dropped")
			c.o.metrics.SessionEvent("outbound_drop")
			return false
		}
	}

	timer := time.NewTimer(criticalSendTimeout)
	defer timer.Stop()
	select {
	case c.outbound <- msg:
		record("delivered")
		return true
	case <-ctx.Done():
		record("canceled")
		return false
	case <-timer.C:
		record("timeout")
		c.o.metrics.SessionEvent("outbound_timeout_critical")
		c.o.metrics.SessionEvent("outbound_drop")
		return false
	}
}

func isCritical(msg protocol.ServerMessage) bool {
	_, status := msg.(protocol.Status)
	return !status
}

func (o *Orchestrator) observeOutbound(msgType, result string) {
	if o.metrics == nil {
		return
	}
	o.metrics.OutboundMessages.WithLabelValues(msgType, result).Inc()
	if result == "delivered" {
		o.metrics.WSMessages.WithLabelValues("out", msgType).Inc()
	}
}

// RunConnection serves one connected session until end_stream, the idle
// timeout, ctx cancellation or loss of the inbound stream. Inbound messages
// are handled one at a time; processing tasks run concurrently and are
// cancelled on barge-in and teardown.
func (o *Orchestrator) RunConnection(ctx context.Context, s *session.Session, inbound <-chan protocol.ClientMessage, outbound chan<- protocol.ServerMessage) error {
	connCtx, cancelConn := context.WithCancel(ctx)
	defer cancelConn()

	conn := &connection{o: o, outbound: outbound}
	conv := conversation.NewState(s.ID, o.cfg.HistoryLimit, s.Agent)
	clock := NewActivityClock(time.Now())

	state := StateConnecting
	transition := func(next State) {
		if next == state {
			return
		}
		log.Printf("voice session=%s state %s -> %s", s.ID, state, next)
		state = next
	}

	flushes := make(chan Flush, 4)
	debouncer := NewTurnDebouncer(o.cfg.DebounceDelay, func(f Flush) {
		select {
		case flushes <- f:
		case <-connCtx.Done():
		}
	})
	// consumed is the Seq of the newest flush that was started or dropped.
	// Flushes at or below it are stale. Only the loop goroutine touches it.
	var consumed uint64

	var (
		turnMu       sync.Mutex
		turnCancel   context.CancelFunc
		activeTurnID string
		activeToken  int64
		nextToken    int64
		turns        sync.WaitGroup
	)

	cancelActiveTurn := func() bool {
		turnMu.Lock()
		cancel := turnCancel
		turnID := activeTurnID
		turnCancel = nil
		activeTurnID = ""
		activeToken = 0
		turnMu.Unlock()
		if cancel == nil {
			return false
		}
		cancel()
		log.Printf("voice session=%s turn=%s cancelled", s.ID, turnID)
		return true
	}

	dropPending := func() {
		debouncer.Discard()
		consumed = debouncer.Flushed()
		for drained := false; !drained; {
			select {
			case <-flushes:
			default:
				drained = true
			}
		}
	}

	interrupt := func() {
		o.metrics.SessionEvent("barge_in")
		o.metrics.ObserveIndicator("barge_in")
		if o.metrics != nil {
			o.metrics.Interrupts.Inc()
		}
		_ = o.sessions.Interrupt(s.ID)
		conn.deliver(connCtx, protocol.Interrupt{Type: protocol.TypeInterrupt})
	}

	// bargeIn cancels an in-flight turn, drops buffered fragments and tells
	// the client to stop playback. A flushed turn still waiting in the queue
	// counts as in flight.
	bargeIn := func() {
		active := cancelActiveTurn()
		queued := debouncer.Flushed() > consumed
		if !active && !queued {
			return
		}
		if n := debouncer.Pending(); n > 0 || queued {
			log.Printf("voice session=%s barge-in dropped fragments=%d queued_turn=%t", s.ID, n, queued)
		}
		dropPending()
		interrupt()
	}

	startTurn := func(text string) {
		if cancelActiveTurn() {
			interrupt()
		}

		turnCtx, cancel := context.WithCancel(connCtx)
		turnID := uuid.NewString()

		turnMu.Lock()
		nextToken++
		token := nextToken
		activeToken = token
		activeTurnID = turnID
		turnCancel = cancel
		turnMu.Unlock()

		_ = o.sessions.StartTurn(s.ID, turnID)
		turns.Add(1)
		go func() {
			defer turns.Done()
			defer func() {
				cancel()
				turnMu.Lock()
				if activeToken == token {
					turnCancel = nil
					activeTurnID = ""
					activeToken = 0
				}
				turnMu.Unlock()
			}()
			if o.runTurn(turnCtx, conn, conv, clock, turnID, text) {
				_ = o.sessions.FinishTurn(s.ID, turnID)
			}
		}()
	}

	if o.metrics != nil {
		o.metrics.ActiveSessions.Inc()
	}
	o.metrics.SessionEvent("connected")
	defer func() {
		transition(StateEnding)
		debouncer.Stop()
		cancelActiveTurn()
		cancelConn()
		turns.Wait()
		if _, err := o.sessions.End(s.ID); err != nil && !errors.Is(err, session.ErrNotFound) {
			log.Printf("voice session=%s end failed: %v", s.ID, err)
		}
		if o.sink != nil {
			o.sink.EndSession(s.ID, convlog.StatusEnded)
		}
		if o.metrics != nil {
			o.metrics.ActiveSessions.Dec()
		}
		transition(StateClosed)
	}()

	conn.deliver(connCtx, protocol.Connected{
		Type:      protocol.TypeConnected,
		SessionID: s.ID,
		Message:   "WebSocket connection established",
	})
	transition(StateActive)

	idle := time.NewTicker(o.cfg.IdlePollInterval)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case now := <-idle.C:
			if !clock.Idle(now, o.cfg.IdleTimeout) {
				continue
			}
			transition(StateEnding)
			o.metrics.SessionEvent(protocol.ReasonSilenceTimeout)
			cancelActiveTurn()
			conn.deliver(connCtx, protocol.SessionTimeout{
				Type:    protocol.TypeSessionTimeout,
				Message: fmt.Sprintf("No audio detected for %d seconds. Session ended automatically.", int(o.cfg.IdleTimeout.Seconds())),
				Reason:  protocol.ReasonSilenceTimeout,
			})
			return nil

		case f := <-flushes:
			if f.Seq <= consumed {
				continue
			}
			consumed = f.Seq
			startTurn(f.Text)

		case msg, ok := <-inbound:
			if !ok {
				transition(StateEnding)
				o.metrics.SessionEvent("transport_closed")
				// The peer is most likely gone; the error event is best effort.
				conn.deliver(connCtx, protocol.ErrorEvent{Type: protocol.TypeError, Message: "connection closed"})
				return ErrConnectionLost
			}
			if o.metrics != nil {
				o.metrics.WSMessages.WithLabelValues("in", string(msg.MessageType())).Inc()
			}
			clock.Touch(time.Now())

			switch m := msg.(type) {
			case protocol.AudioChunk:
				payload, err := m.Decode()
				if err != nil || len(payload) < o.cfg.MinAudioBytes {
					continue
				}
				_ = o.sessions.Touch(s.ID)
				conn.deliver(connCtx, protocol.Status{Type: protocol.TypeStatus, Text: processingAudioText})

				text := o.transcribe(connCtx, payload)
				if text == "" {
					continue
				}
				bargeIn()
				clock.Touch(time.Now())
				conn.deliver(connCtx, protocol.Transcript{Type: protocol.TypeTranscript, Text: text, IsFinal: true})
				debouncer.Add(text)

			case protocol.TextMessage:
				text := strings.TrimSpace(m.Text)
				if text == "" {
					continue
				}
				bargeIn()
				dropPending()
				_ = o.sessions.Touch(s.ID)
				startTurn(text)

			case protocol.ConfigUpdate:
				if m.Config == nil {
					continue
				}
				merged := conv.UpdateAgent(conversation.AgentConfig{
					DisplayName:   strings.TrimSpace(m.Config.Name),
					PersonaPrompt: m.Config.Prompt(),
					VoiceID:       strings.TrimSpace(m.Config.VoiceID),
					Model:         strings.TrimSpace(m.Config.Model),
				})
				_ = o.sessions.UpdateAgent(s.ID, merged)
				o.metrics.SessionEvent("config_update")

			case protocol.EndStream:
				transition(StateEnding)
				o.metrics.SessionEvent("end_stream")
				cancelActiveTurn()
				conn.deliver(connCtx, protocol.StreamEnded{Type: protocol.TypeStreamEnded, Message: "Stream ended successfully"})
				return nil
			}
		}
	}
}

func (o *Orchestrator) transcribe(ctx context.Context, payload []byte) string {
	if o.stt == nil {
		return ""
	}
	spanCtx, span := observability.StartSpan(ctx, observability.SpanTranscribe,
		trace.WithAttributes(
			attribute.String("stt.gateway", gatewayLabel(o.stt, "stt")),
			attribute.Int("audio.bytes", len(payload)),
		))
	defer span.End()

	started := time.Now()
	text := strings.TrimSpace(o.stt.Transcribe(spanCtx, payload, audio.MIMEWebM))
	o.metrics.ObserveStage(observability.StageTranscribe, time.Since(started))
	span.SetAttributes(attribute.Bool("stt.empty", text == ""))
	return text
}

// runTurn generates, synthesizes and delivers one reply. It reports whether
// the turn completed; a cancelled turn emits nothing further and leaves the
// history untouched.
func (o *Orchestrator) runTurn(ctx context.Context, conn *connection, conv *conversation.State, clock *ActivityClock, turnID, userText string) bool {
	sessionID := conv.SessionID()
	ctx, span := observability.StartSpan(ctx, observability.SpanTurn,
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("turn.id", turnID),
		))
	defer span.End()

	started := time.Now()
	userAt := started.UTC()
	o.logEntry(convlog.LogEntry{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Speaker:    conversation.RoleUser,
		Transcript: userText,
		Timestamp:  userAt,
	})

	agentCfg := conv.Agent()
	reply := o.responder.Respond(ctx, userText, agentCfg, conv.History())
	if ctx.Err() != nil {
		span.SetStatus(codes.Error, "cancelled")
		return false
	}
	span.SetAttributes(
		attribute.String("agent.intent", reply.Intent),
		attribute.Bool("agent.fallback", reply.Fallback),
	)
	if reply.Fallback {
		o.metrics.ObserveIndicator("fallback_reply")
	}

	if !conn.deliver(ctx, protocol.AgentResponse{
		Type:      protocol.TypeAgentResponse,
		Text:      reply.Text,
		Timestamp: protocol.Timestamp(time.Now()),
	}) && ctx.Err() != nil {
		return false
	}
	clock.Touch(time.Now())

	wav := o.synthesize(ctx, reply.Text, agentCfg.VoiceID)
	if ctx.Err() != nil {
		span.SetStatus(codes.Error, "cancelled")
		return false
	}
	if len(wav) > 0 {
		if !conn.deliver(ctx, protocol.AudioResponse{
			Type:      protocol.TypeAudioResponse,
			Audio:     base64.StdEncoding.EncodeToString(wav),
			Format:    "wav",
			Timestamp: protocol.Timestamp(time.Now()),
		}) && ctx.Err() != nil {
			return false
		}
		clock.Extend(time.Now(), audio.PlaybackDuration(wav))
	}

	agentAt := time.Now().UTC()
	conv.Append(
		conversation.Turn{Role: conversation.RoleUser, Text: userText, Timestamp: userAt},
		conversation.Turn{Role: conversation.RoleAgent, Text: reply.Text, Timestamp: agentAt},
	)

	latency := time.Since(started)
	o.logEntry(convlog.LogEntry{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Speaker:    conversation.RoleAgent,
		Transcript: reply.Text,
		Intent:     reply.Intent,
		LatencyMS:  latency.Milliseconds(),
		Timestamp:  agentAt,
	})
	if o.sink != nil {
		o.sink.CompleteTurn(sessionID, latency)
	}
	o.metrics.ObserveStage(observability.StageTurn, latency)
	return true
}

func (o *Orchestrator) synthesize(ctx context.Context, text, voiceID string) []byte {
	if o.tts == nil || strings.TrimSpace(text) == "" {
		return nil
	}
	spanCtx, span := observability.StartSpan(ctx, observability.SpanSynthesize,
		trace.WithAttributes(attribute.String("tts.gateway", gatewayLabel(o.tts, "tts"))))
	defer span.End()

	started := time.Now()
	wav := o.tts.Synthesize(spanCtx, text, voiceID)
	o.metrics.ObserveStage(observability.StageSynthesize, time.Since(started))
	span.SetAttributes(attribute.Int("audio.bytes", len(wav)))
	return wav
}

func (o *Orchestrator) logEntry(entry convlog.LogEntry) {
	if o.sink == nil {
		return
	}
	o.sink.LogEntry(entry)
}
