package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/voicecall/internal/config"
	"github.com/antoniostano/voicecall/internal/conversation"
	"github.com/antoniostano/voicecall/internal/convlog"
	"github.com/antoniostano/voicecall/internal/observability"
	"github.com/antoniostano/voicecall/internal/protocol"
	"github.com/antoniostano/voicecall/internal/session"
)

const (
	wsReadLimit    = 4 << 20
	wsReadTimeout  = 120 * time.Second
	wsReadGrace    = 30 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsQueueSize    = 64
)

type Orchestrator interface {
	RunConnection(ctx context.Context, s *session.Session, inbound <-chan protocol.ClientMessage, outbound chan<- protocol.ServerMessage) error
}

// ModelInfo describes the backends behind a running server, as reported by
// /health.
type ModelInfo struct {
	Transcriber        string `json:"stt"`
	Synthesizer        string `json:"tts"`
	LLMProvider        string `json:"llm_provider"`
	ConversationModel  string `json:"conversation_model"`
	OrchestrationModel string `json:"orchestration_model"`
	StoreMode          string `json:"store"`
}

type Server struct {
	cfg          config.Config
	sessions     *session.Manager
	orchestrator Orchestrator
	sink         *convlog.Sink
	metrics      *observability.Metrics
	models       ModelInfo
	upgrader     websocket.Upgrader

	liveMu sync.Mutex
	live   map[string]context.CancelFunc
	conns  sync.WaitGroup
}

func New(cfg config.Config, sessions *session.Manager, orchestrator Orchestrator, sink *convlog.Sink, metrics *observability.Metrics, models ModelInfo) *Server {
	return &Server{
		cfg:          cfg,
		sessions:     sessions,
		orchestrator: orchestrator,
		sink:         sink,
		metrics:      metrics,
		models:       models,
		live:         make(map[string]context.CancelFunc),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients usually omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReady)
	r.Get("/health", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Get("/v1/sessions/{id}/logs", s.handleListLogs)
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Post("/v1/perf/latency/reset", s.handlePerfReset)

	r.Get("/ws/voice/{session_id}", s.handleVoiceWS)

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"models":          s.models,
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	sess := s.sessions.Create(req.Agent())
	s.recordSession(sess)
	s.metrics.SessionEvent("created")

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:     sess.ID,
		Status:        sess.Status,
		Agent:         sess.Agent,
		StartedAt:     sess.StartedAt,
		WebSocketPath: "/ws/voice/" + sess.ID,
		IdleTimeoutMS: s.cfg.IdleTimeout.Milliseconds(),
	})
}

type sessionResponse struct {
	*session.Session
	TotalTurns       int     `json:"total_turns"`
	AverageLatencyMS float64 `json:"average_latency_ms"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	live, liveErr := s.sessions.Get(id)

	var (
		rec    convlog.SessionRecord
		recErr = convlog.ErrSessionNotFound
	)
	if store := s.store(); store != nil {
		rec, recErr = store.GetSession(r.Context(), id)
	}

	switch {
	case liveErr == nil:
		resp := sessionResponse{Session: live}
		if recErr == nil {
			resp.TotalTurns = rec.TotalTurns
			resp.AverageLatencyMS = rec.AverageLatencyMS
		}
		respondJSON(w, http.StatusOK, resp)
	case recErr == nil:
		respondJSON(w, http.StatusOK, sessionResponse{
			Session: &session.Session{
				ID:        rec.ID,
				Status:    session.Status(rec.Status),
				Agent:     rec.Agent,
				StartedAt: rec.StartedAt,
				EndedAt:   rec.EndedAt,
			},
			TotalTurns:       rec.TotalTurns,
			AverageLatencyMS: rec.AverageLatencyMS,
		})
	case errors.Is(recErr, convlog.ErrSessionNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", session.ErrNotFound.Error())
	default:
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", recErr.Error())
	}
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.disconnect(id)
	if s.sink != nil {
		s.sink.EndSession(id, convlog.StatusEnded)
	}
	s.metrics.SessionEvent("ended")
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	store := s.store()
	if store == nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", "conversation store not configured")
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_limit", err.Error())
		return
	}
	if _, err := store.GetSession(r.Context(), id); err != nil {
		if errors.Is(err, convlog.ErrSessionNotFound) {
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
			return
		}
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	entries, err := store.ListLogs(r.Context(), id, limit)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	if entries == nil {
		entries = []convlog.LogEntry{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"logs":       entries,
	})
}

// handleVoiceWS upgrades to the voice protocol. Unknown session ids are
// registered on the fly.
func (s *Server) handleVoiceWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "session id is required")
		return
	}
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}

	if sess, created := s.sessions.GetOrCreate(sessionID, conversation.AgentConfig{}); created {
		s.recordSession(sess)
		s.metrics.SessionEvent("created_on_connect")
	}
	sess, err := s.sessions.Connect(sessionID)
	switch {
	case errors.Is(err, session.ErrAlreadyConnected):
		respondError(w, http.StatusConflict, "session_connected", err.Error())
		return
	case errors.Is(err, session.ErrEnded):
		respondError(w, http.StatusGone, "session_ended", err.Error())
		return
	case err != nil:
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_, _ = s.sessions.End(sessionID)
		return
	}
	defer conn.Close()

	// The request context is cancelled when the handler returns, so the
	// connection gets its own.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.register(sessionID, cancel)
	defer s.unregister(sessionID)

	inbound := make(chan protocol.ClientMessage, wsQueueSize)
	outbound := make(chan protocol.ServerMessage, wsQueueSize)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		failed := false
		for msg := range outbound {
			if failed {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				s.metrics.SessionEvent("ws_write_error")
				failed = true
				cancel()
			}
		}
	}()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer close(inbound)
		s.readLoop(ctx, conn, inbound)
	}()

	if err := s.orchestrator.RunConnection(ctx, sess, inbound, outbound); err != nil {
		s.metrics.SessionEvent("ws_lost")
	}
	close(outbound)
	<-writerDone

	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	_ = conn.Close()
	cancel()
	<-readerDone
	s.metrics.SessionEvent("ws_disconnected")
}

// readLoop forwards parsed client messages. Binary frames and messages that
// fail to parse are dropped; the session carries on.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, inbound chan<- protocol.ClientMessage) {
	readTimeout := s.readTimeout()
	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.metrics.SessionEvent("invalid_client_message")
			continue
		}
		select {
		case inbound <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// readTimeout outlasts the idle timeout so a silent client is ended by the
// orchestrator with session_timeout, not by a read deadline.
func (s *Server) readTimeout() time.Duration {
	if d := s.cfg.IdleTimeout + wsReadGrace; d > wsReadTimeout {
		return d
	}
	return wsReadTimeout
}

func (s *Server) register(sessionID string, cancel context.CancelFunc) {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	s.live[sessionID] = cancel
	s.conns.Add(1)
}

func (s *Server) unregister(sessionID string) {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	if _, ok := s.live[sessionID]; ok {
		delete(s.live, sessionID)
		s.conns.Done()
	}
}

// disconnect stops the live connection of sessionID, if any.
func (s *Server) disconnect(sessionID string) {
	s.liveMu.Lock()
	cancel := s.live[sessionID]
	s.liveMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Drain cancels every live voice connection and waits for their handlers to
// finish, up to ctx. http.Server.Shutdown does not track hijacked conns.
func (s *Server) Drain(ctx context.Context) error {
	s.liveMu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.live))
	for _, cancel := range s.live {
		cancels = append(cancels, cancel)
	}
	s.liveMu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) recordSession(sess *session.Session) {
	if s.sink == nil {
		return
	}
	s.sink.CreateSession(convlog.SessionRecord{
		ID:        sess.ID,
		Status:    convlog.StatusActive,
		Agent:     sess.Agent,
		StartedAt: sess.StartedAt,
	})
}

func (s *Server) store() convlog.Store {
	if s.sink == nil {
		return nil
	}
	return s.sink.Store()
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
