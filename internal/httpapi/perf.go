package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 1000
)

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotTurnStages())
}

func (s *Server) handlePerfReset(w http.ResponseWriter, _ *http.Request) {
	s.metrics.ResetTurnStages()
	respondJSON(w, http.StatusOK, map[string]any{"status": "reset"})
}

func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultLogLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer, got %q", raw)
	}
	if n > maxLogLimit {
		n = maxLogLimit
	}
	return n, nil
}
