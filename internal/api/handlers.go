package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/mattjoyce/batchlistener/internal/history"
)

const maxEventsLimit = 500

// handleHealthz handles GET /healthz
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Listener:      s.status.Snapshot(),
	}

	if s.history != nil {
		st, err := s.history.Stats(r.Context())
		if err != nil {
			s.logger.Error("failed to read history stats", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to read history stats")
			return
		}
		resp.History = &st
	}

	respondJSON(w, http.StatusOK, resp)
}

// handleEvents handles GET /events?limit=n
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "history is disabled")
		return
	}

	limit := history.DefaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxEventsLimit)
	}

	recs, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to read history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	if recs == nil {
		recs = []history.Record{}
	}

	respondJSON(w, http.StatusOK, EventsResponse{Events: recs, Count: len(recs)})
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
