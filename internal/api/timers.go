package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-rules/internal/timer"
)

// handleListTimers returns every scheduled timer, soonest first.
func (s *Server) handleListTimers(w http.ResponseWriter, _ *http.Request) {
	timers := s.engine.Timers()
	if timers == nil {
		timers = []timer.Info{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"timers": timers,
		"count":  len(timers),
	})
}

// handleCancelTimer cancels a scheduled timer by id. Anonymous timers have
// no id and cannot be cancelled here.
func (s *Server) handleCancelTimer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.engine.CancelTimer(id) {
		writeNotFound(w, "no scheduled timer with id "+id)
		return
	}
	s.logger.Info("timer cancelled via API", "timer", id, "subject", subjectFrom(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}
