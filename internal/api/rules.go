package api

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-rules/internal/automation"
)

// Firing log paging limits.
const (
	defaultFiringLimit = 50
	maxFiringLimit     = 500
)

// handleListRules returns all loaded rules, optionally filtered by
// ?rule_set= and ?tag=.
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	set := r.URL.Query().Get("rule_set")
	tag := r.URL.Query().Get("tag")

	rules := make([]automation.RuleInfo, 0)
	for _, info := range s.engine.ListRules() {
		if set != "" && info.RuleSet != set {
			continue
		}
		if tag != "" && !slices.Contains(info.Tags, tag) {
			continue
		}
		rules = append(rules, info)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rules": rules,
		"count": len(rules),
	})
}

// handleGetRule returns a single rule by UID.
func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	info, err := s.engine.Rule(chi.URLParam(r, "uid"))
	if err != nil {
		s.writeRuleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleRunRule fires a rule manually. Tasks up to the first delay run
// before the response; the rest, and the final status, land in the firing
// log. A client that disconnects does not cancel the firing.
func (s *Server) handleRunRule(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	firingID, err := s.engine.RunRule(context.WithoutCancel(r.Context()), uid)
	if err != nil {
		s.writeRuleError(w, err)
		return
	}

	s.logger.Info("rule run via API",
		"rule", uid,
		"firing_id", firingID,
		"subject", subjectFrom(r.Context()),
	)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"rule_uid":  uid,
		"firing_id": firingID,
		"status":    "accepted",
	})
}

// handleEnableRule enables a rule.
func (s *Server) handleEnableRule(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, true)
}

// handleDisableRule disables a rule. Running firings are not interrupted.
func (s *Server) handleDisableRule(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, false)
}

func (s *Server) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	uid := chi.URLParam(r, "uid")
	if err := s.engine.SetEnabled(uid, enabled); err != nil {
		s.writeRuleError(w, err)
		return
	}
	info, err := s.engine.Rule(uid)
	if err != nil {
		s.writeRuleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleListFirings returns recent firings of a rule, newest first.
// Accepts ?limit= (default 50, max 500).
func (s *Server) handleListFirings(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	if _, err := s.engine.Rule(uid); err != nil {
		s.writeRuleError(w, err)
		return
	}

	limit := defaultFiringLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, maxFiringLimit)
	}

	firings, err := s.engine.Firings(r.Context(), uid, limit)
	if err != nil {
		s.logger.Error("failed to list firings", "rule", uid, "error", err)
		writeInternalError(w, "failed to list firings")
		return
	}
	if firings == nil {
		firings = []automation.Firing{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rule_uid": uid,
		"firings":  firings,
		"count":    len(firings),
	})
}

// writeRuleError maps automation errors to HTTP responses.
func (s *Server) writeRuleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, automation.ErrRuleNotFound):
		writeNotFound(w, err.Error())
	case errors.Is(err, automation.ErrRuleDisabled):
		writeConflict(w, err.Error())
	case errors.Is(err, automation.ErrEngineClosed):
		writeUnavailable(w, err.Error())
	default:
		s.logger.Error("rule operation failed", "error", err)
		writeInternalError(w, "rule operation failed")
	}
}
