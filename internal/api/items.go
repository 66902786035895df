package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-rules/internal/item"
	"github.com/nerrad567/gray-logic-rules/internal/platform"
)

// itemValueRequest is the body of the command and state endpoints.
// Value takes the same forms as item states in JSON: "ON", 21.5,
// "21.5 °C", true.
type itemValueRequest struct {
	Value *item.State `json:"value"`
}

// handleListItems returns all items, optionally filtered by ?type= or
// ?group=.
func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	typ := item.Type(r.URL.Query().Get("type"))
	group := r.URL.Query().Get("group")

	items := make([]item.Item, 0)
	for _, it := range s.items.ListItems() {
		if typ != "" && it.Type != typ {
			continue
		}
		if group != "" && !it.MemberOf(group) {
			continue
		}
		items = append(items, it)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}

// handleGetItem returns a single item with its state.
func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	it, err := s.items.GetItem(chi.URLParam(r, "name"))
	if err != nil {
		s.writeItemError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

// handleItemCommand sends a command to an item. Rules with command
// triggers see it like a command from the bus.
func (s *Server) handleItemCommand(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	value, ok := decodeItemValue(w, r)
	if !ok {
		return
	}
	if err := s.items.SendCommand(r.Context(), name, value); err != nil {
		s.writeItemError(w, err)
		return
	}

	s.logger.Info("item command via API", "item", name, "command", value.String(), "subject", subjectFrom(r.Context()))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"item":    name,
		"command": value,
		"status":  "accepted",
	})
}

// handleItemState posts a state update to an item without commanding
// its bridge.
func (s *Server) handleItemState(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	value, ok := decodeItemValue(w, r)
	if !ok {
		return
	}
	if err := s.items.PostUpdate(r.Context(), name, value); err != nil {
		s.writeItemError(w, err)
		return
	}

	it, err := s.items.GetItem(name)
	if err != nil {
		s.writeItemError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

// decodeItemValue reads an itemValueRequest, writing a 400 on failure.
func decodeItemValue(w http.ResponseWriter, r *http.Request) (item.State, bool) {
	var req itemValueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return item.State{}, false
	}
	if req.Value == nil {
		writeBadRequest(w, "value is required")
		return item.State{}, false
	}
	return *req.Value, true
}

// writeItemError maps item and platform errors to HTTP responses.
func (s *Server) writeItemError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, item.ErrItemNotFound):
		writeNotFound(w, err.Error())
	case errors.Is(err, platform.ErrCommandRejected), errors.Is(err, item.ErrInvalidState):
		writeValidationError(w, err.Error())
	case errors.Is(err, platform.ErrClosed):
		writeUnavailable(w, err.Error())
	default:
		s.logger.Error("item operation failed", "error", err)
		writeInternalError(w, "item operation failed")
	}
}
