package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agentation/broker/pkg/types"
)

type addThreadMessageRequest struct {
	Role    types.ThreadRole `json:"role"`
	Content string           `json:"content"`
}

func (s *Server) addThreadMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "annotationID")

	var req addThreadMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if req.Role != types.RoleHuman && req.Role != types.RoleAgent {
		writeError(w, http.StatusBadRequest, "role must be human or agent")
		return
	}

	a, err := s.store.AddThreadMessage(r.Context(), id, req.Role, req.Content)
	if err != nil {
		writeAppErr(w, r, err)
		return
	}

	if _, err := s.bus.Publish(r.Context(), types.EventThreadMessage, a.SessionID, a); err != nil {
		writeAppErr(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, a)
}
