package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentation/broker/pkg/types"
)

type createSessionRequest struct {
	URL       string `json:"url"`
	ProjectID string `json:"projectId,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"storeBacking":  s.config.StoreBacking,
		"uptimeSeconds": int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context())
	if err != nil {
		writeAppErr(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []*types.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	sess, err := s.store.CreateSession(r.Context(), req.URL, req.ProjectID)
	if err != nil {
		writeAppErr(w, r, err)
		return
	}

	if _, err := s.bus.Publish(r.Context(), types.EventSessionCreated, sess.ID, sess); err != nil {
		writeAppErr(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	detail, err := s.store.GetSessionWithAnnotations(r.Context(), id)
	if err != nil {
		writeAppErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

type updateSessionRequest struct {
	Status types.SessionStatus `json:"status"`
}

func (s *Server) updateSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	var req updateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Status != types.SessionActive && req.Status != types.SessionClosed {
		writeError(w, http.StatusBadRequest, "status must be active or closed")
		return
	}

	sess, err := s.store.UpdateSessionStatus(r.Context(), id, req.Status)
	if err != nil {
		writeAppErr(w, r, err)
		return
	}

	evType := types.EventSessionUpdated
	if req.Status == types.SessionClosed {
		evType = types.EventSessionClosed
	}
	if _, err := s.bus.Publish(r.Context(), evType, sess.ID, sess); err != nil {
		writeAppErr(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		writeAppErr(w, r, err)
		return
	}

	if err := s.store.DeleteSession(r.Context(), id); err != nil {
		writeAppErr(w, r, err)
		return
	}

	if _, err := s.bus.Publish(r.Context(), types.EventSessionClosed, sess.ID, sess); err != nil {
		writeAppErr(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "sessionId": id})
}

func (s *Server) getSessionPending(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	pending, err := s.store.GetPendingAnnotations(r.Context(), id)
	if err != nil {
		writeAppErr(w, r, err)
		return
	}
	if pending == nil {
		pending = []*types.Annotation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(pending), "annotations": pending})
}

func (s *Server) getAllPending(w http.ResponseWriter, r *http.Request) {
	pending, err := s.store.GetAllPendingAnnotations(r.Context())
	if err != nil {
		writeAppErr(w, r, err)
		return
	}
	if pending == nil {
		pending = []*types.Annotation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(pending), "annotations": pending})
}
