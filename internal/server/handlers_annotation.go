package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agentation/broker/internal/store"
	"github.com/agentation/broker/pkg/types"
)

type createAnnotationRequest struct {
	Comment     string             `json:"comment"`
	Element     string             `json:"element"`
	ElementPath string             `json:"elementPath"`
	URL         string             `json:"url,omitempty"`
	BoundingBox *types.BoundingBox `json:"boundingBox,omitempty"`
	Intent      types.Intent       `json:"intent,omitempty"`
	Severity    types.Severity     `json:"severity,omitempty"`
	Context     map[string]string  `json:"context,omitempty"`
}

func (s *Server) createAnnotation(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req createAnnotationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Comment == "" || req.Element == "" || req.ElementPath == "" {
		writeError(w, http.StatusBadRequest, "comment, element, and elementPath are required")
		return
	}

	a, err := s.store.AddAnnotation(r.Context(), sessionID, store.AnnotationInput{
		Comment:     req.Comment,
		Element:     req.Element,
		ElementPath: req.ElementPath,
		URL:         req.URL,
		BoundingBox: req.BoundingBox,
		Intent:      req.Intent,
		Severity:    req.Severity,
		Context:     req.Context,
	})
	if err != nil {
		writeAppErr(w, r, err)
		return
	}

	if _, err := s.bus.Publish(r.Context(), types.EventAnnotationCreated, sessionID, a); err != nil {
		writeAppErr(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) getAnnotation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "annotationID")
	a, err := s.store.GetAnnotation(r.Context(), id)
	if err != nil {
		writeAppErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) updateAnnotation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "annotationID")

	var patch types.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	a, err := s.store.UpdateAnnotation(r.Context(), id, patch)
	if err != nil {
		writeAppErr(w, r, err)
		return
	}

	if _, err := s.bus.Publish(r.Context(), types.EventAnnotationUpdated, a.SessionID, a); err != nil {
		writeAppErr(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, a)
}

func (s *Server) deleteAnnotation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "annotationID")

	snapshot, err := s.store.DeleteAnnotation(r.Context(), id)
	if err != nil {
		writeAppErr(w, r, err)
		return
	}

	if _, err := s.bus.Publish(r.Context(), types.EventAnnotationDeleted, snapshot.SessionID, snapshot); err != nil {
		writeAppErr(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "annotationId": id})
}
