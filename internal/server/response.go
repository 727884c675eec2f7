package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/agentation/broker/internal/apperr"
	"github.com/agentation/broker/internal/logging"
)

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes the wire-level error shape {error: <reason>}.
func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]string{"error": reason})
}

// writeAppErr maps an apperr.Kind to its HTTP status and writes the
// error body. Unrecognized errors default to 500. 500s are logged with
// the request's chi-assigned id so they can be correlated against the
// access log line middleware.Logger already wrote for this request.
func writeAppErr(w http.ResponseWriter, r *http.Request, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		logging.WithRequestID(middleware.GetReqID(r.Context())).Error().Err(err).Msg("unclassified error")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	switch ae.Kind {
	case apperr.Validation:
		writeError(w, http.StatusBadRequest, ae.Message)
	case apperr.NotFound:
		writeError(w, http.StatusNotFound, ae.Message)
	case apperr.Unauthorized:
		writeError(w, http.StatusUnauthorized, ae.Message)
	default:
		logger := logging.WithRequestID(middleware.GetReqID(r.Context()))
		if ae.Kind == apperr.Transient {
			logger.Warn().Err(ae).Msg("store or bus error")
		} else {
			logger.Error().Err(ae).Msg("store or bus error")
		}
		writeError(w, http.StatusInternalServerError, ae.Message)
	}
}
