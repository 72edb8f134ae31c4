package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/storage"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError maps domain errors onto status codes. Unrecognised errors are
// logged and reported as a bare 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, dispatch.ErrNotFound), errors.Is(err, geo.ErrUnknownDriver):
		writeErrorBody(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, dispatch.ErrConflict):
		writeErrorBody(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, dispatch.ErrContention):
		w.Header().Set("Retry-After", "1")
		writeErrorBody(w, http.StatusServiceUnavailable, "contention", "ride is busy, try again shortly")
	case errors.Is(err, dispatch.ErrInvalidRequest), errors.Is(err, geo.ErrInvalidLocation), errors.Is(err, storage.ErrUnknownField),
		errors.Is(err, storage.ErrInvalidQuery):
		writeErrorBody(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, ErrUnauthenticated):
		writeErrorBody(w, http.StatusUnauthorized, "unauthenticated", err.Error())
	case errors.Is(err, dispatch.ErrPayment):
		writeErrorBody(w, http.StatusPaymentRequired, "payment_failed", err.Error())
	case errors.Is(err, storage.ErrUnavailable), errors.Is(err, geo.ErrUnavailable), errors.Is(err, lock.ErrUnavailable):
		s.logger.Warn("store unavailable", "path", r.URL.Path, "error", err)
		writeErrorBody(w, http.StatusServiceUnavailable, "unavailable", "backing store unavailable")
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "request_id", requestIDFromContext(r.Context()), "error", err)
		writeErrorBody(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func writeErrorBody(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Code: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
