package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Code    apperrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps an error code onto the HTTP status reported to clients.
func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrInvalid, apperrors.ErrValidation:
		return http.StatusBadRequest
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrBusinessRejected:
		return http.StatusUnprocessableEntity
	case apperrors.ErrQueueFull:
		return http.StatusInsufficientStorage
	case apperrors.ErrOffline:
		return http.StatusServiceUnavailable
	case apperrors.ErrNetwork, apperrors.ErrSyncTimeout:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		s.log.Error("Request failed", err)
	}

	msg := err.Error()
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		msg = appErr.Message
		if appErr.Err != nil {
			msg = fmt.Sprintf("%s: %v", appErr.Message, appErr.Err)
		}
	}
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: msg}})
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	s.writeError(w, apperrors.New(apperrors.ErrInvalid, msg))
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]errorBody{"error": {
		Code:    apperrors.ErrInvalid,
		Message: fmt.Sprintf("method %s not allowed on %s", r.Method, r.URL.Path),
	}})
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]errorBody{"error": {
		Code:    apperrors.ErrNotFound,
		Message: fmt.Sprintf("no route for %s", r.URL.Path),
	}})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err)
	}
	return nil
}
