package api

import (
	"errors"
	"io"
	"net/http"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/gurre/fixit/apperr"
)

// ErrorBody is the envelope of every failed response.
type ErrorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, apperr.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, apperr.ErrMethodNotAllowed):
		return http.StatusMethodNotAllowed
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindAuthentication:
		return http.StatusUnauthorized
	case apperr.KindNotConfirmed:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindDuplicate:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err as an ErrorBody. Errors that are not application
// errors are reported as InternalError; the provider message is only
// exposed as details outside production.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := apperr.As(err)
	if !ok {
		e = apperr.ErrInternal.Wrap(err)
	}
	status := StatusFor(e)

	body := ErrorBody{
		Error:   e.Name,
		Message: e.Message,
		Code:    e.Code,
	}
	if !s.production && e.Err != nil {
		body.Details = e.Err.Error()
	}

	fields := []zap.Field{
		zap.String("request_id", RequestID(r.Context())),
		zap.String("error", e.Name),
		zap.Int("status", status),
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", append(fields, zap.Error(err))...)
	} else {
		s.logger.Debug("request rejected", fields...)
	}
	writeJSON(w, status, body)
}

// decodeJSON reads the request body into v. An empty body leaves v zero so
// that required-field checks report what is missing.
func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return apperr.ErrPayloadTooLarge.WithMessage("request body is too large")
	}
	return apperr.ErrMalformedBody.Wrap(err)
}
