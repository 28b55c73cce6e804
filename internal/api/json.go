package api

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"

	"github.com/starford/mediacat/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", slog.String("error", err.Error()))
	}
}

type errResponse struct {
	Error    string            `json:"error" validate:"required"`
	Failures map[string]string `json:"failures,omitempty"`
}

func errorBody(msg string) errResponse {
	return errResponse{Error: msg}
}

// statusOf maps the error taxonomy onto HTTP status codes.
func statusOf(err error) int {
	var formatErr *apperr.FormatNotSupportedError
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrAlreadyExists),
		errors.Is(err, apperr.ErrDownloading),
		errors.Is(err, apperr.ErrNotDownloaded):
		return http.StatusConflict
	case errors.Is(err, fs.ErrPermission):
		return http.StatusForbidden
	case errors.As(err, &formatErr):
		return http.StatusUnsupportedMediaType
	}
	return http.StatusInternalServerError
}

// writeError writes err with the mapped status. Partial failures become a
// 207 with one message per item; internal errors are logged and hidden.
func writeError(w http.ResponseWriter, op string, err error) {
	var partial *apperr.PartialFailureError
	if errors.As(err, &partial) {
		body := errResponse{Error: "some items failed", Failures: make(map[string]string, len(partial.Failures))}
		for id, e := range partial.Failures {
			body.Failures[id] = e.Error()
		}
		writeJSON(w, http.StatusMultiStatus, body)
		return
	}

	status := statusOf(err)
	if status == http.StatusInternalServerError {
		slog.Error(op+" failed", slog.String("error", err.Error()))
		writeJSON(w, status, errorBody("internal error"))
		return
	}
	writeJSON(w, status, errorBody(err.Error()))
}
