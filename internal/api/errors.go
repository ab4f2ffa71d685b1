package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kalambet/zettel/internal/note"
	"github.com/kalambet/zettel/internal/pipeline"
	"github.com/kalambet/zettel/internal/publish"
	"github.com/kalambet/zettel/internal/session"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps a domain error to an HTTP status and error type.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, note.ErrEmptyPayload),
		errors.Is(err, note.ErrInvalidMode),
		errors.Is(err, session.ErrInvalidUser):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, note.ErrUnknownReplyTarget):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, session.ErrRunInProgress),
		errors.Is(err, session.ErrEmptyQueue):
		return http.StatusConflict, "conflict_error"
	case errors.Is(err, pipeline.ErrTransformMalformedOutput):
		return http.StatusUnprocessableEntity, "transform_error"
	case errors.Is(err, pipeline.ErrTransformUnavailable),
		errors.Is(err, publish.ErrPublishFailure):
		return http.StatusBadGateway, "upstream_error"
	}
	return http.StatusInternalServerError, "api_error"
}

func writeErr(w http.ResponseWriter, err error) {
	code, errType := statusFor(err)
	if code == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	httpError(w, code, errType, "%v", err)
}
