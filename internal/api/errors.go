package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kalambet/gardenq/internal/queue"
	"github.com/kalambet/gardenq/internal/syncer"
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

// writeErr maps queue and sync errors onto HTTP statuses.
func writeErr(w http.ResponseWriter, action string, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%s: %v", action, err)
	case errors.Is(err, queue.ErrInvalidScope),
		errors.Is(err, queue.ErrInvalidPayload),
		errors.Is(err, queue.ErrUnknownKind):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%s: %v", action, err)
	case errors.Is(err, queue.ErrDraftIncomplete):
		httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "%s: %v", action, err)
	case errors.Is(err, queue.ErrJobClosed),
		errors.Is(err, queue.ErrJobInFlight),
		errors.Is(err, syncer.ErrPaused):
		httpError(w, http.StatusConflict, "conflict", "%s: %v", action, err)
	case errors.Is(err, syncer.ErrOffline):
		httpError(w, http.StatusServiceUnavailable, "offline", "%s: %v", action, err)
	case errors.Is(err, queue.ErrStorageFull):
		httpError(w, http.StatusInsufficientStorage, "storage_full", "%s: %v", action, err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%s: %v", action, err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
