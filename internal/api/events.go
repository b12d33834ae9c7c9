package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kalambet/gardenq/internal/events"
	"github.com/kalambet/gardenq/internal/queue"
)

const sseHeartbeat = 15 * time.Second

// handleEvents streams lifecycle events as server-sent events. When scope
// headers are present only that scope's events are sent.
func handleEvents(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming unsupported")
			return
		}

		var filter *queue.Scope
		if r.Header.Get(headerUser) != "" || r.Header.Get(headerChain) != "" {
			scope, err := scopeFromHeaders(r.Header)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			filter = &scope
		}

		ch, cancel := deps.Events.Subscribe(64)
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ticker := time.NewTicker(sseHeartbeat)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			case e, ok := <-ch:
				if !ok {
					return
				}
				if !matches(filter, e) {
					continue
				}
				if err := writeEvent(w, e); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

// matches lets scope-less events, such as storage cleanups, through any filter.
func matches(filter *queue.Scope, e events.Event) bool {
	if filter == nil || e.Scope == (queue.Scope{}) {
		return true
	}
	return e.Scope == *filter
}

func writeEvent(w http.ResponseWriter, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
	return err
}
