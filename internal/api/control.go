package api

import (
	"encoding/json"
	"net/http"
)

type ConnectivityRequest struct {
	Online *bool `json:"online"`
}

func handleSync(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Sync.Drain(r.Context())
		if err != nil {
			writeErr(w, "sync failed", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handlePause(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Sync.Pause()
		writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
	}
}

func handleResume(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Sync.Resume()
		writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
	}
}

func handleConnectivity(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<10)
		defer r.Body.Close()

		var req ConnectivityRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Online == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "online is required")
			return
		}
		deps.Net.Set(*req.Online)
		writeJSON(w, http.StatusOK, map[string]bool{"online": deps.Net.Online()})
	}
}

func handleAnalyzeStorage(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := deps.Storage.Analyze(r.Context())
		if err != nil {
			writeErr(w, "failed to analyze storage", err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

func handleCleanup(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Storage.Cleanup(r.Context(), deps.Storage.Settings())
		if err != nil {
			writeErr(w, "cleanup failed", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}
