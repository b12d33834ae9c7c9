// Package api serves the local HTTP and MCP surfaces over the outbox.
package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/gardenq/internal/events"
	"github.com/kalambet/gardenq/internal/outbox"
	"github.com/kalambet/gardenq/internal/queue"
	"github.com/kalambet/gardenq/internal/quota"
	"github.com/kalambet/gardenq/internal/syncer"
)

const maxRequestBodySize = 64 << 20 // 64MB, room for base64 media

// SyncControl is the part of the orchestrator exposed to callers.
type SyncControl interface {
	Drain(ctx context.Context) (syncer.Result, error)
	SyncJob(ctx context.Context, id string) (queue.Job, error)
	Pause()
	Resume()
	Paused() bool
}

// StorageManager reports and reclaims local storage.
type StorageManager interface {
	Analyze(ctx context.Context) (quota.Analytics, error)
	Cleanup(ctx context.Context, s quota.Settings) (quota.CleanupResult, error)
	Settings() quota.Settings
}

// Connectivity lets clients report the platform's network state.
type Connectivity interface {
	Online() bool
	Set(online bool)
}

// Subscriber hands out event subscriptions for the SSE stream.
type Subscriber interface {
	Subscribe(buffer int) (<-chan events.Event, func())
}

type AppDeps struct {
	Outbox  *outbox.Outbox
	Sync    SyncControl
	Storage StorageManager
	Net     Connectivity
	Events  Subscriber
	Token   string
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/storage", handleAnalyzeStorage(deps))
		r.Post("/storage/cleanup", handleCleanup(deps))
		r.Post("/sync", handleSync(deps))
		r.Post("/sync/pause", handlePause(deps))
		r.Post("/sync/resume", handleResume(deps))
		r.Put("/connectivity", handleConnectivity(deps))
		r.Get("/events", handleEvents(deps))

		r.Group(func(r chi.Router) {
			r.Use(RequireScope)

			r.Post("/jobs/work", handleAddWork(deps))
			r.Post("/jobs/approval", handleAddApproval(deps))
			r.Post("/jobs/check", handleCheckDuplicate(deps))
			r.Get("/jobs", handleListJobs(deps))
			r.Get("/jobs/{id}", handleGetJob(deps))
			r.Get("/jobs/{id}/media", handleJobMedia(deps))
			r.Post("/jobs/{id}/retry", handleRetryJob(deps))
			r.Post("/jobs/{id}/sync", handleSyncJob(deps))
			r.Delete("/jobs/{id}", handleDiscardJob(deps))
			r.Get("/stats", handleStats(deps))

			r.Get("/drafts", handleListDrafts(deps))
			r.Post("/drafts", handleSaveDraft(deps))
			r.Get("/drafts/{id}", handleGetDraft(deps))
			r.Put("/drafts/{id}", handleSaveDraft(deps))
			r.Delete("/drafts/{id}", handleDeleteDraft(deps))
			r.Put("/drafts/{id}/media", handleDraftMedia(deps))
			r.Post("/drafts/{id}/submit", handleSubmitDraft(deps))
		})
	})

	return r
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"online": deps.Net.Online(),
			"paused": deps.Sync.Paused(),
		})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
