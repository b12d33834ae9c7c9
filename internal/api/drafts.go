package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/gardenq/internal/queue"
)

// DraftRequest is the editable part of a draft. Nil addresses mean the step
// has not been answered yet.
type DraftRequest struct {
	GardenAddress  *string  `json:"garden_address"`
	ActionUID      *string  `json:"action_uid"`
	Feedback       string   `json:"feedback"`
	PlantSelection []string `json:"plant_selection"`
	PlantCount     int      `json:"plant_count"`
	CurrentStep    int      `json:"current_step"`
}

type DraftView struct {
	ID                  string      `json:"id"`
	Scope               queue.Scope `json:"scope"`
	GardenAddress       *string     `json:"garden_address"`
	ActionUID           *string     `json:"action_uid"`
	Feedback            string      `json:"feedback"`
	PlantSelection      []string    `json:"plant_selection"`
	PlantCount          int         `json:"plant_count"`
	CurrentStep         int         `json:"current_step"`
	FirstIncompleteStep string      `json:"first_incomplete_step"`
	Complete            bool        `json:"complete"`
	MediaCount          int         `json:"media_count"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

type SubmitDraftRequest struct {
	Meta map[string]string `json:"meta,omitempty"`
}

type MediaRequest struct {
	Media []MediaUpload `json:"media"`
}

func toDraftView(d queue.WorkDraft) DraftView {
	plants := d.PlantSelection
	if plants == nil {
		plants = []string{}
	}
	return DraftView{
		ID:                  d.ID,
		Scope:               d.Scope,
		GardenAddress:       d.GardenAddress,
		ActionUID:           d.ActionUID,
		Feedback:            d.Feedback,
		PlantSelection:      plants,
		PlantCount:          d.PlantCount,
		CurrentStep:         int(d.CurrentStep),
		FirstIncompleteStep: d.FirstIncompleteStep.String(),
		Complete:            d.Complete(),
		MediaCount:          d.MediaCount,
		CreatedAt:           d.CreatedAt,
		UpdatedAt:           d.UpdatedAt,
	}
}

func handleListDrafts(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		drafts, err := deps.Outbox.Drafts(r.Context(), scopeFrom(r.Context()))
		if err != nil {
			writeErr(w, "failed to list drafts", err)
			return
		}
		out := make([]DraftView, 0, len(drafts))
		for _, d := range drafts {
			out = append(out, toDraftView(d))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetDraft(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := deps.Outbox.Draft(r.Context(), scopeFrom(r.Context()), chi.URLParam(r, "id"))
		if err != nil {
			writeErr(w, "draft not found", err)
			return
		}
		writeJSON(w, http.StatusOK, toDraftView(d))
	}
}

// handleSaveDraft serves both POST /drafts (new id) and PUT /drafts/{id}.
func handleSaveDraft(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req DraftRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		saved, err := deps.Outbox.SaveDraft(r.Context(), queue.WorkDraft{
			ID:             chi.URLParam(r, "id"),
			Scope:          scopeFrom(r.Context()),
			GardenAddress:  req.GardenAddress,
			ActionUID:      req.ActionUID,
			Feedback:       req.Feedback,
			PlantSelection: req.PlantSelection,
			PlantCount:     req.PlantCount,
			CurrentStep:    queue.DraftStep(req.CurrentStep),
		})
		if err != nil {
			writeErr(w, "failed to save draft", err)
			return
		}
		code := http.StatusOK
		if r.Method == http.MethodPost {
			code = http.StatusCreated
		}
		writeJSON(w, code, toDraftView(saved))
	}
}

func handleDeleteDraft(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Outbox.DeleteDraft(r.Context(), scopeFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
			writeErr(w, "failed to delete draft", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleDraftMedia(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req MediaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		files, err := decodeMedia(req.Media)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		d, err := deps.Outbox.AttachDraftMedia(r.Context(), scopeFrom(r.Context()), chi.URLParam(r, "id"), files)
		if err != nil {
			writeErr(w, "failed to attach media", err)
			return
		}
		writeJSON(w, http.StatusOK, toDraftView(d))
	}
}

func handleSubmitDraft(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req SubmitDraftRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
		}

		job, dup, err := deps.Outbox.SubmitDraft(r.Context(), scopeFrom(r.Context()), chi.URLParam(r, "id"), req.Meta)
		if err != nil {
			writeErr(w, "failed to submit draft", err)
			return
		}
		writeJSON(w, http.StatusCreated, EnqueueResponse{Job: toJobView(job), Duplicate: dup})
	}
}
