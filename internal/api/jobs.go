package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/gardenq/internal/media"
	"github.com/kalambet/gardenq/internal/queue"
)

// MediaUpload carries one attachment inline as base64.
type MediaUpload struct {
	Name         string    `json:"name"`
	MIMEType     string    `json:"mime_type,omitempty"`
	LastModified time.Time `json:"last_modified,omitempty"`
	Data         string    `json:"data"`
}

type WorkRequest struct {
	queue.WorkPayload
	Meta  map[string]string `json:"meta,omitempty"`
	Media []MediaUpload     `json:"media,omitempty"`
}

type ApprovalRequest struct {
	queue.ApprovalPayload
	Meta map[string]string `json:"meta,omitempty"`
}

type CheckRequest struct {
	Kind    queue.Kind      `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// JobView is the wire form of a job.
type JobView struct {
	ID            string            `json:"id"`
	Kind          queue.Kind        `json:"kind"`
	Status        queue.Status      `json:"status"`
	Scope         queue.Scope       `json:"scope"`
	Payload       queue.Payload     `json:"payload"`
	Meta          map[string]string `json:"meta,omitempty"`
	Attempts      int               `json:"attempts"`
	LastError     string            `json:"last_error,omitempty"`
	LastAttemptAt *time.Time        `json:"last_attempt_at,omitempty"`
	NextAttemptAt *time.Time        `json:"next_attempt_at,omitempty"`
	TxHash        string            `json:"tx_hash,omitempty"`
	Note          string            `json:"note,omitempty"`
	SyncedAt      *time.Time        `json:"synced_at,omitempty"`
	SizeBytes     int64             `json:"size_bytes"`
	MediaCount    int               `json:"media_count"`
	CreatedAt     time.Time         `json:"created_at"`
}

type EnqueueResponse struct {
	Job       JobView                    `json:"job"`
	Duplicate queue.DuplicateCheckResult `json:"duplicate"`
}

type MediaInfo struct {
	Name         string    `json:"name"`
	MIMEType     string    `json:"mime_type"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

func toJobView(j queue.Job) JobView {
	return JobView{
		ID:            j.ID,
		Kind:          j.Kind,
		Status:        j.Status,
		Scope:         j.Scope,
		Payload:       j.Payload,
		Meta:          j.Meta,
		Attempts:      j.Attempts,
		LastError:     j.LastError,
		LastAttemptAt: timePtr(j.LastAttemptAt),
		NextAttemptAt: timePtr(j.NextAttemptAt),
		TxHash:        j.TxHash,
		Note:          j.Note,
		SyncedAt:      timePtr(j.SyncedAt),
		SizeBytes:     j.SizeBytes,
		MediaCount:    j.MediaCount,
		CreatedAt:     j.CreatedAt,
	}
}

func toJobViews(jobs []queue.Job) []JobView {
	out := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobView(j))
	}
	return out
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func decodeMedia(uploads []MediaUpload) ([]media.SerializedFile, error) {
	files := make([]media.SerializedFile, 0, len(uploads))
	for i, u := range uploads {
		data, err := base64.StdEncoding.DecodeString(u.Data)
		if err != nil {
			return nil, fmt.Errorf("media[%d]: invalid base64 data", i)
		}
		if len(data) > media.MaxFileSize {
			return nil, fmt.Errorf("media[%d]: exceeds %d bytes", i, media.MaxFileSize)
		}
		name := u.Name
		if name == "" {
			name = fmt.Sprintf("media-%d", i)
		}
		modified := u.LastModified
		if modified.IsZero() {
			modified = time.Now().UTC()
		}
		files = append(files, media.FromBytes(name, u.MIMEType, modified, data))
	}
	return files, nil
}

func handleAddWork(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req WorkRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		files, err := decodeMedia(req.Media)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		job, dup, err := deps.Outbox.AddJob(r.Context(), scopeFrom(r.Context()), req.WorkPayload, req.Meta, files)
		if err != nil {
			writeErr(w, "failed to queue work", err)
			return
		}
		writeJSON(w, http.StatusCreated, EnqueueResponse{Job: toJobView(job), Duplicate: dup})
	}
}

func handleAddApproval(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ApprovalRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		job, dup, err := deps.Outbox.AddJob(r.Context(), scopeFrom(r.Context()), req.ApprovalPayload, req.Meta, nil)
		if err != nil {
			writeErr(w, "failed to queue approval", err)
			return
		}
		writeJSON(w, http.StatusCreated, EnqueueResponse{Job: toJobView(job), Duplicate: dup})
	}
}

func handleCheckDuplicate(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req CheckRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		p, err := queue.DecodePayload(req.Kind, req.Payload)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid payload: %v", err)
			return
		}

		dup, err := deps.Outbox.CheckDuplicate(r.Context(), scopeFrom(r.Context()), p)
		if err != nil {
			writeErr(w, "duplicate check failed", err)
			return
		}
		writeJSON(w, http.StatusOK, dup)
	}
}

func parseJobFilter(r *http.Request) (queue.JobFilter, error) {
	q := r.URL.Query()
	f := queue.JobFilter{Limit: parseIntParam(r, "limit", 50, 500)}

	for _, raw := range splitList(q["kind"]) {
		k, err := queue.ParseKind(raw)
		if err != nil {
			return f, err
		}
		f.Kinds = append(f.Kinds, k)
	}
	for _, raw := range splitList(q["status"]) {
		f.Statuses = append(f.Statuses, queue.Status(raw))
	}
	if s := q.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return f, fmt.Errorf("%w: since must be RFC3339", queue.ErrInvalidPayload)
		}
		f.Since = t
	}
	return f, nil
}

// splitList accepts both repeated and comma-separated query values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func handleListJobs(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := parseJobFilter(r)
		if err != nil {
			writeErr(w, "invalid filter", err)
			return
		}
		jobs, err := deps.Outbox.Jobs(r.Context(), scopeFrom(r.Context()), f)
		if err != nil {
			writeErr(w, "failed to list jobs", err)
			return
		}
		writeJSON(w, http.StatusOK, toJobViews(jobs))
	}
}

func handleGetJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := deps.Outbox.Job(r.Context(), scopeFrom(r.Context()), chi.URLParam(r, "id"))
		if err != nil {
			writeErr(w, "job not found", err)
			return
		}
		writeJSON(w, http.StatusOK, toJobView(job))
	}
}

func handleJobMedia(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		files, err := deps.Outbox.JobMedia(r.Context(), scopeFrom(r.Context()), chi.URLParam(r, "id"))
		if err != nil {
			writeErr(w, "failed to load media", err)
			return
		}
		writeJSON(w, http.StatusOK, mediaInfos(files))
	}
}

func mediaInfos(files []media.SerializedFile) []MediaInfo {
	out := make([]MediaInfo, 0, len(files))
	for _, f := range files {
		out = append(out, MediaInfo{Name: f.Name, MIMEType: f.MIMEType, Size: f.Size(), LastModified: f.LastModified})
	}
	return out
}

func handleRetryJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := deps.Outbox.Retry(r.Context(), scopeFrom(r.Context()), chi.URLParam(r, "id"))
		if err != nil {
			writeErr(w, "failed to retry job", err)
			return
		}
		writeJSON(w, http.StatusOK, toJobView(job))
	}
}

func handleSyncJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Outbox.Job(r.Context(), scopeFrom(r.Context()), id); err != nil {
			writeErr(w, "job not found", err)
			return
		}
		job, err := deps.Sync.SyncJob(r.Context(), id)
		if err != nil {
			writeErr(w, "failed to sync job", err)
			return
		}
		writeJSON(w, http.StatusOK, toJobView(job))
	}
}

func handleDiscardJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Outbox.Discard(r.Context(), scopeFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
			writeErr(w, "failed to discard job", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Outbox.Stats(r.Context(), scopeFrom(r.Context()))
		if err != nil {
			writeErr(w, "failed to get stats", err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}
