package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kalambet/gardenq/internal/media"
	"github.com/kalambet/gardenq/internal/queue"
)

const jobColumns = `seq, id, kind, user_address, chain_id, payload_json, meta_json, status,
	attempts, last_attempt_at, last_error, next_attempt_at, claimed_at, tx_hash, note,
	synced_at, size_bytes, created_at, updated_at,
	(SELECT COUNT(*) FROM job_media m WHERE m.job_id = jobs.id) AS media_count,
	(SELECT COALESCE(SUM(m.size_bytes), 0) FROM job_media m WHERE m.job_id = jobs.id) AS media_bytes`

type jobRow struct {
	Seq           int64         `db:"seq"`
	ID            string        `db:"id"`
	Kind          string        `db:"kind"`
	UserAddress   string        `db:"user_address"`
	ChainID       int64         `db:"chain_id"`
	PayloadJSON   string        `db:"payload_json"`
	MetaJSON      string        `db:"meta_json"`
	Status        string        `db:"status"`
	Attempts      int           `db:"attempts"`
	LastAttemptAt sql.NullInt64 `db:"last_attempt_at"`
	LastError     string        `db:"last_error"`
	NextAttemptAt int64         `db:"next_attempt_at"`
	ClaimedAt     sql.NullInt64 `db:"claimed_at"`
	TxHash        string        `db:"tx_hash"`
	Note          string        `db:"note"`
	SyncedAt      sql.NullInt64 `db:"synced_at"`
	SizeBytes     int64         `db:"size_bytes"`
	CreatedAt     int64         `db:"created_at"`
	UpdatedAt     int64         `db:"updated_at"`
	MediaCount    int           `db:"media_count"`
	MediaBytes    int64         `db:"media_bytes"`
}

func (r jobRow) toJob() (queue.Job, error) {
	kind, err := queue.ParseKind(r.Kind)
	if err != nil {
		return queue.Job{}, fmt.Errorf("job %s: %w", r.ID, err)
	}
	payload, err := queue.DecodePayload(kind, []byte(r.PayloadJSON))
	if err != nil {
		return queue.Job{}, fmt.Errorf("job %s: %w", r.ID, err)
	}
	var meta map[string]string
	if r.MetaJSON != "" {
		if err := json.Unmarshal([]byte(r.MetaJSON), &meta); err != nil {
			return queue.Job{}, fmt.Errorf("job %s meta: %w", r.ID, err)
		}
	}
	return queue.Job{
		ID:            r.ID,
		Kind:          kind,
		Payload:       payload,
		Meta:          meta,
		Scope:         queue.Scope{UserAddress: r.UserAddress, ChainID: r.ChainID},
		CreatedAt:     fromMillis(r.CreatedAt),
		Status:        queue.Status(r.Status),
		Attempts:      r.Attempts,
		LastAttemptAt: fromMillis(r.LastAttemptAt.Int64),
		LastError:     r.LastError,
		NextAttemptAt: fromMillis(r.NextAttemptAt),
		TxHash:        r.TxHash,
		Note:          r.Note,
		SyncedAt:      fromMillis(r.SyncedAt.Int64),
		SizeBytes:     r.SizeBytes + r.MediaBytes,
		MediaCount:    r.MediaCount,
	}, nil
}

func toJobs(rows []jobRow) ([]queue.Job, error) {
	jobs := make([]queue.Job, 0, len(rows))
	for _, r := range rows {
		j, err := r.toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

type mediaRow struct {
	Position     int    `db:"position"`
	Name         string `db:"name"`
	MIMEType     string `db:"mime_type"`
	LastModified int64  `db:"last_modified"`
	SizeBytes    int64  `db:"size_bytes"`
	Data         []byte `db:"data"`
}

func (r mediaRow) toFile() media.SerializedFile {
	return media.SerializedFile{
		Data:         r.Data,
		Name:         r.Name,
		MIMEType:     r.MIMEType,
		LastModified: fromMillis(r.LastModified),
	}
}

func toFiles(rows []mediaRow) []media.SerializedFile {
	files := make([]media.SerializedFile, 0, len(rows))
	for _, r := range rows {
		files = append(files, r.toFile())
	}
	return files
}

const draftColumns = `id, user_address, chain_id, garden_address, action_uid, feedback,
	plant_selection_json, plant_count, current_step, first_incomplete_step, size_bytes,
	created_at, updated_at,
	(SELECT COUNT(*) FROM draft_media m WHERE m.draft_id = drafts.id) AS media_count`

type draftRow struct {
	ID                  string         `db:"id"`
	UserAddress         string         `db:"user_address"`
	ChainID             int64          `db:"chain_id"`
	GardenAddress       sql.NullString `db:"garden_address"`
	ActionUID           sql.NullString `db:"action_uid"`
	Feedback            string         `db:"feedback"`
	PlantSelectionJSON  string         `db:"plant_selection_json"`
	PlantCount          int            `db:"plant_count"`
	CurrentStep         int            `db:"current_step"`
	FirstIncompleteStep int            `db:"first_incomplete_step"`
	SizeBytes           int64          `db:"size_bytes"`
	CreatedAt           int64          `db:"created_at"`
	UpdatedAt           int64          `db:"updated_at"`
	MediaCount          int            `db:"media_count"`
}

func (r draftRow) toDraft() (queue.WorkDraft, error) {
	var plants []string
	if r.PlantSelectionJSON != "" {
		if err := json.Unmarshal([]byte(r.PlantSelectionJSON), &plants); err != nil {
			return queue.WorkDraft{}, fmt.Errorf("draft %s plants: %w", r.ID, err)
		}
	}
	d := queue.WorkDraft{
		ID:                  r.ID,
		Scope:               queue.Scope{UserAddress: r.UserAddress, ChainID: r.ChainID},
		Feedback:            r.Feedback,
		PlantSelection:      plants,
		PlantCount:          r.PlantCount,
		CurrentStep:         queue.DraftStep(r.CurrentStep),
		FirstIncompleteStep: queue.DraftStep(r.FirstIncompleteStep),
		MediaCount:          r.MediaCount,
		CreatedAt:           fromMillis(r.CreatedAt),
		UpdatedAt:           fromMillis(r.UpdatedAt),
	}
	if r.GardenAddress.Valid {
		v := r.GardenAddress.String
		d.GardenAddress = &v
	}
	if r.ActionUID.Valid {
		v := r.ActionUID.String
		d.ActionUID = &v
	}
	return d, nil
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func encodeMeta(meta map[string]string) (string, error) {
	if len(meta) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encoding meta: %w", err)
	}
	return string(b), nil
}
