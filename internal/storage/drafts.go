package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/kalambet/gardenq/internal/media"
	"github.com/kalambet/gardenq/internal/queue"
)

// SaveDraft creates or updates a draft. A new id is assigned when d.ID is
// empty; FirstIncompleteStep is always recomputed.
func (s *Store) SaveDraft(ctx context.Context, d queue.WorkDraft) (queue.WorkDraft, error) {
	if err := d.Scope.Validate(); err != nil {
		return queue.WorkDraft{}, err
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	plants := d.PlantSelection
	if plants == nil {
		plants = []string{}
	}
	plantsJSON, err := json.Marshal(plants)
	if err != nil {
		return queue.WorkDraft{}, fmt.Errorf("encoding plant selection: %w", err)
	}
	size := int64(len(d.Feedback) + len(plantsJSON))
	if d.GardenAddress != nil {
		size += int64(len(*d.GardenAddress))
	}
	if d.ActionUID != nil {
		size += int64(len(*d.ActionUID))
	}

	var saved queue.WorkDraft
	err = s.inTx(ctx, func(tx *sqlx.Tx) error {
		existing, err := getDraft(ctx, tx, d.ID)
		switch {
		case errors.Is(err, queue.ErrNotFound):
		case err != nil:
			return err
		case existing.Scope != d.Scope:
			return queue.ErrNotFound
		}

		now := s.nowMillis()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO drafts (id, user_address, chain_id, garden_address, action_uid, feedback,
				plant_selection_json, plant_count, current_step, first_incomplete_step, size_bytes, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				garden_address = excluded.garden_address,
				action_uid = excluded.action_uid,
				feedback = excluded.feedback,
				plant_selection_json = excluded.plant_selection_json,
				plant_count = excluded.plant_count,
				current_step = excluded.current_step,
				first_incomplete_step = excluded.first_incomplete_step,
				size_bytes = excluded.size_bytes,
				updated_at = excluded.updated_at`,
			d.ID, d.Scope.UserAddress, d.Scope.ChainID, nullString(d.GardenAddress), nullString(d.ActionUID),
			d.Feedback, string(plantsJSON), d.PlantCount, int(d.CurrentStep), int(d.ComputeFirstIncompleteStep()),
			size, now, now,
		)
		if err != nil {
			return fmt.Errorf("saving draft %s: %w", d.ID, err)
		}
		saved, err = getDraft(ctx, tx, d.ID)
		return err
	})
	if err != nil {
		return queue.WorkDraft{}, err
	}
	return saved, nil
}

func getDraft(ctx context.Context, q sqlx.QueryerContext, id string) (queue.WorkDraft, error) {
	var row draftRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+draftColumns+` FROM drafts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return queue.WorkDraft{}, queue.ErrNotFound
	}
	if err != nil {
		return queue.WorkDraft{}, fmt.Errorf("loading draft %s: %w", id, err)
	}
	return row.toDraft()
}

// GetDraft returns a draft by id.
func (s *Store) GetDraft(ctx context.Context, id string) (queue.WorkDraft, error) {
	return getDraft(ctx, s.db, id)
}

// ListDrafts returns the drafts in scope, most recently edited first.
func (s *Store) ListDrafts(ctx context.Context, scope queue.Scope) ([]queue.WorkDraft, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	var rows []draftRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+draftColumns+` FROM drafts
		WHERE user_address = ? AND chain_id = ?
		ORDER BY updated_at DESC, id ASC`, scope.UserAddress, scope.ChainID)
	if err != nil {
		return nil, fmt.Errorf("listing drafts: %w", err)
	}
	drafts := make([]queue.WorkDraft, 0, len(rows))
	for _, r := range rows {
		d, err := r.toDraft()
		if err != nil {
			return nil, err
		}
		drafts = append(drafts, d)
	}
	return drafts, nil
}

// DeleteDraft removes a draft and its media.
func (s *Store) DeleteDraft(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM drafts WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("deleting draft %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return queue.ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM draft_media WHERE draft_id = ?`, id); err != nil {
			return fmt.Errorf("deleting media for draft %s: %w", id, err)
		}
		return nil
	})
}

// SetDraftMedia replaces a draft's attachments.
func (s *Store) SetDraftMedia(ctx context.Context, id string, files []media.SerializedFile) (queue.WorkDraft, error) {
	var d queue.WorkDraft
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		current, err := getDraft(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM draft_media WHERE draft_id = ?`, id); err != nil {
			return fmt.Errorf("clearing media for draft %s: %w", id, err)
		}
		for i, f := range files {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO draft_media (draft_id, user_address, chain_id, position, name, mime_type, last_modified, size_bytes, data)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				id, current.Scope.UserAddress, current.Scope.ChainID, i, f.Name, f.MIMEType, toMillis(f.LastModified), f.Size(), f.Data,
			); err != nil {
				return fmt.Errorf("inserting draft media %d: %w", i, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE drafts SET updated_at = ? WHERE id = ?`, s.nowMillis(), id); err != nil {
			return fmt.Errorf("touching draft %s: %w", id, err)
		}
		d, err = getDraft(ctx, tx, id)
		return err
	})
	if err != nil {
		return queue.WorkDraft{}, err
	}
	return d, nil
}

// DraftMedia returns a draft's attachments in order.
func (s *Store) DraftMedia(ctx context.Context, id string) ([]media.SerializedFile, error) {
	var rows []mediaRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT position, name, mime_type, last_modified, size_bytes, data
		FROM draft_media WHERE draft_id = ? ORDER BY position ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("loading media for draft %s: %w", id, err)
	}
	return toFiles(rows), nil
}

// PromoteDraft turns a complete draft into a pending work job. The job is
// inserted, the media moved and the draft deleted in one transaction.
func (s *Store) PromoteDraft(ctx context.Context, id string, meta map[string]string) (queue.Job, error) {
	var job queue.Job
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		d, err := getDraft(ctx, tx, id)
		if err != nil {
			return err
		}
		payload, err := d.WorkPayload()
		if err != nil {
			return fmt.Errorf("draft %s at step %s: %w", id, d.FirstIncompleteStep, err)
		}
		if err := payload.Validate(); err != nil {
			return fmt.Errorf("draft %s: %w", id, err)
		}
		jobID, err := s.insertJob(ctx, tx, d.Scope, payload, meta)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO job_media (job_id, user_address, chain_id, position, name, mime_type, last_modified, size_bytes, data)
			SELECT ?, user_address, chain_id, position, name, mime_type, last_modified, size_bytes, data
			FROM draft_media WHERE draft_id = ? ORDER BY position`, jobID, id); err != nil {
			return fmt.Errorf("moving draft media: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM draft_media WHERE draft_id = ?`, id); err != nil {
			return fmt.Errorf("deleting draft media: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM drafts WHERE id = ?`, id); err != nil {
			return fmt.Errorf("deleting draft: %w", err)
		}
		job, err = getJob(ctx, tx, jobID)
		return err
	})
	if err != nil {
		return queue.Job{}, err
	}
	return job, nil
}
