package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Usage is the storage footprint of the whole database.
type Usage struct {
	JobBytes        int64 `db:"job_bytes" json:"job_bytes"`
	JobMediaBytes   int64 `db:"job_media_bytes" json:"job_media_bytes"`
	DraftBytes      int64 `db:"draft_bytes" json:"draft_bytes"`
	DraftMediaBytes int64 `db:"draft_media_bytes" json:"draft_media_bytes"`
	Jobs            int   `db:"jobs" json:"jobs"`
	SyncedJobs      int   `db:"synced_jobs" json:"synced_jobs"`
	Media           int   `db:"media" json:"media"`
	Drafts          int   `db:"drafts" json:"drafts"`
}

// TotalBytes is the sum of every counted byte.
func (u Usage) TotalBytes() int64 {
	return u.JobBytes + u.JobMediaBytes + u.DraftBytes + u.DraftMediaBytes
}

// Items counts jobs and drafts.
func (u Usage) Items() int {
	return u.Jobs + u.Drafts
}

// Usage measures the bytes held by jobs, drafts and their media.
func (s *Store) Usage(ctx context.Context) (Usage, error) {
	var u Usage
	err := s.db.GetContext(ctx, &u, `
		SELECT
			(SELECT COALESCE(SUM(size_bytes), 0) FROM jobs) AS job_bytes,
			(SELECT COALESCE(SUM(size_bytes), 0) FROM job_media) AS job_media_bytes,
			(SELECT COALESCE(SUM(size_bytes), 0) FROM drafts) AS draft_bytes,
			(SELECT COALESCE(SUM(size_bytes), 0) FROM draft_media) AS draft_media_bytes,
			(SELECT COUNT(*) FROM jobs) AS jobs,
			(SELECT COUNT(*) FROM jobs WHERE status = 'synced') AS synced_jobs,
			(SELECT COUNT(*) FROM job_media) + (SELECT COUNT(*) FROM draft_media) AS media,
			(SELECT COUNT(*) FROM drafts) AS drafts`)
	if err != nil {
		return Usage{}, fmt.Errorf("measuring usage: %w", err)
	}
	return u, nil
}

// Eviction reports what a cleanup primitive removed.
type Eviction struct {
	Jobs  int   `db:"jobs" json:"jobs"`
	Media int   `db:"media" json:"media"`
	Bytes int64 `db:"bytes" json:"bytes"`
}

// Add accumulates another eviction.
func (e Eviction) Add(o Eviction) Eviction {
	return Eviction{Jobs: e.Jobs + o.Jobs, Media: e.Media + o.Media, Bytes: e.Bytes + o.Bytes}
}

// DeleteSyncedBefore removes synced jobs whose sync time is older than before.
func (s *Store) DeleteSyncedBefore(ctx context.Context, before time.Time) (Eviction, error) {
	return s.evictJobs(ctx, `status = 'synced' AND synced_at < ?`, toMillis(before))
}

// DeleteFailedBefore removes failed and discarded jobs untouched since before.
func (s *Store) DeleteFailedBefore(ctx context.Context, before time.Time) (Eviction, error) {
	return s.evictJobs(ctx, `status IN ('failed', 'discarded') AND updated_at < ?`, toMillis(before))
}

// DeleteOldestSynced removes the oldest synced jobs until at most keep jobs
// remain in total. Unsynced jobs are never selected.
func (s *Store) DeleteOldestSynced(ctx context.Context, keep int) (Eviction, error) {
	if keep < 0 {
		keep = 0
	}
	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM jobs`); err != nil {
		return Eviction{}, fmt.Errorf("counting jobs: %w", err)
	}
	excess := total - keep
	if excess <= 0 {
		return Eviction{}, nil
	}
	return s.evictJobs(ctx, `id IN (
		SELECT id FROM jobs WHERE status = 'synced' ORDER BY synced_at ASC, seq ASC LIMIT ?
	)`, excess)
}

// evictJobs deletes jobs matching where, with their media, and reports the
// reclaimed bytes.
func (s *Store) evictJobs(ctx context.Context, where string, args ...any) (Eviction, error) {
	var ev Eviction
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		ids := `SELECT id FROM jobs WHERE ` + where
		var jobs Eviction
		if err := tx.GetContext(ctx, &jobs, `
			SELECT COUNT(*) AS jobs, COALESCE(SUM(size_bytes), 0) AS bytes
			FROM jobs WHERE `+where, args...); err != nil {
			return fmt.Errorf("sizing eviction: %w", err)
		}
		var media Eviction
		if err := tx.GetContext(ctx, &media, `
			SELECT COUNT(*) AS media, COALESCE(SUM(size_bytes), 0) AS bytes
			FROM job_media WHERE job_id IN (`+ids+`)`, args...); err != nil {
			return fmt.Errorf("sizing evicted media: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM job_media WHERE job_id IN (`+ids+`)`, args...); err != nil {
			return fmt.Errorf("evicting media: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE `+where, args...); err != nil {
			return fmt.Errorf("evicting jobs: %w", err)
		}
		ev = jobs.Add(media)
		return nil
	})
	if err != nil {
		return Eviction{}, err
	}
	return ev, nil
}

// DeleteOrphanMedia removes attachments whose job or draft no longer exists.
func (s *Store) DeleteOrphanMedia(ctx context.Context) (Eviction, error) {
	var ev Eviction
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, q := range []struct{ table, where string }{
			{"job_media", `job_id NOT IN (SELECT id FROM jobs)`},
			{"draft_media", `draft_id NOT IN (SELECT id FROM drafts)`},
		} {
			var found Eviction
			if err := tx.GetContext(ctx, &found, `
				SELECT COUNT(*) AS media, COALESCE(SUM(size_bytes), 0) AS bytes
				FROM `+q.table+` WHERE `+q.where); err != nil {
				return fmt.Errorf("sizing orphans in %s: %w", q.table, err)
			}
			if found.Media == 0 {
				continue
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+q.table+` WHERE `+q.where); err != nil {
				return fmt.Errorf("deleting orphans in %s: %w", q.table, err)
			}
			ev = ev.Add(found)
		}
		return nil
	})
	if err != nil {
		return Eviction{}, err
	}
	return ev, nil
}
