package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/kalambet/gardenq/internal/media"
	"github.com/kalambet/gardenq/internal/queue"
)

// Attempt describes the outcome of a failed submission.
type Attempt struct {
	Err           string
	At            time.Time
	NextAttemptAt time.Time
	Terminal      bool
}

// Enqueue persists a new pending job and its media in one transaction.
func (s *Store) Enqueue(ctx context.Context, scope queue.Scope, payload queue.Payload, meta map[string]string, files []media.SerializedFile) (queue.Job, error) {
	if err := scope.Validate(); err != nil {
		return queue.Job{}, err
	}
	if payload == nil {
		return queue.Job{}, fmt.Errorf("enqueue: %w", queue.ErrUnknownKind)
	}

	var job queue.Job
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		id, err := s.insertJob(ctx, tx, scope, payload, meta)
		if err != nil {
			return err
		}
		for i, f := range files {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO job_media (job_id, user_address, chain_id, position, name, mime_type, last_modified, size_bytes, data)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				id, scope.UserAddress, scope.ChainID, i, f.Name, f.MIMEType, toMillis(f.LastModified), f.Size(), f.Data,
			); err != nil {
				return fmt.Errorf("inserting media %d: %w", i, err)
			}
		}
		job, err = getJob(ctx, tx, id)
		return err
	})
	if err != nil {
		return queue.Job{}, err
	}
	return job, nil
}

func (s *Store) insertJob(ctx context.Context, tx *sqlx.Tx, scope queue.Scope, payload queue.Payload, meta map[string]string) (string, error) {
	raw, err := queue.EncodePayload(payload)
	if err != nil {
		return "", err
	}
	metaJSON, err := encodeMeta(meta)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	now := s.nowMillis()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, kind, user_address, chain_id, payload_json, meta_json, status, size_bytes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, string(payload.Kind()), scope.UserAddress, scope.ChainID, string(raw), metaJSON,
		string(queue.StatusPending), int64(len(raw)+len(metaJSON)), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("inserting job: %w", err)
	}
	return id, nil
}

func getJob(ctx context.Context, q sqlx.QueryerContext, id string) (queue.Job, error) {
	var row jobRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return queue.Job{}, queue.ErrNotFound
	}
	if err != nil {
		return queue.Job{}, fmt.Errorf("loading job %s: %w", id, err)
	}
	return row.toJob()
}

// GetJob returns a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (queue.Job, error) {
	return getJob(ctx, s.db, id)
}

// ListJobs returns jobs in scope matching f, oldest first.
func (s *Store) ListJobs(ctx context.Context, scope queue.Scope, f queue.JobFilter) ([]queue.Job, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE user_address = ? AND chain_id = ?`
	args := []any{scope.UserAddress, scope.ChainID}
	if len(f.Kinds) > 0 {
		kinds := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			kinds[i] = string(k)
		}
		q += ` AND kind IN (?)`
		args = append(args, kinds)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		q += ` AND status IN (?)`
		args = append(args, statuses)
	}
	if !f.Since.IsZero() {
		q += ` AND created_at >= ?`
		args = append(args, toMillis(f.Since))
	}
	q += ` ORDER BY seq ASC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	q, args, err := sqlx.In(q, args...)
	if err != nil {
		return nil, fmt.Errorf("building job query: %w", err)
	}
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return toJobs(rows)
}

// ListPending returns open (pending or in-flight) jobs in FIFO order.
func (s *Store) ListPending(ctx context.Context, scope queue.Scope, kinds ...queue.Kind) ([]queue.Job, error) {
	return s.ListJobs(ctx, scope, queue.JobFilter{
		Kinds:    kinds,
		Statuses: []queue.Status{queue.StatusPending, queue.StatusInFlight},
	})
}

// RecentJobs returns live jobs (pending, in flight or synced) of kind created
// at or after since. Dedup compares against these.
func (s *Store) RecentJobs(ctx context.Context, scope queue.Scope, kind queue.Kind, since time.Time) ([]queue.Job, error) {
	return s.ListJobs(ctx, scope, queue.JobFilter{
		Kinds:    []queue.Kind{kind},
		Statuses: []queue.Status{queue.StatusPending, queue.StatusInFlight, queue.StatusSynced},
		Since:    since,
	})
}

// Heads returns the oldest open job of each kind in scope. Only a head may be
// submitted; later jobs of the same kind wait behind it.
func (s *Store) Heads(ctx context.Context, scope queue.Scope) ([]queue.Job, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+jobColumns+` FROM jobs
		WHERE seq IN (
			SELECT MIN(seq) FROM jobs
			WHERE user_address = ? AND chain_id = ? AND status IN ('pending', 'in_flight')
			GROUP BY kind
		)
		ORDER BY seq ASC`, scope.UserAddress, scope.ChainID)
	if err != nil {
		return nil, fmt.Errorf("loading queue heads: %w", err)
	}
	return toJobs(rows)
}

// JobMedia returns a job's attachments in their original order.
func (s *Store) JobMedia(ctx context.Context, jobID string) ([]media.SerializedFile, error) {
	var rows []mediaRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT position, name, mime_type, last_modified, size_bytes, data
		FROM job_media WHERE job_id = ? ORDER BY position ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("loading media for %s: %w", jobID, err)
	}
	return toFiles(rows), nil
}

// ClaimJob moves a pending job to in_flight. It reports false without error
// when the job is not pending or another job in the same scope is in flight.
func (s *Store) ClaimJob(ctx context.Context, id string) (queue.Job, bool, error) {
	var (
		job     queue.Job
		claimed bool
	)
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		now := s.nowMillis()
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'in_flight', claimed_at = ?, updated_at = ?
			WHERE id = ? AND status = 'pending'
			AND NOT EXISTS (
				SELECT 1 FROM jobs o
				WHERE o.user_address = jobs.user_address AND o.chain_id = jobs.chain_id AND o.status = 'in_flight'
			)`, now, now, id)
		if err != nil {
			return fmt.Errorf("claiming job %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		claimed = n == 1
		job, err = getJob(ctx, tx, id)
		return err
	})
	if err != nil {
		return queue.Job{}, false, err
	}
	return job, claimed, nil
}

// MarkAttempt records a failed attempt. The job returns to pending with the
// given next attempt time, or becomes failed when the attempt is terminal.
func (s *Store) MarkAttempt(ctx context.Context, id string, a Attempt) (queue.Job, error) {
	status := queue.StatusPending
	if a.Terminal {
		status = queue.StatusFailed
	}
	at := a.At
	if at.IsZero() {
		at = s.now()
	}
	return s.transition(ctx, id, openStatuses, `
		UPDATE jobs SET attempts = attempts + 1, last_error = ?, last_attempt_at = ?,
			next_attempt_at = ?, status = ?, claimed_at = NULL, updated_at = ?
		WHERE id = ?`,
		a.Err, toMillis(at), toMillis(a.NextAttemptAt), string(status), s.nowMillis(), id)
}

// MarkSynced records a successful submission. Marking an already synced job
// again is a no-op.
func (s *Store) MarkSynced(ctx context.Context, id, txHash string) (queue.Job, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return queue.Job{}, err
	}
	if job.Synced() {
		return job, nil
	}
	now := s.nowMillis()
	return s.transition(ctx, id, openStatuses, `
		UPDATE jobs SET status = 'synced', tx_hash = ?, synced_at = ?, last_attempt_at = ?,
			last_error = '', next_attempt_at = 0, claimed_at = NULL, updated_at = ?
		WHERE id = ?`,
		txHash, now, now, now, id)
}

// MarkStatus applies a conflict outcome (discarded, needs_review or failed)
// with an explanatory note.
func (s *Store) MarkStatus(ctx context.Context, id string, status queue.Status, note string) (queue.Job, error) {
	switch status {
	case queue.StatusDiscarded, queue.StatusNeedsReview, queue.StatusFailed:
	default:
		return queue.Job{}, fmt.Errorf("cannot set status %q directly", status)
	}
	from := append([]queue.Status{queue.StatusNeedsReview}, openStatuses...)
	return s.transition(ctx, id, from, `
		UPDATE jobs SET status = ?, note = ?, claimed_at = NULL, updated_at = ?
		WHERE id = ?`,
		string(status), note, s.nowMillis(), id)
}

// ResetForRetry re-queues a job on user request: attempts are cleared and the
// job is due immediately. Retrying a job parked by a conflict keeps it local.
func (s *Store) ResetForRetry(ctx context.Context, id string) (queue.Job, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return queue.Job{}, err
	}
	note := ""
	switch job.Status {
	case queue.StatusSynced:
		return queue.Job{}, fmt.Errorf("retry %s: %w", id, queue.ErrJobClosed)
	case queue.StatusInFlight:
		return job, nil
	case queue.StatusNeedsReview, queue.StatusDiscarded:
		note = queue.NoteConflictOverride
	case queue.StatusPending:
		note = job.Note
	}
	return s.transition(ctx, id, []queue.Status{job.Status}, `
		UPDATE jobs SET status = 'pending', attempts = 0, last_error = '', note = ?,
			next_attempt_at = 0, claimed_at = NULL, updated_at = ?
		WHERE id = ?`,
		note, s.nowMillis(), id)
}

var openStatuses = []queue.Status{queue.StatusPending, queue.StatusInFlight}

// transition runs update on id when its current status is one of from.
func (s *Store) transition(ctx context.Context, id string, from []queue.Status, update string, args ...any) (queue.Job, error) {
	var job queue.Job
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var current string
		err := tx.GetContext(ctx, &current, `SELECT status FROM jobs WHERE id = ?`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return queue.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("loading job %s: %w", id, err)
		}
		if !statusIn(queue.Status(current), from) {
			return fmt.Errorf("job %s is %s: %w", id, current, queue.ErrJobClosed)
		}
		if _, err := tx.ExecContext(ctx, update, args...); err != nil {
			return fmt.Errorf("updating job %s: %w", id, err)
		}
		job, err = getJob(ctx, tx, id)
		return err
	})
	if err != nil {
		return queue.Job{}, err
	}
	return job, nil
}

func statusIn(st queue.Status, set []queue.Status) bool {
	for _, s := range set {
		if s == st {
			return true
		}
	}
	return false
}

// RequeueStale returns in-flight jobs claimed before olderThan to pending,
// counting the abandoned attempt. Jobs that exhaust maxRetries become failed.
func (s *Store) RequeueStale(ctx context.Context, olderThan time.Time, maxRetries int) (int, error) {
	now := s.nowMillis()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			attempts = attempts + 1,
			last_error = 'attempt abandoned',
			last_attempt_at = claimed_at,
			status = CASE WHEN attempts + 1 >= ? THEN 'failed' ELSE 'pending' END,
			next_attempt_at = ?,
			claimed_at = NULL,
			updated_at = ?
		WHERE status = 'in_flight' AND claimed_at < ?`,
		maxRetries, now, now, toMillis(olderThan))
	if err != nil {
		return 0, fmt.Errorf("requeueing stale jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Remove deletes a job and its media. In-flight jobs cannot be removed.
func (s *Store) Remove(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var status string
		err := tx.GetContext(ctx, &status, `SELECT status FROM jobs WHERE id = ?`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return queue.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("loading job %s: %w", id, err)
		}
		if queue.Status(status) == queue.StatusInFlight {
			return queue.ErrJobInFlight
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM job_media WHERE job_id = ?`, id); err != nil {
			return fmt.Errorf("deleting media for %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
			return fmt.Errorf("deleting job %s: %w", id, err)
		}
		return nil
	})
}

type scopeRow struct {
	UserAddress string `db:"user_address"`
	ChainID     int64  `db:"chain_id"`
}

// Scopes lists every scope that still has open jobs.
func (s *Store) Scopes(ctx context.Context) ([]queue.Scope, error) {
	var rows []scopeRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT DISTINCT user_address, chain_id FROM jobs
		WHERE status IN ('pending', 'in_flight')
		ORDER BY user_address, chain_id`)
	if err != nil {
		return nil, fmt.Errorf("listing scopes: %w", err)
	}
	scopes := make([]queue.Scope, len(rows))
	for i, r := range rows {
		scopes[i] = queue.Scope{UserAddress: r.UserAddress, ChainID: r.ChainID}
	}
	return scopes, nil
}

// Stats counts jobs in scope by status.
func (s *Store) Stats(ctx context.Context, scope queue.Scope) (queue.Stats, error) {
	if err := scope.Validate(); err != nil {
		return queue.Stats{}, err
	}
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT status, COUNT(*) AS n FROM jobs
		WHERE user_address = ? AND chain_id = ?
		GROUP BY status`, scope.UserAddress, scope.ChainID)
	if err != nil {
		return queue.Stats{}, fmt.Errorf("counting jobs: %w", err)
	}

	var st queue.Stats
	for _, r := range rows {
		st.Total += r.N
		switch queue.Status(r.Status) {
		case queue.StatusPending:
			st.Pending = r.N
		case queue.StatusInFlight:
			st.InFlight = r.N
		case queue.StatusSynced:
			st.Synced = r.N
		case queue.StatusFailed:
			st.Failed = r.N
		case queue.StatusDiscarded:
			st.Discarded = r.N
		case queue.StatusNeedsReview:
			st.NeedsReview = r.N
		}
	}
	return st, nil
}
