// Package outbox is the handle through which callers queue blockchain
// actions. It is built once at startup and shared by the API, the MCP tools
// and the CLI-facing server.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/gardenq/internal/events"
	"github.com/kalambet/gardenq/internal/media"
	"github.com/kalambet/gardenq/internal/queue"
	"github.com/kalambet/gardenq/internal/storage"
)

// DuplicateChecker scores a payload against recent local and remote activity.
type DuplicateChecker interface {
	Check(ctx context.Context, scope queue.Scope, p queue.Payload, now time.Time) (queue.DuplicateCheckResult, error)
}

// CapacityGuard makes room for incoming data or refuses it.
type CapacityGuard interface {
	EnsureCapacity(ctx context.Context, incoming int64) error
}

// Outbox validates, deduplicates and persists jobs and drafts.
type Outbox struct {
	store  *storage.Store
	dedup  DuplicateChecker
	quota  CapacityGuard
	events events.Publisher
	now    func() time.Time
	logger *slog.Logger
}

// New creates an outbox. dedup and quota may be nil.
func New(store *storage.Store, dedup DuplicateChecker, quota CapacityGuard, pub events.Publisher) *Outbox {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Outbox{
		store:  store,
		dedup:  dedup,
		quota:  quota,
		events: pub,
		now:    time.Now,
		logger: slog.Default().With("component", "outbox"),
	}
}

// SetClock overrides the time source; used by tests.
func (o *Outbox) SetClock(now func() time.Time) {
	o.now = now
}

func validate(scope queue.Scope, p queue.Payload) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("%w: payload is required", queue.ErrInvalidPayload)
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %v", queue.ErrInvalidPayload, err)
	}
	return nil
}

// AddJob queues a new action. The duplicate check is advisory: a probable
// duplicate is still queued and the result returned for the caller to act on.
func (o *Outbox) AddJob(ctx context.Context, scope queue.Scope, p queue.Payload, meta map[string]string, files []media.SerializedFile) (queue.Job, queue.DuplicateCheckResult, error) {
	scope = queue.NewScope(scope.UserAddress, scope.ChainID)
	if err := validate(scope, p); err != nil {
		return queue.Job{}, queue.DuplicateCheckResult{}, err
	}

	dup := o.checkDuplicate(ctx, scope, p)

	if o.quota != nil {
		raw, err := queue.EncodePayload(p)
		if err != nil {
			return queue.Job{}, dup, err
		}
		incoming := int64(len(raw))
		for _, f := range files {
			incoming += f.Size()
		}
		if err := o.quota.EnsureCapacity(ctx, incoming); err != nil {
			return queue.Job{}, dup, err
		}
	}

	job, err := o.store.Enqueue(ctx, scope, p, meta, files)
	if err != nil {
		return queue.Job{}, dup, err
	}
	o.added(job, dup)
	return job, dup, nil
}

func (o *Outbox) checkDuplicate(ctx context.Context, scope queue.Scope, p queue.Payload) queue.DuplicateCheckResult {
	if o.dedup == nil {
		return queue.DuplicateCheckResult{}
	}
	dup, err := o.dedup.Check(ctx, scope, p, o.now())
	if err != nil {
		o.logger.Warn("duplicate check failed", "scope", scope.String(), "kind", p.Kind(), "error", err)
		return queue.DuplicateCheckResult{}
	}
	return dup
}

func (o *Outbox) added(job queue.Job, dup queue.DuplicateCheckResult) {
	o.logger.Info("job queued",
		"job_id", job.ID,
		"kind", job.Kind,
		"scope", job.Scope.String(),
		"media", job.MediaCount,
		"probable_duplicate", dup.IsDuplicate,
	)
	o.events.Publish(events.Event{Type: events.JobAdded, JobID: job.ID, Kind: job.Kind, Scope: job.Scope})
}

// CheckDuplicate runs the duplicate check without queueing anything.
func (o *Outbox) CheckDuplicate(ctx context.Context, scope queue.Scope, p queue.Payload) (queue.DuplicateCheckResult, error) {
	scope = queue.NewScope(scope.UserAddress, scope.ChainID)
	if err := validate(scope, p); err != nil {
		return queue.DuplicateCheckResult{}, err
	}
	if o.dedup == nil {
		return queue.DuplicateCheckResult{}, nil
	}
	return o.dedup.Check(ctx, scope, p, o.now())
}

// Stats counts the scope's jobs by status.
func (o *Outbox) Stats(ctx context.Context, scope queue.Scope) (queue.Stats, error) {
	return o.store.Stats(ctx, queue.NewScope(scope.UserAddress, scope.ChainID))
}

// Pending lists open jobs in FIFO order.
func (o *Outbox) Pending(ctx context.Context, scope queue.Scope, kinds ...queue.Kind) ([]queue.Job, error) {
	return o.store.ListPending(ctx, queue.NewScope(scope.UserAddress, scope.ChainID), kinds...)
}

// Jobs lists jobs matching f.
func (o *Outbox) Jobs(ctx context.Context, scope queue.Scope, f queue.JobFilter) ([]queue.Job, error) {
	return o.store.ListJobs(ctx, queue.NewScope(scope.UserAddress, scope.ChainID), f)
}

// Job returns one job. Jobs of other scopes are reported as not found.
func (o *Outbox) Job(ctx context.Context, scope queue.Scope, id string) (queue.Job, error) {
	scope = queue.NewScope(scope.UserAddress, scope.ChainID)
	if err := scope.Validate(); err != nil {
		return queue.Job{}, err
	}
	job, err := o.store.GetJob(ctx, id)
	if err != nil {
		return queue.Job{}, err
	}
	if job.Scope != scope {
		return queue.Job{}, queue.ErrNotFound
	}
	return job, nil
}

// JobMedia returns a job's attachments.
func (o *Outbox) JobMedia(ctx context.Context, scope queue.Scope, id string) ([]media.SerializedFile, error) {
	if _, err := o.Job(ctx, scope, id); err != nil {
		return nil, err
	}
	return o.store.JobMedia(ctx, id)
}

// Retry re-queues a failed job, or keeps a job parked by a conflict.
func (o *Outbox) Retry(ctx context.Context, scope queue.Scope, id string) (queue.Job, error) {
	if _, err := o.Job(ctx, scope, id); err != nil {
		return queue.Job{}, err
	}
	job, err := o.store.ResetForRetry(ctx, id)
	if err != nil {
		return queue.Job{}, err
	}
	o.logger.Info("job re-queued", "job_id", id, "note", job.Note)
	o.events.Publish(events.Event{Type: events.JobAdded, JobID: job.ID, Kind: job.Kind, Scope: job.Scope})
	return job, nil
}

// Discard removes a job that is not in flight.
func (o *Outbox) Discard(ctx context.Context, scope queue.Scope, id string) error {
	if _, err := o.Job(ctx, scope, id); err != nil {
		return err
	}
	if err := o.store.Remove(ctx, id); err != nil {
		return err
	}
	o.logger.Info("job discarded", "job_id", id)
	return nil
}

// SaveDraft creates or updates a draft.
func (o *Outbox) SaveDraft(ctx context.Context, d queue.WorkDraft) (queue.WorkDraft, error) {
	d.Scope = queue.NewScope(d.Scope.UserAddress, d.Scope.ChainID)
	return o.store.SaveDraft(ctx, d)
}

// Draft returns one draft of the scope.
func (o *Outbox) Draft(ctx context.Context, scope queue.Scope, id string) (queue.WorkDraft, error) {
	scope = queue.NewScope(scope.UserAddress, scope.ChainID)
	if err := scope.Validate(); err != nil {
		return queue.WorkDraft{}, err
	}
	d, err := o.store.GetDraft(ctx, id)
	if err != nil {
		return queue.WorkDraft{}, err
	}
	if d.Scope != scope {
		return queue.WorkDraft{}, queue.ErrNotFound
	}
	return d, nil
}

// Drafts lists the scope's drafts, most recent first.
func (o *Outbox) Drafts(ctx context.Context, scope queue.Scope) ([]queue.WorkDraft, error) {
	return o.store.ListDrafts(ctx, queue.NewScope(scope.UserAddress, scope.ChainID))
}

// DeleteDraft removes a draft and its media.
func (o *Outbox) DeleteDraft(ctx context.Context, scope queue.Scope, id string) error {
	if _, err := o.Draft(ctx, scope, id); err != nil {
		return err
	}
	return o.store.DeleteDraft(ctx, id)
}

// AttachDraftMedia replaces a draft's attachments.
func (o *Outbox) AttachDraftMedia(ctx context.Context, scope queue.Scope, id string, files []media.SerializedFile) (queue.WorkDraft, error) {
	if _, err := o.Draft(ctx, scope, id); err != nil {
		return queue.WorkDraft{}, err
	}
	if o.quota != nil {
		var incoming int64
		for _, f := range files {
			incoming += f.Size()
		}
		if err := o.quota.EnsureCapacity(ctx, incoming); err != nil {
			return queue.WorkDraft{}, err
		}
	}
	return o.store.SetDraftMedia(ctx, id, files)
}

// DraftMedia returns a draft's attachments.
func (o *Outbox) DraftMedia(ctx context.Context, scope queue.Scope, id string) ([]media.SerializedFile, error) {
	if _, err := o.Draft(ctx, scope, id); err != nil {
		return nil, err
	}
	return o.store.DraftMedia(ctx, id)
}

// SubmitDraft turns a complete draft into a queued work job.
func (o *Outbox) SubmitDraft(ctx context.Context, scope queue.Scope, id string, meta map[string]string) (queue.Job, queue.DuplicateCheckResult, error) {
	d, err := o.Draft(ctx, scope, id)
	if err != nil {
		return queue.Job{}, queue.DuplicateCheckResult{}, err
	}
	p, err := d.WorkPayload()
	if err != nil {
		return queue.Job{}, queue.DuplicateCheckResult{}, fmt.Errorf("draft stops at %s: %w", d.FirstIncompleteStep, err)
	}
	if err := validate(d.Scope, p); err != nil {
		return queue.Job{}, queue.DuplicateCheckResult{}, err
	}

	dup := o.checkDuplicate(ctx, d.Scope, p)
	job, err := o.store.PromoteDraft(ctx, id, meta)
	if err != nil {
		if errors.Is(err, queue.ErrDraftIncomplete) {
			return queue.Job{}, dup, err
		}
		return queue.Job{}, dup, fmt.Errorf("submitting draft %s: %w", id, err)
	}
	o.added(job, dup)
	return job, dup, nil
}
