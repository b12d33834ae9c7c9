// Package syncer drains the outbox through the submitter whenever the device
// is online and syncing is not paused.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/kalambet/gardenq/internal/events"
	"github.com/kalambet/gardenq/internal/media"
	"github.com/kalambet/gardenq/internal/processor"
	"github.com/kalambet/gardenq/internal/queue"
	"github.com/kalambet/gardenq/internal/retry"
	"github.com/kalambet/gardenq/internal/storage"
)

var (
	// ErrOffline is returned by an explicit sync while connectivity is down.
	ErrOffline = errors.New("offline")
	// ErrPaused is returned by an explicit sync while syncing is paused.
	ErrPaused = errors.New("sync paused")
)

// JobStore is the slice of the durable store the orchestrator drives.
type JobStore interface {
	Scopes(ctx context.Context) ([]queue.Scope, error)
	Heads(ctx context.Context, scope queue.Scope) ([]queue.Job, error)
	GetJob(ctx context.Context, id string) (queue.Job, error)
	JobMedia(ctx context.Context, jobID string) ([]media.SerializedFile, error)
	ClaimJob(ctx context.Context, id string) (queue.Job, bool, error)
	MarkAttempt(ctx context.Context, id string, a storage.Attempt) (queue.Job, error)
	MarkSynced(ctx context.Context, id, txHash string) (queue.Job, error)
	RequeueStale(ctx context.Context, olderThan time.Time, maxRetries int) (int, error)
}

// ConflictChecker reconciles a job with remote state before submission.
type ConflictChecker interface {
	Check(ctx context.Context, job queue.Job) (queue.WorkConflict, error)
	Apply(ctx context.Context, job queue.Job, c queue.WorkConflict) (bool, error)
}

// Connectivity reports and announces online state.
type Connectivity interface {
	Online() bool
	Subscribe() (<-chan bool, func())
}

// EventBus publishes lifecycle events and lets the orchestrator watch for new jobs.
type EventBus interface {
	events.Publisher
	Subscribe(buffer int) (<-chan events.Event, func())
}

// Settings controls when and how the queue is drained.
type Settings struct {
	AutoSync     bool
	SyncInterval time.Duration
	// LeaseTTL is how long an in-flight claim may go unresolved before it is
	// considered abandoned by a crashed process.
	LeaseTTL time.Duration
	Retry    retry.Policy
}

// Result summarizes one drain.
type Result struct {
	Synced    int `json:"synced"`
	Retrying  int `json:"retrying"`
	Failed    int `json:"failed"`
	Conflicts int `json:"conflicts"`
}

func (r *Result) add(o Result) {
	r.Synced += o.Synced
	r.Retrying += o.Retrying
	r.Failed += o.Failed
	r.Conflicts += o.Conflicts
}

// Orchestrator owns the sync loop. Jobs of one scope are submitted one at a
// time; different scopes drain in parallel.
type Orchestrator struct {
	store     JobStore
	registry  *processor.Registry
	submitter processor.Submitter
	conflicts ConflictChecker
	net       Connectivity
	bus       EventBus
	settings  Settings
	tracer    trace.Tracer
	now       func() time.Time
	logger    *slog.Logger

	paused     atomic.Bool
	wake       chan struct{}
	group      singleflight.Group
	scopeLocks sync.Map

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	// life is the Run context while the loop is active. Submissions run under
	// it rather than under whichever caller asked for them.
	life context.Context
}

// New creates an orchestrator. conflicts may be nil to skip reconciliation.
func New(store JobStore, registry *processor.Registry, submitter processor.Submitter, conflicts ConflictChecker, net Connectivity, bus EventBus, settings Settings) *Orchestrator {
	if settings.LeaseTTL <= 0 {
		settings.LeaseTTL = 5 * time.Minute
	}
	return &Orchestrator{
		store:     store,
		registry:  registry,
		submitter: submitter,
		conflicts: conflicts,
		net:       net,
		bus:       bus,
		settings:  settings,
		tracer:    otel.Tracer("github.com/kalambet/gardenq/internal/syncer"),
		now:       time.Now,
		logger:    slog.Default().With("component", "syncer"),
		wake:      make(chan struct{}, 1),
		inflight:  make(map[string]context.CancelFunc),
	}
}

// SetClock overrides the time source; used by tests.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// Run drives automatic syncing until ctx is cancelled: on connectivity
// regained, on new jobs, on Trigger and every SyncInterval.
func (o *Orchestrator) Run(ctx context.Context) {
	o.mu.Lock()
	o.life = ctx
	o.mu.Unlock()
	defer func() {
		// Wait out a pass that a caller started under this lifetime.
		o.group.Do("drain", func() (any, error) { return Result{}, nil })
		o.mu.Lock()
		o.life = nil
		o.mu.Unlock()
	}()

	netCh, cancelNet := o.net.Subscribe()
	defer cancelNet()
	evCh, cancelEv := o.bus.Subscribe(64)
	defer cancelEv()

	o.recover(ctx)

	var tick <-chan time.Time
	if o.settings.AutoSync && o.settings.SyncInterval > 0 {
		t := time.NewTicker(o.settings.SyncInterval)
		defer t.Stop()
		tick = t.C
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-o.wake:
				if _, err := o.Drain(ctx); err != nil && ctx.Err() == nil {
					o.logger.Error("drain failed", "error", err)
				}
			}
		}
	}()
	defer wg.Wait()

	if o.settings.AutoSync {
		o.Trigger()
	}

	for {
		select {
		case <-ctx.Done():
			o.cancelInflight()
			return
		case online, ok := <-netCh:
			if !ok {
				netCh = nil
				continue
			}
			if !online {
				o.cancelInflight()
			} else if o.settings.AutoSync {
				o.Trigger()
			}
		case e, ok := <-evCh:
			if !ok {
				evCh = nil
				continue
			}
			if e.Type == events.JobAdded && o.settings.AutoSync {
				o.Trigger()
			}
		case <-tick:
			o.recover(ctx)
			o.Trigger()
		}
	}
}

// Trigger asks the run loop for a drain. Repeated calls coalesce.
func (o *Orchestrator) Trigger() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Pause stops syncing and aborts the attempt in progress; it is recorded as
// a retryable failure.
func (o *Orchestrator) Pause() {
	if !o.paused.Swap(true) {
		o.logger.Info("sync paused")
	}
	o.cancelInflight()
}

// Resume re-enables syncing and triggers a drain.
func (o *Orchestrator) Resume() {
	if o.paused.Swap(false) {
		o.logger.Info("sync resumed")
	}
	o.Trigger()
}

// Paused reports whether syncing is paused.
func (o *Orchestrator) Paused() bool {
	return o.paused.Load()
}

func (o *Orchestrator) ready() error {
	if o.paused.Load() {
		return ErrPaused
	}
	if !o.net.Online() {
		return ErrOffline
	}
	return nil
}

func (o *Orchestrator) recover(ctx context.Context) {
	n, err := o.store.RequeueStale(ctx, o.now().Add(-o.settings.LeaseTTL), o.settings.Retry.MaxRetries)
	if err != nil {
		o.logger.Error("requeueing abandoned jobs", "error", err)
		return
	}
	if n > 0 {
		o.logger.Warn("requeued abandoned in-flight jobs", "count", n)
	}
}

// Drain submits every eligible job in every scope. Concurrent calls share
// one pass. The pass is only aborted by Pause, lost connectivity or the end of
// Run; cancelling ctx stops this caller waiting for it.
func (o *Orchestrator) Drain(ctx context.Context) (Result, error) {
	ch := o.group.DoChan("drain", func() (any, error) {
		return o.drain(o.passContext())
	})
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case r := <-ch:
		res, _ := r.Val.(Result)
		return res, r.Err
	}
}

func (o *Orchestrator) passContext() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.life == nil {
		return context.Background()
	}
	return o.life
}

// detached runs fn under the pass context and returns early if ctx ends first.
func (o *Orchestrator) detached(ctx context.Context, fn func(context.Context) (Result, error)) (Result, error) {
	type passResult struct {
		res Result
		err error
	}
	ch := make(chan passResult, 1)
	go func() {
		res, err := fn(o.passContext())
		ch <- passResult{res, err}
	}()
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case out := <-ch:
		return out.res, out.err
	}
}

func (o *Orchestrator) drain(ctx context.Context) (Result, error) {
	if err := o.ready(); err != nil {
		return Result{}, nil
	}
	scopes, err := o.store.Scopes(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("listing scopes: %w", err)
	}

	var (
		mu    sync.Mutex
		total Result
	)
	// A failing scope must not cancel submissions in the others.
	var g errgroup.Group
	for _, scope := range scopes {
		g.Go(func() error {
			res, err := o.drainScope(ctx, scope, "", false)
			mu.Lock()
			total.add(res)
			mu.Unlock()
			if err != nil {
				return fmt.Errorf("scope %s: %w", scope, err)
			}
			return nil
		})
	}
	err = g.Wait()
	if total != (Result{}) {
		o.logger.Info("drain finished",
			"synced", total.Synced,
			"retrying", total.Retrying,
			"failed", total.Failed,
			"conflicts", total.Conflicts,
		)
	}
	return total, err
}

// SyncJob submits the job with id now, along with any older jobs of the same
// kind that must go first. Backoff delays are ignored. Synced jobs are
// returned unchanged.
func (o *Orchestrator) SyncJob(ctx context.Context, id string) (queue.Job, error) {
	job, err := o.store.GetJob(ctx, id)
	if err != nil {
		return queue.Job{}, err
	}
	if job.Synced() {
		return job, nil
	}
	if !job.Open() {
		return job, fmt.Errorf("sync %s: %w", id, queue.ErrJobClosed)
	}
	if err := o.ready(); err != nil {
		return job, err
	}
	_, err = o.detached(ctx, func(pctx context.Context) (Result, error) {
		return o.drainScope(pctx, job.Scope, id, true)
	})
	if err != nil {
		return job, err
	}
	return o.store.GetJob(ctx, id)
}

func (o *Orchestrator) scopeLock(scope queue.Scope) *sync.Mutex {
	l, _ := o.scopeLocks.LoadOrStore(scope.String(), &sync.Mutex{})
	return l.(*sync.Mutex)
}

// drainScope processes heads in FIFO order. With target set it stops once that
// job has left the open states; with force, backoff delays are ignored.
func (o *Orchestrator) drainScope(ctx context.Context, scope queue.Scope, target string, force bool) (Result, error) {
	lock := o.scopeLock(scope)
	lock.Lock()
	defer lock.Unlock()

	var res Result
	tried := make(map[string]bool)
	for {
		if ctx.Err() != nil || o.ready() != nil {
			return res, nil
		}
		heads, err := o.store.Heads(ctx, scope)
		if err != nil {
			return res, err
		}
		if target != "" && !containsOpen(heads, target) && !o.behindHead(ctx, target) {
			return res, nil
		}

		job, ok := o.nextEligible(heads, force, tried)
		if !ok {
			return res, nil
		}
		if force {
			tried[job.ID] = true
		}

		outcome, err := o.process(ctx, job)
		if err != nil {
			return res, err
		}
		switch outcome {
		case outcomeSynced:
			res.Synced++
		case outcomeRetrying:
			res.Retrying++
		case outcomeFailed:
			res.Failed++
		case outcomeConflict:
			res.Conflicts++
		case outcomeBusy:
			return res, nil
		}
	}
}

func containsOpen(jobs []queue.Job, id string) bool {
	for _, j := range jobs {
		if j.ID == id {
			return true
		}
	}
	return false
}

// behindHead reports whether target is still open and waiting behind another job.
func (o *Orchestrator) behindHead(ctx context.Context, target string) bool {
	j, err := o.store.GetJob(ctx, target)
	return err == nil && j.Open()
}

// nextEligible picks the oldest head that is pending and due. A kind whose
// head is in flight is blocked until that attempt resolves.
func (o *Orchestrator) nextEligible(heads []queue.Job, force bool, tried map[string]bool) (queue.Job, bool) {
	now := o.now()
	for _, j := range heads {
		if j.Status != queue.StatusPending {
			continue
		}
		if force {
			if tried[j.ID] {
				continue
			}
		} else if !j.NextAttemptAt.IsZero() && j.NextAttemptAt.After(now) {
			continue
		}
		return j, true
	}
	return queue.Job{}, false
}

type outcome int

const (
	outcomeSynced outcome = iota
	outcomeRetrying
	outcomeFailed
	outcomeConflict
	outcomeBusy
)

func (o *Orchestrator) process(ctx context.Context, job queue.Job) (outcome, error) {
	if o.conflicts != nil && job.Note != queue.NoteConflictOverride {
		c, err := o.conflicts.Check(ctx, job)
		if err != nil {
			o.logger.Warn("conflict check failed, submitting anyway", "job_id", job.ID, "error", err)
		} else if c.Conflicted() {
			proceed, err := o.conflicts.Apply(ctx, job, c)
			if err != nil {
				return outcomeBusy, err
			}
			if !proceed {
				return outcomeConflict, nil
			}
		}
	}

	claimed, ok, err := o.store.ClaimJob(ctx, job.ID)
	if err != nil {
		return outcomeBusy, fmt.Errorf("claiming %s: %w", job.ID, err)
	}
	if !ok {
		return outcomeBusy, nil
	}
	return o.attempt(ctx, claimed)
}

func (o *Orchestrator) attempt(ctx context.Context, job queue.Job) (outcome, error) {
	actx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.inflight[job.ID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.inflight, job.ID)
		o.mu.Unlock()
		cancel()
	}()

	actx, span := o.tracer.Start(actx, "gardenq.sync_job", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.kind", string(job.Kind)),
		attribute.String("job.scope", job.Scope.String()),
		attribute.Int("job.attempts", job.Attempts),
	))
	defer span.End()

	o.bus.Publish(events.Event{Type: events.JobProcessing, JobID: job.ID, Kind: job.Kind, Scope: job.Scope, Attempts: job.Attempts})
	start := o.now()

	hash, err := o.execute(actx, job)
	// The attempt context may be gone; the outcome must still be recorded.
	wctx := context.WithoutCancel(ctx)

	if err == nil {
		synced, err := o.store.MarkSynced(wctx, job.ID, hash)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "recording sync")
			return outcomeBusy, fmt.Errorf("recording sync of %s: %w", job.ID, err)
		}
		span.SetAttributes(attribute.String("tx.hash", hash))
		o.logger.Info("job synced", "job_id", job.ID, "kind", job.Kind, "tx_hash", hash, "duration", o.now().Sub(start))
		o.bus.Publish(events.Event{Type: events.JobCompleted, JobID: job.ID, Kind: job.Kind, Scope: job.Scope, TxHash: hash, Attempts: synced.Attempts})
		return outcomeSynced, nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	attempts := job.Attempts + 1
	terminal := queue.IsPermanent(err) || o.settings.Retry.IsTerminal(attempts)
	at := o.now()
	a := storage.Attempt{Err: err.Error(), At: at, Terminal: terminal}
	if !terminal {
		a.NextAttemptAt = at.Add(o.settings.Retry.NextDelay(job.Attempts))
	}
	if _, merr := o.store.MarkAttempt(wctx, job.ID, a); merr != nil {
		return outcomeBusy, fmt.Errorf("recording failed attempt of %s: %w", job.ID, merr)
	}

	o.logger.Warn("job attempt failed",
		"job_id", job.ID,
		"kind", job.Kind,
		"attempts", attempts,
		"terminal", terminal,
		"next_attempt_at", a.NextAttemptAt,
		"error", err,
	)
	o.bus.Publish(events.Event{
		Type:      events.JobFailed,
		JobID:     job.ID,
		Kind:      job.Kind,
		Scope:     job.Scope,
		Error:     err.Error(),
		Retryable: !terminal,
		Attempts:  attempts,
	})
	if terminal {
		return outcomeFailed, nil
	}
	return outcomeRetrying, nil
}

func (o *Orchestrator) execute(ctx context.Context, job queue.Job) (string, error) {
	proc, err := o.registry.Get(job.Kind)
	if err != nil {
		return "", queue.Permanent(err)
	}
	files, err := o.store.JobMedia(ctx, job.ID)
	if err != nil {
		return "", fmt.Errorf("loading media: %w", err)
	}
	enc, err := proc.Encode(ctx, job, files, job.Scope.ChainID)
	if err != nil {
		return "", fmt.Errorf("encoding: %w", err)
	}
	hash, err := proc.Execute(ctx, enc, job.Meta, o.submitter)
	if err != nil {
		if ctx.Err() != nil && !queue.IsPermanent(err) {
			return "", fmt.Errorf("attempt aborted: %w", err)
		}
		return "", err
	}
	return hash, nil
}

func (o *Orchestrator) cancelInflight() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, cancel := range o.inflight {
		o.logger.Info("aborting in-flight attempt", "job_id", id)
		cancel()
	}
}
