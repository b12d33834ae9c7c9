// Package conflict reconciles a queued job against remote indexed state just
// before it is submitted. Only the local job is ever changed.
package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/gardenq/internal/dedup"
	"github.com/kalambet/gardenq/internal/events"
	"github.com/kalambet/gardenq/internal/queue"
)

// Settings controls automatic resolution of concurrent edits.
type Settings struct {
	AutoResolve bool
	PreferLocal bool
	// Window bounds how far before the job's creation remote records are
	// considered.
	Window time.Duration
}

// JobStore applies resolutions to local jobs.
type JobStore interface {
	MarkStatus(ctx context.Context, id string, status queue.Status, note string) (queue.Job, error)
}

// Resolver checks jobs against remote state and applies the configured policy.
type Resolver struct {
	remote   queue.RemoteFetcher
	store    JobStore
	events   events.Publisher
	settings Settings
	logger   *slog.Logger
}

// NewResolver creates a resolver. A nil publisher discards events.
func NewResolver(remote queue.RemoteFetcher, store JobStore, pub events.Publisher, settings Settings) *Resolver {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Resolver{
		remote:   remote,
		store:    store,
		events:   pub,
		settings: settings,
		logger:   slog.Default().With("component", "conflict"),
	}
}

// Classify compares a local job with remote records without deciding what to
// do about it. Stale data wins over a concurrent edit when both are present.
func Classify(job queue.Job, remotes []queue.RemoteRecord) queue.WorkConflict {
	c := queue.WorkConflict{JobID: job.ID, Type: queue.ConflictNone}

	switch p := job.Payload.(type) {
	case queue.ApprovalPayload:
		for _, r := range remotes {
			if r.Kind == queue.KindApproval && sameID(r.WorkUID, p.WorkUID) {
				c.Type = queue.ConflictStaleLocal
				c.RemoteID = r.ID
				c.Note = "work " + p.WorkUID + " was already reviewed"
				return c
			}
		}

	case queue.WorkPayload:
		fp := dedup.ContentFingerprint(p)
		var edit *queue.RemoteRecord
		for i, r := range remotes {
			if r.Kind != queue.KindWork || !sameID(r.GardenAddress, p.GardenAddress) || !sameID(r.ActionUID, p.ActionUID) {
				continue
			}
			// Another gardener's work on the same action is a separate attestation.
			if !r.SubmittedBy(job.Scope.UserAddress) {
				continue
			}
			if dedup.ContentFingerprint(dedup.RemotePayload(r)) == fp {
				c.Type = queue.ConflictStaleLocal
				c.RemoteID = r.ID
				c.Note = "identical work already recorded"
				return c
			}
			if edit == nil {
				edit = &remotes[i]
			}
		}
		if edit != nil {
			c.Type = queue.ConflictConcurrentEdit
			c.RemoteID = edit.ID
			c.Note = "different work recorded for the same garden and action"
		}
	}
	return c
}

func sameID(a, b string) bool {
	return a != "" && strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// Decide fills in the resolution for a classified conflict.
func (r *Resolver) Decide(c queue.WorkConflict) queue.WorkConflict {
	switch c.Type {
	case queue.ConflictStaleLocal:
		c.Resolution = queue.ResolutionDiscardLocal
	case queue.ConflictConcurrentEdit:
		switch {
		case !r.settings.AutoResolve:
			c.Resolution = queue.ResolutionUserDecision
		case r.settings.PreferLocal:
			c.Resolution = queue.ResolutionKeepLocal
		default:
			c.Resolution = queue.ResolutionDiscardLocal
		}
	default:
		c.Resolution = queue.ResolutionNone
	}
	return c
}

// Check fetches remote records related to job and returns the decided conflict.
func (r *Resolver) Check(ctx context.Context, job queue.Job) (queue.WorkConflict, error) {
	if r.remote == nil {
		return queue.WorkConflict{JobID: job.ID, Type: queue.ConflictNone}, nil
	}
	filter := queue.RemoteFilter{Scope: job.Scope}
	if r.settings.Window > 0 {
		filter.Since = job.CreatedAt.Add(-r.settings.Window)
	}
	switch p := job.Payload.(type) {
	case queue.WorkPayload:
		filter.GardenAddress = p.GardenAddress
		filter.ActionUID = p.ActionUID
		filter.Gardener = job.Scope.UserAddress
	case queue.ApprovalPayload:
		filter.GardenAddress = p.GardenAddress
		filter.WorkUID = p.WorkUID
	}

	remotes, err := r.remote.FetchRemote(ctx, job.Kind, filter)
	if err != nil {
		return queue.WorkConflict{}, fmt.Errorf("fetching remote state for %s: %w", job.ID, err)
	}
	return r.Decide(Classify(job, remotes)), nil
}

// Apply records a decided conflict on the local job and announces it. It
// reports whether the job should still be submitted.
func (r *Resolver) Apply(ctx context.Context, job queue.Job, c queue.WorkConflict) (bool, error) {
	if !c.Conflicted() {
		return true, nil
	}

	proceed := false
	switch c.Resolution {
	case queue.ResolutionKeepLocal:
		proceed = true
	case queue.ResolutionDiscardLocal:
		if _, err := r.store.MarkStatus(ctx, job.ID, queue.StatusDiscarded, c.Note); err != nil {
			return false, fmt.Errorf("discarding %s: %w", job.ID, err)
		}
	case queue.ResolutionUserDecision:
		if _, err := r.store.MarkStatus(ctx, job.ID, queue.StatusNeedsReview, c.Note); err != nil {
			return false, fmt.Errorf("parking %s for review: %w", job.ID, err)
		}
	default:
		return false, fmt.Errorf("conflict on %s has no resolution", job.ID)
	}

	r.logger.Info("conflict resolved",
		"job_id", job.ID,
		"remote_id", c.RemoteID,
		"type", c.Type,
		"resolution", c.Resolution,
	)
	r.events.Publish(events.Event{
		Type:     events.JobConflict,
		JobID:    job.ID,
		Kind:     job.Kind,
		Scope:    job.Scope,
		Conflict: &c,
	})
	return proceed, nil
}
