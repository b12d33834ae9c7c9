// Package dedup warns about probable duplicate submissions before they are
// queued. A check never blocks enqueue: the caller decides what to do with it.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/gardenq/internal/queue"
)

const (
	SourceLocal  = "local"
	SourceRemote = "remote"
)

// Settings controls duplicate detection.
type Settings struct {
	Enabled     bool
	CheckRemote bool
	TimeWindow  time.Duration
	Threshold   float64
}

// LocalJobs is the narrow store view dedup needs.
type LocalJobs interface {
	RecentJobs(ctx context.Context, scope queue.Scope, kind queue.Kind, since time.Time) ([]queue.Job, error)
}

// Engine compares a candidate payload against local jobs and remote records.
type Engine struct {
	local    LocalJobs
	remote   queue.RemoteFetcher
	settings Settings
	logger   *slog.Logger
}

// NewEngine creates an engine. remote may be nil, which disables remote checks.
func NewEngine(local LocalJobs, remote queue.RemoteFetcher, settings Settings) *Engine {
	return &Engine{
		local:    local,
		remote:   remote,
		settings: settings,
		logger:   slog.Default().With("component", "dedup"),
	}
}

type candidate struct {
	id         string
	source     string
	similarity float64
	exact      bool
}

// Check scores p (created at now) against everything seen within the time
// window. A remote lookup failure is logged and treated as no match.
func (e *Engine) Check(ctx context.Context, scope queue.Scope, p queue.Payload, now time.Time) (queue.DuplicateCheckResult, error) {
	if !e.settings.Enabled {
		return queue.DuplicateCheckResult{}, nil
	}
	if err := scope.Validate(); err != nil {
		return queue.DuplicateCheckResult{}, err
	}
	since := now.Add(-e.settings.TimeWindow)
	fp := Fingerprint(p, now, DefaultBucket)

	var local, remote candidate
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		jobs, err := e.local.RecentJobs(gctx, scope, p.Kind(), since)
		if err != nil {
			return fmt.Errorf("loading recent jobs: %w", err)
		}
		for _, j := range jobs {
			local = better(local, e.score(p, now, fp, j.ID, SourceLocal, j.Payload, j.CreatedAt))
		}
		return nil
	})
	if e.settings.CheckRemote && e.remote != nil {
		g.Go(func() error {
			records, err := e.remote.FetchRemote(gctx, p.Kind(), filterFor(scope, p, since))
			if err != nil {
				e.logger.Warn("remote duplicate check failed", "scope", scope.String(), "error", err)
				return nil
			}
			for _, r := range records {
				if r.Kind == queue.KindWork && !r.SubmittedBy(scope.UserAddress) {
					continue
				}
				remote = better(remote, e.score(p, now, fp, r.ID, SourceRemote, RemotePayload(r), r.CreatedAt))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return queue.DuplicateCheckResult{}, err
	}

	best := better(local, remote)
	res := queue.DuplicateCheckResult{Similarity: best.similarity, ConflictType: queue.ConflictNone}
	if best.id == "" || best.similarity < e.settings.Threshold {
		return res, nil
	}
	res.IsDuplicate = true
	res.ExistingWorkID = best.id
	res.Source = best.source
	res.ConflictType = queue.ConflictSimilar
	if best.exact {
		res.ConflictType = queue.ConflictDuplicate
	}
	return res, nil
}

func (e *Engine) score(p queue.Payload, now time.Time, fp, id, source string, other queue.Payload, at time.Time) candidate {
	if Fingerprint(other, at, DefaultBucket) == fp {
		return candidate{id: id, source: source, similarity: 1, exact: true}
	}
	return candidate{id: id, source: source, similarity: Similarity(p, now, other, at, e.settings.TimeWindow)}
}

// better prefers higher similarity, then local over remote.
func better(a, b candidate) candidate {
	if b.id == "" {
		return a
	}
	if a.id == "" || b.similarity > a.similarity {
		return b
	}
	return a
}

func filterFor(scope queue.Scope, p queue.Payload, since time.Time) queue.RemoteFilter {
	f := queue.RemoteFilter{Scope: scope, Since: since}
	switch v := p.(type) {
	case queue.WorkPayload:
		f.GardenAddress = v.GardenAddress
		f.ActionUID = v.ActionUID
		f.Gardener = scope.UserAddress
	case queue.ApprovalPayload:
		f.GardenAddress = v.GardenAddress
		f.WorkUID = v.WorkUID
	}
	return f
}
