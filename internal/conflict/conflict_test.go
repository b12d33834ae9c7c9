package conflict

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/gardenq/internal/events"
	"github.com/kalambet/gardenq/internal/queue"
)

type fakeRemote struct {
	records []queue.RemoteRecord
	err     error
}

func (f fakeRemote) FetchRemote(context.Context, queue.Kind, queue.RemoteFilter) ([]queue.RemoteRecord, error) {
	return f.records, f.err
}

type fakeStore struct {
	marked map[string]queue.Status
}

func (f *fakeStore) MarkStatus(_ context.Context, id string, status queue.Status, _ string) (queue.Job, error) {
	if f.marked == nil {
		f.marked = map[string]queue.Status{}
	}
	f.marked[id] = status
	return queue.Job{ID: id, Status: status}, nil
}

type recorder struct {
	events []events.Event
}

func (r *recorder) Publish(e events.Event) { r.events = append(r.events, e) }

var scope = queue.NewScope("0xgardener", 10)

func workJob(plants ...string) queue.Job {
	return queue.Job{
		ID:        "job-1",
		Kind:      queue.KindWork,
		Scope:     scope,
		CreatedAt: time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC),
		Payload: queue.WorkPayload{
			GardenAddress: "0xGarden", ActionUID: "act-1",
			PlantSelection: plants, PlantCount: len(plants),
		},
	}
}

func TestClassify(t *testing.T) {
	approved := true
	approvalJob := queue.Job{ID: "job-2", Kind: queue.KindApproval, Payload: queue.ApprovalPayload{WorkUID: "work-7", GardenAddress: "0xgarden"}}

	tests := []struct {
		name     string
		job      queue.Job
		remotes  []queue.RemoteRecord
		wantType queue.ConflictType
		wantID   string
	}{
		{
			name:     "no remote records",
			job:      workJob("kale"),
			wantType: queue.ConflictNone,
		},
		{
			name: "identical work already recorded",
			job:  workJob("kale", "basil"),
			remotes: []queue.RemoteRecord{{
				ID: "0xr1", Kind: queue.KindWork, GardenAddress: "0xgarden", ActionUID: "act-1",
				PlantSelection: []string{"Basil", "kale"}, PlantCount: 2,
			}},
			wantType: queue.ConflictStaleLocal,
			wantID:   "0xr1",
		},
		{
			name: "divergent work for same garden and action",
			job:  workJob("kale"),
			remotes: []queue.RemoteRecord{{
				ID: "0xr2", Kind: queue.KindWork, GardenAddress: "0xgarden", ActionUID: "act-1",
				PlantSelection: []string{"mint"}, PlantCount: 4,
			}},
			wantType: queue.ConflictConcurrentEdit,
			wantID:   "0xr2",
		},
		{
			name: "stale wins over concurrent edit",
			job:  workJob("kale"),
			remotes: []queue.RemoteRecord{
				{ID: "0xedit", Kind: queue.KindWork, GardenAddress: "0xgarden", ActionUID: "act-1", PlantSelection: []string{"mint"}, PlantCount: 1},
				{ID: "0xsame", Kind: queue.KindWork, GardenAddress: "0xgarden", ActionUID: "act-1", PlantSelection: []string{"kale"}, PlantCount: 1},
			},
			wantType: queue.ConflictStaleLocal,
			wantID:   "0xsame",
		},
		{
			name: "other garden ignored",
			job:  workJob("kale"),
			remotes: []queue.RemoteRecord{{
				ID: "0xr3", Kind: queue.KindWork, GardenAddress: "0xother", ActionUID: "act-1",
			}},
			wantType: queue.ConflictNone,
		},
		{
			name: "another gardener's work on the same action",
			job:  workJob("kale"),
			remotes: []queue.RemoteRecord{{
				ID: "0xbobwork", Kind: queue.KindWork, GardenAddress: "0xgarden", ActionUID: "act-1",
				GardenerAddress: "0xbob", PlantSelection: []string{"mint"}, PlantCount: 4,
			}},
			wantType: queue.ConflictNone,
		},
		{
			name: "own work matched regardless of address case",
			job:  workJob("kale"),
			remotes: []queue.RemoteRecord{{
				ID: "0xmine", Kind: queue.KindWork, GardenAddress: "0xgarden", ActionUID: "act-1",
				GardenerAddress: "0xGARDENER", PlantSelection: []string{"mint"}, PlantCount: 4,
			}},
			wantType: queue.ConflictConcurrentEdit,
			wantID:   "0xmine",
		},
		{
			name:     "approval of already reviewed work",
			job:      approvalJob,
			remotes:  []queue.RemoteRecord{{ID: "0xa", Kind: queue.KindApproval, WorkUID: "WORK-7", Approved: &approved}},
			wantType: queue.ConflictStaleLocal,
			wantID:   "0xa",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(tt.job, tt.remotes)
			assert.Equal(t, tt.wantType, c.Type)
			assert.Equal(t, tt.wantID, c.RemoteID)
			assert.Equal(t, tt.job.ID, c.JobID)
		})
	}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name     string
		settings Settings
		typ      queue.ConflictType
		want     queue.Resolution
	}{
		{"stale always discards", Settings{AutoResolve: true, PreferLocal: true}, queue.ConflictStaleLocal, queue.ResolutionDiscardLocal},
		{"auto prefer remote", Settings{AutoResolve: true}, queue.ConflictConcurrentEdit, queue.ResolutionDiscardLocal},
		{"auto prefer local", Settings{AutoResolve: true, PreferLocal: true}, queue.ConflictConcurrentEdit, queue.ResolutionKeepLocal},
		{"manual", Settings{AutoResolve: false, PreferLocal: true}, queue.ConflictConcurrentEdit, queue.ResolutionUserDecision},
		{"none", Settings{}, queue.ConflictNone, queue.ResolutionNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(nil, nil, nil, tt.settings)
			got := r.Decide(queue.WorkConflict{Type: tt.typ})
			assert.Equal(t, tt.want, got.Resolution)
		})
	}
}

func TestCheckAndApply_StaleLocalDiscarded(t *testing.T) {
	store := &fakeStore{}
	rec := &recorder{}
	remote := fakeRemote{records: []queue.RemoteRecord{{
		ID: "0xr1", Kind: queue.KindWork, GardenAddress: "0xgarden", ActionUID: "act-1",
		PlantSelection: []string{"kale"}, PlantCount: 1,
	}}}
	r := NewResolver(remote, store, rec, Settings{AutoResolve: true, Window: 24 * time.Hour})
	job := workJob("kale")

	c, err := r.Check(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, queue.ConflictStaleLocal, c.Type)

	proceed, err := r.Apply(context.Background(), job, c)
	require.NoError(t, err)
	assert.False(t, proceed)
	assert.Equal(t, queue.StatusDiscarded, store.marked[job.ID])
	require.Len(t, rec.events, 1)
	assert.Equal(t, events.JobConflict, rec.events[0].Type)
	assert.Equal(t, queue.ResolutionDiscardLocal, rec.events[0].Conflict.Resolution)
}

func TestApply_UserDecisionParksJob(t *testing.T) {
	store := &fakeStore{}
	r := NewResolver(nil, store, nil, Settings{})
	job := workJob("kale")

	proceed, err := r.Apply(context.Background(), job, queue.WorkConflict{
		JobID: job.ID, Type: queue.ConflictConcurrentEdit, Resolution: queue.ResolutionUserDecision,
	})
	require.NoError(t, err)
	assert.False(t, proceed)
	assert.Equal(t, queue.StatusNeedsReview, store.marked[job.ID])
}

func TestApply_KeepLocalProceeds(t *testing.T) {
	store := &fakeStore{}
	r := NewResolver(nil, store, nil, Settings{})
	proceed, err := r.Apply(context.Background(), workJob("kale"), queue.WorkConflict{
		Type: queue.ConflictConcurrentEdit, Resolution: queue.ResolutionKeepLocal,
	})
	require.NoError(t, err)
	assert.True(t, proceed)
	assert.Empty(t, store.marked)
}

func TestCheck_RemoteError(t *testing.T) {
	r := NewResolver(fakeRemote{err: errors.New("indexer down")}, &fakeStore{}, nil, Settings{})
	_, err := r.Check(context.Background(), workJob("kale"))
	require.Error(t, err)
}

type filterRecorder struct {
	filter queue.RemoteFilter
}

func (f *filterRecorder) FetchRemote(_ context.Context, _ queue.Kind, filter queue.RemoteFilter) ([]queue.RemoteRecord, error) {
	f.filter = filter
	return nil, nil
}

func TestCheck_WorkFilterCarriesGardener(t *testing.T) {
	rec := &filterRecorder{}
	r := NewResolver(rec, &fakeStore{}, nil, Settings{Window: time.Hour})

	c, err := r.Check(context.Background(), workJob("kale"))
	require.NoError(t, err)
	assert.Equal(t, queue.ConflictNone, c.Type)
	assert.Equal(t, "0xgardener", rec.filter.Gardener)
	assert.Equal(t, "act-1", rec.filter.ActionUID)
}
