package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/gardenq/internal/media"
	"github.com/kalambet/gardenq/internal/queue"
)

type testClock struct {
	t time.Time
}

func (c *testClock) Now() time.Time { return c.t }

func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func openTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	s, err := Open(":memory:", WithClock(clock.Now))
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clock
}

var (
	alice = queue.NewScope("0xAlice", 42161)
	bob   = queue.NewScope("0xBob", 42161)
)

func workPayload(garden string, plants ...string) queue.WorkPayload {
	return queue.WorkPayload{
		GardenAddress:  garden,
		ActionUID:      "action-1",
		PlantSelection: plants,
		PlantCount:     len(plants),
		Feedback:       "planted along the swale",
	}
}

func mustEnqueue(t *testing.T, s *Store, scope queue.Scope, p queue.Payload, files ...media.SerializedFile) queue.Job {
	t.Helper()
	job, err := s.Enqueue(context.Background(), scope, p, map[string]string{"source": "test"}, files)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return job
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations(ctx)
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()
	v2, err := s2.AppliedMigrations(ctx)
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) == 0 || len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestIndexesExist(t *testing.T) {
	s, _ := openTestStore(t)
	for _, idx := range []string{"idx_jobs_scope_status", "idx_jobs_status_synced", "idx_job_media_job", "idx_drafts_scope", "idx_draft_media_draft"} {
		var count int
		if err := s.DB().Get(&count, "SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx); err != nil {
			t.Fatalf("checking index %s: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %s not found", idx)
		}
	}
}

func TestEnqueue_RoundTrip(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	photo := media.FromBytes("bed.jpg", "image/jpeg", clock.Now(), []byte("jpeg-bytes"))
	job := mustEnqueue(t, s, alice, workPayload("0xgarden", "kale", "basil"), photo)

	if job.ID == "" || job.Status != queue.StatusPending || job.Attempts != 0 {
		t.Fatalf("unexpected new job: %+v", job)
	}
	if !job.CreatedAt.Equal(clock.Now()) {
		t.Errorf("CreatedAt = %v, want %v", job.CreatedAt, clock.Now())
	}
	if job.MediaCount != 1 {
		t.Errorf("MediaCount = %d, want 1", job.MediaCount)
	}

	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	wp, ok := got.Payload.(queue.WorkPayload)
	if !ok {
		t.Fatalf("payload type = %T", got.Payload)
	}
	if wp.GardenAddress != "0xgarden" || len(wp.PlantSelection) != 2 {
		t.Errorf("payload = %+v", wp)
	}
	if got.Meta["source"] != "test" {
		t.Errorf("meta = %v", got.Meta)
	}
	if got.Scope != alice {
		t.Errorf("scope = %v, want %v", got.Scope, alice)
	}

	files, err := s.JobMedia(ctx, job.ID)
	if err != nil {
		t.Fatalf("JobMedia: %v", err)
	}
	if len(files) != 1 || string(files[0].Data) != "jpeg-bytes" || files[0].Name != "bed.jpg" || files[0].MIMEType != "image/jpeg" {
		t.Errorf("media = %+v", files)
	}
	if got.SizeBytes <= photo.Size() {
		t.Errorf("SizeBytes = %d, want more than media size %d", got.SizeBytes, photo.Size())
	}
}

func TestEnqueue_InvalidScope(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.Enqueue(context.Background(), queue.Scope{ChainID: 1}, workPayload("g", "kale"), nil, nil)
	if !errors.Is(err, queue.ErrInvalidScope) {
		t.Fatalf("err = %v, want ErrInvalidScope", err)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	s, _ := openTestStore(t)
	if _, err := s.GetJob(context.Background(), "missing"); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListPending_FIFO(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	var ids []string
	for _, g := range []string{"g1", "g2", "g3"} {
		ids = append(ids, mustEnqueue(t, s, alice, workPayload(g, "kale")).ID)
		clock.Advance(time.Second)
	}
	mustEnqueue(t, s, bob, workPayload("other", "kale"))

	jobs, err := s.ListPending(ctx, alice)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("got %d jobs, want 3 (scope isolation)", len(jobs))
	}
	for i, j := range jobs {
		if j.ID != ids[i] {
			t.Errorf("position %d = %s, want %s", i, j.ID, ids[i])
		}
	}
}

func TestClaimJob_AtMostOneInFlightPerScope(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	a1 := mustEnqueue(t, s, alice, workPayload("g1", "kale"))
	a2 := mustEnqueue(t, s, alice, queue.ApprovalPayload{ActionUID: "a", WorkUID: "w", GardenAddress: "g", GardenerAddress: "0xgardener", Approved: true})
	b1 := mustEnqueue(t, s, bob, workPayload("g1", "kale"))

	job, ok, err := s.ClaimJob(ctx, a1.ID)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	if job.Status != queue.StatusInFlight {
		t.Errorf("status = %s, want in_flight", job.Status)
	}

	if _, ok, err := s.ClaimJob(ctx, a2.ID); err != nil || ok {
		t.Fatalf("second claim in same scope: ok=%v err=%v, want refused", ok, err)
	}
	if _, ok, err := s.ClaimJob(ctx, b1.ID); err != nil || !ok {
		t.Fatalf("claim in other scope: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := s.ClaimJob(ctx, a1.ID); ok {
		t.Fatal("re-claiming an in-flight job should be refused")
	}
	if _, _, err := s.ClaimJob(ctx, "missing"); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("claim missing: err = %v", err)
	}
}

func TestMarkAttempt(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	job := mustEnqueue(t, s, alice, workPayload("g1", "kale"))
	if _, _, err := s.ClaimJob(ctx, job.ID); err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}

	next := clock.Now().Add(2 * time.Second)
	got, err := s.MarkAttempt(ctx, job.ID, Attempt{Err: "network down", NextAttemptAt: next})
	if err != nil {
		t.Fatalf("MarkAttempt: %v", err)
	}
	if got.Status != queue.StatusPending || got.Attempts != 1 || got.LastError != "network down" {
		t.Errorf("after retryable failure: %+v", got)
	}
	if !got.NextAttemptAt.Equal(next) || !got.LastAttemptAt.Equal(clock.Now()) {
		t.Errorf("timestamps: next=%v last=%v", got.NextAttemptAt, got.LastAttemptAt)
	}

	got, err = s.MarkAttempt(ctx, job.ID, Attempt{Err: "rejected", Terminal: true})
	if err != nil {
		t.Fatalf("MarkAttempt terminal: %v", err)
	}
	if got.Status != queue.StatusFailed || got.Attempts != 2 {
		t.Errorf("after terminal failure: %+v", got)
	}

	if _, err := s.MarkAttempt(ctx, job.ID, Attempt{Err: "again"}); !errors.Is(err, queue.ErrJobClosed) {
		t.Errorf("attempt on failed job: err = %v, want ErrJobClosed", err)
	}
}

func TestMarkSynced_Idempotent(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	job := mustEnqueue(t, s, alice, workPayload("g1", "kale"))
	first, err := s.MarkSynced(ctx, job.ID, "0xtx")
	if err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}
	if !first.Synced() || first.TxHash != "0xtx" || first.SyncedAt.IsZero() {
		t.Fatalf("after sync: %+v", first)
	}

	second, err := s.MarkSynced(ctx, job.ID, "0xother")
	if err != nil {
		t.Fatalf("second MarkSynced: %v", err)
	}
	if second.TxHash != "0xtx" {
		t.Errorf("tx hash changed on repeat sync: %s", second.TxHash)
	}
}

func TestMarkStatusAndResetForRetry(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	job := mustEnqueue(t, s, alice, workPayload("g1", "kale"))
	got, err := s.MarkStatus(ctx, job.ID, queue.StatusNeedsReview, "edited elsewhere")
	if err != nil {
		t.Fatalf("MarkStatus: %v", err)
	}
	if got.Status != queue.StatusNeedsReview || got.Note != "edited elsewhere" {
		t.Fatalf("after MarkStatus: %+v", got)
	}

	got, err = s.ResetForRetry(ctx, job.ID)
	if err != nil {
		t.Fatalf("ResetForRetry: %v", err)
	}
	if got.Status != queue.StatusPending || got.Attempts != 0 || got.Note != queue.NoteConflictOverride {
		t.Errorf("after retry: %+v", got)
	}

	if _, err := s.MarkStatus(ctx, job.ID, queue.StatusSynced, ""); err == nil {
		t.Error("MarkStatus(synced) should be rejected")
	}

	if _, err := s.MarkSynced(ctx, job.ID, "0xtx"); err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}
	if _, err := s.ResetForRetry(ctx, job.ID); !errors.Is(err, queue.ErrJobClosed) {
		t.Errorf("retry synced job: err = %v, want ErrJobClosed", err)
	}
}

func TestRequeueStale(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	job := mustEnqueue(t, s, alice, workPayload("g1", "kale"))
	if _, _, err := s.ClaimJob(ctx, job.ID); err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	clock.Advance(10 * time.Minute)

	n, err := s.RequeueStale(ctx, clock.Now().Add(-5*time.Minute), 5)
	if err != nil {
		t.Fatalf("RequeueStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("requeued %d, want 1", n)
	}
	got, _ := s.GetJob(ctx, job.ID)
	if got.Status != queue.StatusPending || got.Attempts != 1 {
		t.Errorf("after requeue: %+v", got)
	}
}

func TestRemove(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	job := mustEnqueue(t, s, alice, workPayload("g1", "kale"), media.FromBytes("a.txt", "text/plain", clock.Now(), []byte("a")))
	inFlight := mustEnqueue(t, s, bob, workPayload("g1", "kale"))
	if _, _, err := s.ClaimJob(ctx, inFlight.ID); err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}

	if err := s.Remove(ctx, job.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	files, err := s.JobMedia(ctx, job.ID)
	if err != nil || len(files) != 0 {
		t.Errorf("media after remove: %d files, err %v", len(files), err)
	}
	if err := s.Remove(ctx, job.ID); !errors.Is(err, queue.ErrNotFound) {
		t.Errorf("second remove: err = %v", err)
	}
	if err := s.Remove(ctx, inFlight.ID); !errors.Is(err, queue.ErrJobInFlight) {
		t.Errorf("remove in flight: err = %v", err)
	}
}

func TestHeadsAndScopes(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	w1 := mustEnqueue(t, s, alice, workPayload("g1", "kale"))
	clock.Advance(time.Second)
	mustEnqueue(t, s, alice, workPayload("g2", "kale"))
	clock.Advance(time.Second)
	ap := mustEnqueue(t, s, alice, queue.ApprovalPayload{ActionUID: "a", WorkUID: "w", GardenAddress: "g", GardenerAddress: "0xgardener"})
	mustEnqueue(t, s, bob, workPayload("g1", "kale"))

	heads, err := s.Heads(ctx, alice)
	if err != nil {
		t.Fatalf("Heads: %v", err)
	}
	if len(heads) != 2 || heads[0].ID != w1.ID || heads[1].ID != ap.ID {
		t.Fatalf("heads = %+v", heads)
	}

	// A failed head no longer blocks the jobs behind it.
	if _, err := s.MarkStatus(ctx, w1.ID, queue.StatusFailed, ""); err != nil {
		t.Fatalf("MarkStatus: %v", err)
	}
	heads, _ = s.Heads(ctx, alice)
	if heads[0].ID == w1.ID {
		t.Error("failed job is still a head")
	}

	scopes, err := s.Scopes(ctx)
	if err != nil {
		t.Fatalf("Scopes: %v", err)
	}
	if len(scopes) != 2 {
		t.Errorf("scopes = %v, want 2", scopes)
	}

	st, err := s.Stats(ctx, alice)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Total != 3 || st.Pending != 2 || st.Failed != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestDrafts(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	garden := "0xgarden"
	d, err := s.SaveDraft(ctx, queue.WorkDraft{Scope: alice, GardenAddress: &garden})
	if err != nil {
		t.Fatalf("SaveDraft: %v", err)
	}
	if d.ID == "" || d.FirstIncompleteStep != queue.StepAction {
		t.Fatalf("new draft = %+v", d)
	}

	if _, err := s.PromoteDraft(ctx, d.ID, nil); !errors.Is(err, queue.ErrDraftIncomplete) {
		t.Fatalf("promote incomplete: err = %v", err)
	}

	action := "action-1"
	d.ActionUID = &action
	d.PlantSelection = []string{"kale"}
	d.PlantCount = 3
	d.CurrentStep = queue.StepReview
	clock.Advance(time.Minute)
	d, err = s.SaveDraft(ctx, d)
	if err != nil {
		t.Fatalf("SaveDraft update: %v", err)
	}
	if d.FirstIncompleteStep != queue.StepReview || !d.UpdatedAt.After(d.CreatedAt) {
		t.Fatalf("updated draft = %+v", d)
	}

	d, err = s.SetDraftMedia(ctx, d.ID, []media.SerializedFile{media.FromBytes("p.png", "image/png", clock.Now(), []byte("png"))})
	if err != nil {
		t.Fatalf("SetDraftMedia: %v", err)
	}
	if d.MediaCount != 1 {
		t.Errorf("draft media count = %d", d.MediaCount)
	}

	drafts, err := s.ListDrafts(ctx, alice)
	if err != nil || len(drafts) != 1 {
		t.Fatalf("ListDrafts: %d drafts, err %v", len(drafts), err)
	}

	job, err := s.PromoteDraft(ctx, d.ID, map[string]string{"from": "draft"})
	if err != nil {
		t.Fatalf("PromoteDraft: %v", err)
	}
	if job.Kind != queue.KindWork || job.MediaCount != 1 || job.Status != queue.StatusPending {
		t.Errorf("promoted job = %+v", job)
	}
	if _, err := s.GetDraft(ctx, d.ID); !errors.Is(err, queue.ErrNotFound) {
		t.Errorf("draft still present after promote: %v", err)
	}
	left, _ := s.DraftMedia(ctx, d.ID)
	if len(left) != 0 {
		t.Errorf("draft media left behind: %d", len(left))
	}
}

func TestSaveDraft_OtherScopeIsNotFound(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	d, err := s.SaveDraft(ctx, queue.WorkDraft{Scope: alice})
	if err != nil {
		t.Fatalf("SaveDraft: %v", err)
	}
	d.Scope = bob
	if _, err := s.SaveDraft(ctx, d); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("cross-scope save: err = %v", err)
	}
}
