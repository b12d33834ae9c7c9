package storage

import (
	"context"
	"testing"
	"time"

	"github.com/kalambet/gardenq/internal/media"
	"github.com/kalambet/gardenq/internal/queue"
)

func TestDeleteSyncedBefore_KeepsUnsynced(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	var oldBytes int64
	for i := 0; i < 3; i++ {
		j := mustEnqueue(t, s, alice, workPayload("old", "kale"), media.FromBytes("x.bin", "", clock.Now(), []byte("0123456789")))
		synced, err := s.MarkSynced(ctx, j.ID, "0xtx")
		if err != nil {
			t.Fatalf("MarkSynced: %v", err)
		}
		oldBytes += synced.SizeBytes
	}
	oldPending := mustEnqueue(t, s, alice, workPayload("pending", "kale"))

	clock.Advance(8 * 24 * time.Hour)
	fresh := mustEnqueue(t, s, alice, workPayload("fresh", "kale"))
	if _, err := s.MarkSynced(ctx, fresh.ID, "0xtx2"); err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}

	ev, err := s.DeleteSyncedBefore(ctx, clock.Now().Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteSyncedBefore: %v", err)
	}
	if ev.Jobs != 3 || ev.Media != 3 {
		t.Errorf("evicted %+v, want 3 jobs and 3 media", ev)
	}
	if ev.Bytes != oldBytes {
		t.Errorf("reclaimed %d bytes, want %d", ev.Bytes, oldBytes)
	}
	if _, err := s.GetJob(ctx, oldPending.ID); err != nil {
		t.Errorf("pending job evicted: %v", err)
	}
	if _, err := s.GetJob(ctx, fresh.ID); err != nil {
		t.Errorf("fresh synced job evicted: %v", err)
	}
}

func TestDeleteFailedBefore(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	failed := mustEnqueue(t, s, alice, workPayload("g", "kale"))
	if _, err := s.MarkAttempt(ctx, failed.ID, Attempt{Err: "rejected", Terminal: true}); err != nil {
		t.Fatalf("MarkAttempt: %v", err)
	}
	review := mustEnqueue(t, s, alice, workPayload("g2", "kale"))
	if _, err := s.MarkStatus(ctx, review.ID, queue.StatusNeedsReview, ""); err != nil {
		t.Fatalf("MarkStatus: %v", err)
	}
	clock.Advance(31 * 24 * time.Hour)

	ev, err := s.DeleteFailedBefore(ctx, clock.Now().Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteFailedBefore: %v", err)
	}
	if ev.Jobs != 1 {
		t.Errorf("evicted %d jobs, want 1", ev.Jobs)
	}
	if _, err := s.GetJob(ctx, review.ID); err != nil {
		t.Errorf("needs_review job evicted: %v", err)
	}
}

func TestDeleteOldestSynced(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	var synced []string
	for i := 0; i < 4; i++ {
		j := mustEnqueue(t, s, alice, workPayload("g", "kale"))
		if _, err := s.MarkSynced(ctx, j.ID, "0xtx"); err != nil {
			t.Fatalf("MarkSynced: %v", err)
		}
		synced = append(synced, j.ID)
		clock.Advance(time.Minute)
	}
	mustEnqueue(t, s, alice, workPayload("p1", "kale"))
	mustEnqueue(t, s, alice, workPayload("p2", "kale"))

	ev, err := s.DeleteOldestSynced(ctx, 3)
	if err != nil {
		t.Fatalf("DeleteOldestSynced: %v", err)
	}
	if ev.Jobs != 3 {
		t.Fatalf("evicted %d, want 3", ev.Jobs)
	}
	if _, err := s.GetJob(ctx, synced[3]); err != nil {
		t.Errorf("newest synced job evicted: %v", err)
	}

	// Only pending jobs left over the limit: nothing more is evicted.
	ev, err = s.DeleteOldestSynced(ctx, 0)
	if err != nil {
		t.Fatalf("DeleteOldestSynced: %v", err)
	}
	if ev.Jobs != 1 {
		t.Errorf("evicted %d, want only the last synced job", ev.Jobs)
	}
	st, _ := s.Stats(ctx, alice)
	if st.Pending != 2 {
		t.Errorf("pending = %d, want 2", st.Pending)
	}
}

func TestDeleteOrphanMediaAndUsage(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	job := mustEnqueue(t, s, alice, workPayload("g", "kale"), media.FromBytes("a.bin", "", clock.Now(), []byte("abcdef")))
	if _, err := s.DB().Exec(`DELETE FROM jobs WHERE id = ?`, job.ID); err != nil {
		t.Fatalf("deleting job row: %v", err)
	}

	before, err := s.Usage(ctx)
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if before.JobMediaBytes != 6 || before.Media != 1 {
		t.Fatalf("usage before = %+v", before)
	}

	ev, err := s.DeleteOrphanMedia(ctx)
	if err != nil {
		t.Fatalf("DeleteOrphanMedia: %v", err)
	}
	if ev.Media != 1 || ev.Bytes != 6 {
		t.Errorf("evicted %+v", ev)
	}

	after, _ := s.Usage(ctx)
	if after.TotalBytes() != 0 {
		t.Errorf("usage after = %+v", after)
	}
}
