// Package quota keeps the local queue database within its storage budget.
//
// Eviction only ever touches data that is safe to lose: synced jobs, jobs that
// failed or were discarded long ago, and media whose owner is gone. Pending
// work is never evicted; if it alone exceeds the quota, enqueue fails instead.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/gardenq/internal/events"
	"github.com/kalambet/gardenq/internal/queue"
	"github.com/kalambet/gardenq/internal/storage"
)

// Settings is the storage policy.
type Settings struct {
	QuotaBytes       int64
	MaxAge           time.Duration
	MaxItems         int
	CleanupThreshold int
	AutoCleanup      bool
	FailedGrace      time.Duration
}

// Store is the subset of the durable store the manager drives.
type Store interface {
	Usage(ctx context.Context) (storage.Usage, error)
	DeleteSyncedBefore(ctx context.Context, before time.Time) (storage.Eviction, error)
	DeleteFailedBefore(ctx context.Context, before time.Time) (storage.Eviction, error)
	DeleteOrphanMedia(ctx context.Context) (storage.Eviction, error)
	DeleteOldestSynced(ctx context.Context, keep int) (storage.Eviction, error)
}

// Analytics describes current storage use against the quota.
type Analytics struct {
	UsedBytes      int64         `json:"used_bytes"`
	QuotaBytes     int64         `json:"quota_bytes"`
	AvailableBytes int64         `json:"available_bytes"`
	UsedPercent    float64       `json:"used_percent"`
	Items          int           `json:"items"`
	MaxItems       int           `json:"max_items"`
	NeedsCleanup   bool          `json:"needs_cleanup"`
	Breakdown      storage.Usage `json:"breakdown"`
}

// CleanupResult reports what a cleanup pass removed, step by step.
type CleanupResult struct {
	ExpiredSynced storage.Eviction `json:"expired_synced"`
	StaleFailed   storage.Eviction `json:"stale_failed"`
	OrphanMedia   storage.Eviction `json:"orphan_media"`
	OverLimit     storage.Eviction `json:"over_limit"`
	BytesBefore   int64            `json:"bytes_before"`
	BytesAfter    int64            `json:"bytes_after"`
}

// Total sums every step.
func (r CleanupResult) Total() storage.Eviction {
	return r.ExpiredSynced.Add(r.StaleFailed).Add(r.OrphanMedia).Add(r.OverLimit)
}

// Manager analyzes usage and runs cleanup passes. Passes are serialized.
type Manager struct {
	store    Store
	settings Settings
	events   events.Publisher
	now      func() time.Time
	logger   *slog.Logger

	mu sync.Mutex
}

// NewManager creates a manager. A nil publisher discards events.
func NewManager(store Store, settings Settings, pub events.Publisher) *Manager {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Manager{
		store:    store,
		settings: settings,
		events:   pub,
		now:      time.Now,
		logger:   slog.Default().With("component", "quota"),
	}
}

// SetClock overrides the time source; used by tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Settings returns the configured policy.
func (m *Manager) Settings() Settings {
	return m.settings
}

// Analyze measures current usage.
func (m *Manager) Analyze(ctx context.Context) (Analytics, error) {
	u, err := m.store.Usage(ctx)
	if err != nil {
		return Analytics{}, err
	}
	return m.analytics(u), nil
}

func (m *Manager) analytics(u storage.Usage) Analytics {
	a := Analytics{
		UsedBytes:  u.TotalBytes(),
		QuotaBytes: m.settings.QuotaBytes,
		Items:      u.Items(),
		MaxItems:   m.settings.MaxItems,
		Breakdown:  u,
	}
	if a.QuotaBytes > 0 {
		a.AvailableBytes = max(a.QuotaBytes-a.UsedBytes, 0)
		a.UsedPercent = float64(a.UsedBytes) * 100 / float64(a.QuotaBytes)
		a.NeedsCleanup = a.UsedPercent >= float64(m.settings.CleanupThreshold)
	}
	if m.settings.MaxItems > 0 && u.Jobs > m.settings.MaxItems {
		a.NeedsCleanup = true
	}
	return a
}

// Cleanup evicts data in order: synced jobs older than MaxAge, failed or
// discarded jobs untouched for FailedGrace, orphaned media, then the oldest
// synced jobs while the job count exceeds MaxItems.
func (m *Manager) Cleanup(ctx context.Context, s Settings) (CleanupResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	before, err := m.store.Usage(ctx)
	if err != nil {
		return CleanupResult{}, err
	}
	res := CleanupResult{BytesBefore: before.TotalBytes()}
	now := m.now()

	if s.MaxAge > 0 {
		if res.ExpiredSynced, err = m.store.DeleteSyncedBefore(ctx, now.Add(-s.MaxAge)); err != nil {
			return res, fmt.Errorf("evicting expired synced jobs: %w", err)
		}
	}
	if s.FailedGrace > 0 {
		if res.StaleFailed, err = m.store.DeleteFailedBefore(ctx, now.Add(-s.FailedGrace)); err != nil {
			return res, fmt.Errorf("evicting stale failed jobs: %w", err)
		}
	}
	if res.OrphanMedia, err = m.store.DeleteOrphanMedia(ctx); err != nil {
		return res, fmt.Errorf("evicting orphan media: %w", err)
	}
	if s.MaxItems > 0 {
		if res.OverLimit, err = m.store.DeleteOldestSynced(ctx, s.MaxItems); err != nil {
			return res, fmt.Errorf("evicting synced jobs over limit: %w", err)
		}
	}

	after, err := m.store.Usage(ctx)
	if err != nil {
		return res, err
	}
	res.BytesAfter = after.TotalBytes()

	total := res.Total()
	m.logger.Info("storage cleanup",
		"evicted_jobs", total.Jobs,
		"evicted_media", total.Media,
		"reclaimed_bytes", total.Bytes,
		"bytes_after", res.BytesAfter,
	)
	m.events.Publish(events.Event{
		Type:      events.StorageCleanup,
		Evicted:   total.Jobs,
		Reclaimed: total.Bytes,
	})
	return res, nil
}

// EnsureCapacity makes room for incoming bytes. Crossing the cleanup
// threshold triggers a pass when AutoCleanup is on; ErrStorageFull is
// returned when the quota would still be exceeded.
func (m *Manager) EnsureCapacity(ctx context.Context, incoming int64) error {
	if m.settings.QuotaBytes <= 0 {
		return nil
	}
	u, err := m.store.Usage(ctx)
	if err != nil {
		return err
	}
	projected := u.TotalBytes() + incoming
	threshold := m.settings.QuotaBytes * int64(m.settings.CleanupThreshold) / 100
	overItems := m.settings.MaxItems > 0 && u.Jobs >= m.settings.MaxItems

	if m.settings.AutoCleanup && (projected >= threshold || overItems) {
		if _, err := m.Cleanup(ctx, m.settings); err != nil {
			return err
		}
		if u, err = m.store.Usage(ctx); err != nil {
			return err
		}
		projected = u.TotalBytes() + incoming
	}
	if projected > m.settings.QuotaBytes {
		m.logger.Warn("storage quota exceeded",
			"used_bytes", u.TotalBytes(),
			"incoming_bytes", incoming,
			"quota_bytes", m.settings.QuotaBytes,
		)
		return fmt.Errorf("need %d bytes with %d of %d used: %w", incoming, u.TotalBytes(), m.settings.QuotaBytes, queue.ErrStorageFull)
	}
	return nil
}
