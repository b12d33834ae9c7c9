// Package events fans queue lifecycle events out to any number of observers.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kalambet/gardenq/internal/queue"
)

// Type names a lifecycle event.
type Type string

const (
	JobAdded       Type = "job_added"
	JobProcessing  Type = "job_processing"
	JobCompleted   Type = "job_completed"
	JobFailed      Type = "job_failed"
	JobConflict    Type = "job_conflict"
	StorageCleanup Type = "storage_cleanup"
)

// Event is one published lifecycle notification.
type Event struct {
	Type      Type                `json:"type"`
	JobID     string              `json:"job_id,omitempty"`
	Kind      queue.Kind          `json:"kind,omitempty"`
	Scope     queue.Scope         `json:"scope"`
	TxHash    string              `json:"tx_hash,omitempty"`
	Error     string              `json:"error,omitempty"`
	Retryable bool                `json:"retryable,omitempty"`
	Attempts  int                 `json:"attempts,omitempty"`
	Conflict  *queue.WorkConflict `json:"conflict,omitempty"`
	Evicted   int                 `json:"evicted,omitempty"`
	Reclaimed int64               `json:"reclaimed_bytes,omitempty"`
	At        time.Time           `json:"at"`
}

// Publisher is the narrow side the queue components depend on.
type Publisher interface {
	Publish(Event)
}

// Bus is an in-process publish/subscribe topic. Publish never blocks: a
// subscriber whose buffer is full misses the event.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	closed  bool
	dropped atomic.Int64
	logger  *slog.Logger
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs:   make(map[int]chan Event),
		logger: slog.Default(),
	}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// cancel func unsubscribes and closes the channel; it is safe to call twice.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers e to every subscriber that has room.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event dropped for slow subscriber", "type", e.Type, "job_id", e.JobID)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(Event) {}
