// Package netstate tracks whether the daemon believes it can reach the network.
package netstate

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Monitor holds the current connectivity state and notifies subscribers of
// changes. Only the latest state matters, so each subscriber channel holds one
// value and stale notifications are replaced.
type Monitor struct {
	mu     sync.Mutex
	online bool
	subs   map[int]chan bool
	nextID int
	logger *slog.Logger
}

// NewMonitor creates a monitor with the given initial state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{
		online: online,
		subs:   make(map[int]chan bool),
		logger: slog.Default().With("component", "netstate"),
	}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set updates the state. Subscribers are notified only on change.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return
	}
	m.online = online
	m.logger.Info("connectivity changed", "online", online)
	for _, ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
}

// Subscribe returns a channel that receives the new state after each change.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	ch := make(chan bool, 1)
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			close(ch)
		})
	}
}

// Probe checks url every interval and sets the monitor from the result. Any
// HTTP response counts as reachable. It returns when ctx is done.
func (m *Monitor) Probe(ctx context.Context, client *http.Client, url string, interval time.Duration) {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}

	check := func() {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			m.logger.Error("invalid probe url", "url", url, "error", err)
			return
		}
		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() == nil {
				m.Set(false)
			}
			return
		}
		resp.Body.Close()
		m.Set(true)
	}

	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}
