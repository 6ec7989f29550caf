// Package publish emits crawl lifecycle events for downstream consumers
// (dashboards, exporters) that want to react to a finished run without
// polling the graph.
package publish

import (
	"context"
	"sync"
	"time"
)

// RunEvent describes one finished crawl run.
type RunEvent struct {
	CrawlID   string           `json:"crawl_id"`
	Mode      string           `json:"mode"`
	State     string           `json:"state"`
	StartedAt time.Time        `json:"started_at"`
	EndedAt   time.Time        `json:"ended_at"`
	Error     string           `json:"error,omitempty"`
	Counters  map[string]int64 `json:"counters,omitempty"`
}

// Publisher emits run events.
type Publisher interface {
	PublishRun(ctx context.Context, ev RunEvent) error
}

// Nop drops every event. Used when publishing is disabled.
type Nop struct{}

func (Nop) PublishRun(ctx context.Context, ev RunEvent) error { return nil }

// Memory collects events in process, for tests.
type Memory struct {
	mu     sync.Mutex
	events []RunEvent
}

func (m *Memory) PublishRun(ctx context.Context, ev RunEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// Events returns a copy of everything published so far.
func (m *Memory) Events() []RunEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RunEvent(nil), m.events...)
}
