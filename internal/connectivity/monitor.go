// Package connectivity observes network reachability and app
// lifecycle state and reports transitions as events.
package connectivity

import (
	"context"
	"sync"
	"time"
)

// Prober answers whether the backend is currently reachable. A probe
// is expected to verify a usable path end to end, not merely a radio
// connection.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) bool

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context) bool { return f(ctx) }

// Event is a snapshot emitted whenever either signal transitions.
type Event struct {
	Reachable  bool
	Foreground bool
	At         time.Time
}

// Monitor tracks reachability (via periodic probes) and foreground
// state (set by the host). It performs no I/O beyond the injected
// prober.
type Monitor struct {
	mu         sync.Mutex
	prober     Prober
	interval   time.Duration
	reachable  bool
	foreground bool
	events     chan Event
	done       chan struct{}
}

// NewMonitor constructs a Monitor probing at the given interval. The
// app starts in the foreground and is presumed offline until the
// first probe succeeds.
func NewMonitor(prober Prober, interval time.Duration) *Monitor {
	return &Monitor{
		prober:     prober,
		interval:   interval,
		foreground: true,
		// Buffered so a slow subscriber cannot block the probe loop;
		// subscribers coalesce triggers anyway.
		events: make(chan Event, 8),
		done:   make(chan struct{}),
	}
}

// Start runs the probe loop until ctx is cancelled. It should be
// called in a goroutine.
func (m *Monitor) Start(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.probe(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait blocks until the probe loop has stopped.
func (m *Monitor) Wait() { <-m.done }

func (m *Monitor) probe(ctx context.Context) {
	reachable := m.prober.Probe(ctx)

	m.mu.Lock()
	changed := reachable != m.reachable
	m.reachable = reachable
	event := Event{Reachable: m.reachable, Foreground: m.foreground, At: time.Now().UTC()}
	m.mu.Unlock()

	if changed {
		m.emit(event)
	}
}

// SetForeground records an app lifecycle transition reported by the
// host and emits an event when the state actually changed.
func (m *Monitor) SetForeground(foreground bool) {
	m.mu.Lock()
	changed := foreground != m.foreground
	m.foreground = foreground
	event := Event{Reachable: m.reachable, Foreground: m.foreground, At: time.Now().UTC()}
	m.mu.Unlock()

	if changed {
		m.emit(event)
	}
}

// Reachable reports the last observed reachability verdict.
func (m *Monitor) Reachable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reachable
}

// Events is the transition stream consumed by the sync scheduler.
func (m *Monitor) Events() <-chan Event { return m.events }

func (m *Monitor) emit(event Event) {
	select {
	case m.events <- event:
	default:
		// Dropping is safe: events carry current state, not deltas,
		// and the consumer re-reads state on each trigger.
	}
}
