// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// rateWindow is the sliding window over which the per-second event rate
// is computed.
const rateWindow = 5 * time.Second

// Tracker keeps the cheap in-process counters behind the periodic metrics
// broadcast. All methods are safe for concurrent use.
type Tracker struct {
	eventsTotal atomic.Uint64
	connections atomic.Int64

	// sources maps source name to last-seen unix millis.
	sources sync.Map

	mu     sync.Mutex
	recent []time.Time

	// now is swappable in tests.
	now func() time.Time
}

// NewTracker returns a zeroed tracker.
func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// RecordEvent notes one accepted event from the given source.
func (t *Tracker) RecordEvent(source string) {
	t.eventsTotal.Add(1)
	now := t.now()
	t.sources.Store(source, now.UnixMilli())

	t.mu.Lock()
	t.recent = append(t.recent, now)
	t.trimLocked(now)
	t.mu.Unlock()
}

// EventsTotal returns the lifetime accepted-event count.
func (t *Tracker) EventsTotal() uint64 {
	return t.eventsTotal.Load()
}

// RatePerSecond returns events per second over the sliding window.
func (t *Tracker) RatePerSecond() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trimLocked(t.now())
	return float64(len(t.recent)) / rateWindow.Seconds()
}

// trimLocked drops timestamps older than the window. Caller holds mu.
func (t *Tracker) trimLocked(now time.Time) {
	cutoff := now.Add(-rateWindow)
	i := 0
	for i < len(t.recent) && t.recent[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		t.recent = append(t.recent[:0], t.recent[i:]...)
	}
}

// ActivePublishers counts sources seen within the given window.
func (t *Tracker) ActivePublishers(window time.Duration) int {
	cutoff := t.now().Add(-window).UnixMilli()
	n := 0
	t.sources.Range(func(_, v any) bool {
		if v.(int64) >= cutoff {
			n++
		}
		return true
	})
	return n
}

// ConnectionOpened notes a new WebSocket connection.
func (t *Tracker) ConnectionOpened() {
	t.connections.Add(1)
	WebSocketConnections.Inc()
}

// ConnectionClosed notes a departed WebSocket connection.
func (t *Tracker) ConnectionClosed() {
	t.connections.Add(-1)
	WebSocketConnections.Dec()
}

// Connections returns the current WebSocket connection count.
func (t *Tracker) Connections() int64 {
	return t.connections.Load()
}
