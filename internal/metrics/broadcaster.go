// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

package metrics

import (
	"context"
	"time"
)

// BroadcastInterval is how often a metrics update is fanned out.
const BroadcastInterval = 2 * time.Second

// publisherWindow bounds how stale a source may be while still counting
// as an active publisher.
const publisherWindow = 60 * time.Second

// Update is the periodic metrics payload delivered to WebSocket clients.
type Update struct {
	Type      string         `json:"type"`
	Timestamp int64          `json:"timestamp"`
	Entities  EntityMetrics  `json:"entities"`
	Events    EventMetrics   `json:"events"`
	WebSocket WSMetrics      `json:"websocket"`
	Publisher PublisherStats `json:"publishers"`
}

type EntityMetrics struct {
	Total int `json:"total"`
}

type EventMetrics struct {
	Total         uint64  `json:"total"`
	RatePerSecond float64 `json:"rate_per_second"`
}

type WSMetrics struct {
	Connections int64 `json:"connections"`
}

type PublisherStats struct {
	Active int `json:"active"`
}

// Sink receives the periodic updates; the WebSocket layer's fan-out
// channel satisfies it.
type Sink interface {
	Send(Update)
}

// Broadcaster periodically snapshots the tracker and pushes an Update to
// the sink. It runs as a supervised service; missed ticks are skipped.
type Broadcaster struct {
	tracker *Tracker
	sink    Sink

	// entityCount reports the current projection size.
	entityCount func() int

	interval time.Duration
}

// NewBroadcaster wires a broadcaster. entityCount may be nil, in which
// case the entity total stays zero.
func NewBroadcaster(tracker *Tracker, sink Sink, entityCount func() int) *Broadcaster {
	return &Broadcaster{
		tracker:     tracker,
		sink:        sink,
		entityCount: entityCount,
		interval:    BroadcastInterval,
	}
}

func (b *Broadcaster) String() string { return "metrics-broadcaster" }

// Serve emits one update per interval until ctx is done.
func (b *Broadcaster) Serve(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.sink.Send(b.snapshot())
		}
	}
}

func (b *Broadcaster) snapshot() Update {
	u := Update{
		Type:      "metrics_update",
		Timestamp: time.Now().UnixMilli(),
		Events: EventMetrics{
			Total:         b.tracker.EventsTotal(),
			RatePerSecond: b.tracker.RatePerSecond(),
		},
		WebSocket: WSMetrics{Connections: b.tracker.Connections()},
		Publisher: PublisherStats{Active: b.tracker.ActivePublishers(publisherWindow)},
	}
	if b.entityCount != nil {
		u.Entities.Total = b.entityCount()
	}
	return u
}
