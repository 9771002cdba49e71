// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

// Package metrics provides Prometheus instruments plus a lightweight
// in-process tracker that feeds the periodic metrics broadcast sent to
// WebSocket subscribers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsIngested counts accepted events by stream.
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flux_events_ingested_total",
		Help: "Total number of events accepted for append, by stream.",
	}, []string{"stream"})

	// EventsRejected counts events rejected at validation or authorization.
	EventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flux_events_rejected_total",
		Help: "Total number of events rejected before append, by reason.",
	}, []string{"reason"})

	// AppendDuration observes the latency of durable appends.
	AppendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flux_append_duration_seconds",
		Help:    "Latency of durable event log appends.",
		Buckets: prometheus.DefBuckets,
	})

	// ProjectedEvents counts events applied to the state projection.
	ProjectedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flux_projected_events_total",
		Help: "Total number of events applied to the entity projection.",
	})

	// Entities gauges the current projected entity count.
	Entities = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flux_entities",
		Help: "Current number of entities in the projection.",
	})

	// WebSocketConnections gauges currently attached WebSocket clients.
	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flux_websocket_connections",
		Help: "Current number of WebSocket connections.",
	})

	// BroadcastDropped counts fan-out messages dropped to slow receivers.
	BroadcastDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flux_broadcast_dropped_total",
		Help: "Total fan-out messages dropped because a receiver buffer was full.",
	})

	// RateLimited counts requests refused by the per-namespace limiter.
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flux_rate_limited_total",
		Help: "Total requests refused by the per-namespace rate limiter.",
	}, []string{"namespace"})

	// SnapshotDuration observes snapshot write latency.
	SnapshotDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flux_snapshot_duration_seconds",
		Help:    "Latency of writing a state snapshot to disk.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
	})

	// ConnectorFetches counts connector poll outcomes.
	ConnectorFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flux_connector_fetches_total",
		Help: "Connector fetch attempts by connector and outcome.",
	}, []string{"connector", "outcome"})

	// TokenRefreshes counts OAuth token refresh outcomes.
	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flux_token_refreshes_total",
		Help: "OAuth token refresh attempts by connector and outcome.",
	}, []string{"connector", "outcome"})
)
