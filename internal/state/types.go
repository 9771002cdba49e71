// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

// Package state holds the materialized entity projection: a sharded
// concurrent entity store, the projector that tails the event log, and
// gzip-compressed JSON snapshots with startup recovery.
package state

// Entity is one projected entity. Values handed out by the store are
// clones; mutating them does not affect the projection.
type Entity struct {
	ID          string         `json:"id"`
	Properties  map[string]any `json:"properties"`
	LastUpdated int64          `json:"last_updated"`
}

// StateUpdate describes one property change applied by the projector.
// On the wire the new value travels as "value"; the old value rides along
// for consumers that diff.
type StateUpdate struct {
	Type      string `json:"type"`
	EntityID  string `json:"entity_id"`
	Property  string `json:"property"`
	OldValue  any    `json:"old_value,omitempty"`
	NewValue  any    `json:"value"`
	Timestamp int64  `json:"timestamp"`
}

// EntityDeleted announces a tombstoned entity.
type EntityDeleted struct {
	Type      string `json:"type"`
	EntityID  string `json:"entity_id"`
	Timestamp int64  `json:"timestamp"`
}
