// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

// Package eventlog is the client for the external durable event log.
//
// The log is NATS JetStream: a single file-backed stream with limits
// retention holds every event under flux.events.>. Appends go through a
// Watermill publisher with Nats-Msg-Id deduplication, guarded by a circuit
// breaker. Replays use ordered consumers with all / by-sequence /
// by-start-time start policies; every delivered message carries its stream
// sequence number.
//
// The log provides at-least-once delivery. Consumers rely on event ids for
// idempotency downstream.
package eventlog
