// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

package eventlog

import "time"

type startKind int

const (
	startAll startKind = iota
	startAtSequence
	startAtTime
)

// StartPolicy selects where a replay begins.
type StartPolicy struct {
	kind startKind
	seq  uint64
	time time.Time
}

// StartAll replays from the beginning of the stream.
func StartAll() StartPolicy {
	return StartPolicy{kind: startAll}
}

// StartAtSequence replays from the given stream sequence (inclusive).
// Sequence 0 degenerates to StartAll: a cold start replays everything.
func StartAtSequence(seq uint64) StartPolicy {
	if seq == 0 {
		return StartAll()
	}
	return StartPolicy{kind: startAtSequence, seq: seq}
}

// StartAtTime replays from the first message at or after t.
func StartAtTime(t time.Time) StartPolicy {
	return StartPolicy{kind: startAtTime, time: t}
}
