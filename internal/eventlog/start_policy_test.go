// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

package eventlog

import (
	"testing"
	"time"
)

func TestStartAtSequenceZeroDegeneratesToAll(t *testing.T) {
	p := StartAtSequence(0)
	if p.kind != startAll {
		t.Errorf("kind = %v, want startAll", p.kind)
	}
}

func TestStartAtSequence(t *testing.T) {
	p := StartAtSequence(42)
	if p.kind != startAtSequence || p.seq != 42 {
		t.Errorf("policy = %+v", p)
	}
}

func TestStartAtTime(t *testing.T) {
	at := time.Unix(1000, 0)
	p := StartAtTime(at)
	if p.kind != startAtTime || !p.time.Equal(at) {
		t.Errorf("policy = %+v", p)
	}
}
