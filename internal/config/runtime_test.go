// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

package config

import (
	"sync"
	"testing"
)

func TestRuntimeApplyPartialPatch(t *testing.T) {
	m := NewRuntimeManager(DefaultRuntimeConfig())

	enabled := true
	limit := 120
	updated := m.Apply(RuntimePatch{
		RateLimitEnabled:               &enabled,
		RateLimitPerNamespacePerMinute: &limit,
	})

	if !updated.RateLimitEnabled || updated.RateLimitPerNamespacePerMinute != 120 {
		t.Errorf("updated = %+v", updated)
	}
	// Untouched fields keep defaults.
	if updated.BodySizeLimitSingle != 1<<20 || updated.BodySizeLimitBatch != 10<<20 {
		t.Errorf("body limits changed: %+v", updated)
	}

	// Empty patch is a no-op.
	if after := m.Apply(RuntimePatch{}); after != updated {
		t.Errorf("empty patch changed config: %+v", after)
	}
}

func TestRuntimeSnapshotSeesUpdates(t *testing.T) {
	m := NewRuntimeManager(DefaultRuntimeConfig())

	size := int64(2 << 20)
	m.Apply(RuntimePatch{BodySizeLimitSingle: &size})

	if got := m.Snapshot().BodySizeLimitSingle; got != size {
		t.Errorf("snapshot limit = %d", got)
	}
}

func TestRuntimeConcurrentAccess(t *testing.T) {
	m := NewRuntimeManager(DefaultRuntimeConfig())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			v := n
			for j := 0; j < 100; j++ {
				m.Apply(RuntimePatch{RateLimitPerNamespacePerMinute: &v})
				m.Snapshot()
			}
		}(i)
	}
	wg.Wait()
}
