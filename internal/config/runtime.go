// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

package config

import "sync"

// RuntimeConfig holds the hot-reloadable limits. Handlers take a Snapshot
// at the start of each request; no value is latched across suspensions.
type RuntimeConfig struct {
	RateLimitEnabled               bool  `koanf:"rate_limit_enabled" json:"rate_limit_enabled"`
	RateLimitPerNamespacePerMinute int   `koanf:"rate_limit_per_namespace_per_minute" json:"rate_limit_per_namespace_per_minute"`
	BodySizeLimitSingle            int64 `koanf:"body_size_limit_single" json:"body_size_limit_single"`
	BodySizeLimitBatch             int64 `koanf:"body_size_limit_batch" json:"body_size_limit_batch"`
}

// DefaultRuntimeConfig returns the built-in runtime limits.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		RateLimitEnabled:               false,
		RateLimitPerNamespacePerMinute: 600,
		BodySizeLimitSingle:            1 << 20,  // 1MB
		BodySizeLimitBatch:             10 << 20, // 10MB
	}
}

// RuntimePatch is a partial RuntimeConfig update: each non-nil field
// overwrites the corresponding current value.
type RuntimePatch struct {
	RateLimitEnabled               *bool  `json:"rate_limit_enabled,omitempty"`
	RateLimitPerNamespacePerMinute *int   `json:"rate_limit_per_namespace_per_minute,omitempty"`
	BodySizeLimitSingle            *int64 `json:"body_size_limit_single,omitempty"`
	BodySizeLimitBatch             *int64 `json:"body_size_limit_batch,omitempty"`
}

// RuntimeManager guards the current RuntimeConfig behind a read-write lock.
// Updates take effect for all subsequent Snapshot calls immediately.
type RuntimeManager struct {
	mu  sync.RWMutex
	cur RuntimeConfig
}

// NewRuntimeManager creates a manager seeded with the given config.
func NewRuntimeManager(initial RuntimeConfig) *RuntimeManager {
	return &RuntimeManager{cur: initial}
}

// Snapshot returns the current runtime configuration by value.
func (m *RuntimeManager) Snapshot() RuntimeConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// Apply overwrites each field present in the patch and returns the
// resulting configuration.
func (m *RuntimeManager) Apply(patch RuntimePatch) RuntimeConfig {
	m.mu.Lock()
	defer m.mu.Unlock()

	if patch.RateLimitEnabled != nil {
		m.cur.RateLimitEnabled = *patch.RateLimitEnabled
	}
	if patch.RateLimitPerNamespacePerMinute != nil {
		m.cur.RateLimitPerNamespacePerMinute = *patch.RateLimitPerNamespacePerMinute
	}
	if patch.BodySizeLimitSingle != nil {
		m.cur.BodySizeLimitSingle = *patch.BodySizeLimitSingle
	}
	if patch.BodySizeLimitBatch != nil {
		m.cur.BodySizeLimitBatch = *patch.BodySizeLimitBatch
	}
	return m.cur
}
