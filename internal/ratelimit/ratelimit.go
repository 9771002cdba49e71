// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

// Package ratelimit implements the per-namespace token bucket. Capacity
// is passed on every check so runtime config changes take effect without
// rebuilding buckets. State is in-memory only and resets on restart.
package ratelimit

import (
	"sync"
	"time"
)

type bucket struct {
	mu     sync.Mutex
	tokens float64
	last   time.Time
}

// Limiter holds one lazily created bucket per namespace.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	// now is swappable in tests.
	now func() time.Time
}

// New returns an empty limiter.
func New() *Limiter {
	return &Limiter{buckets: make(map[string]*bucket), now: time.Now}
}

// CheckAndConsume refills the namespace's bucket from wall-clock elapsed
// time, then tries to take one token. Refill rate is capacity/60 tokens
// per second, capped at capacity. A new bucket starts full.
func (l *Limiter) CheckAndConsume(namespace string, capacity int) bool {
	if capacity <= 0 {
		return false
	}

	now := l.now()
	b := l.bucketFor(namespace, capacity, now)

	b.mu.Lock()
	defer b.mu.Unlock()

	cap64 := float64(capacity)
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * cap64 / 60
		b.last = now
	}
	if b.tokens > cap64 {
		b.tokens = cap64
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (l *Limiter) bucketFor(namespace string, capacity int, now time.Time) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[namespace]
	if !ok {
		b = &bucket{tokens: float64(capacity), last: now}
		l.buckets[namespace] = b
	}
	return b
}

// Forget drops a namespace's bucket, e.g. when the namespace is deleted.
func (l *Limiter) Forget(namespace string) {
	l.mu.Lock()
	delete(l.buckets, namespace)
	l.mu.Unlock()
}
