// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

package connector

import (
	"sync"
	"time"
)

// Status tracks one scheduler instance. Restarting a scheduler installs
// a fresh Status so external monitors observe the reset.
type Status struct {
	mu         sync.Mutex
	lastPoll   time.Time
	lastError  string
	pollCount  uint64
	errorCount uint64
}

// StatusSnapshot is the JSON view of a Status.
type StatusSnapshot struct {
	UserID     string     `json:"user_id"`
	Connector  string     `json:"connector"`
	LastPoll   *time.Time `json:"last_poll,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	PollCount  uint64     `json:"poll_count"`
	ErrorCount uint64     `json:"error_count"`
}

func (s *Status) recordSuccess(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPoll = at
	s.lastError = ""
	s.pollCount++
}

func (s *Status) recordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = err.Error()
	s.errorCount++
}

// failing reports whether the last poll ended in an error.
func (s *Status) failing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError != ""
}

// Snapshot returns a copy for serialization.
func (s *Status) Snapshot(key Key) StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatusSnapshot{
		UserID:     key.UserID,
		Connector:  key.Connector,
		LastError:  s.lastError,
		PollCount:  s.pollCount,
		ErrorCount: s.errorCount,
	}
	if !s.lastPoll.IsZero() {
		t := s.lastPoll
		snap.LastPoll = &t
	}
	return snap
}
