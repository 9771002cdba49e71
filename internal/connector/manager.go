// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

package connector

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/EckmanTechLLC/flux/internal/credentials"
	"github.com/EckmanTechLLC/flux/internal/logging"
)

type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns the scheduler handle and status maps. Starting a key
// aborts any existing scheduler for that key before installing the new
// one.
type Manager struct {
	registry *Registry
	store    *credentials.Store
	apiURL   string
	backoff  []time.Duration
	client   *http.Client

	handleMu sync.Mutex
	handles  map[Key]*handle

	statusMu sync.Mutex
	statuses map[Key]*Status
}

// NewManager wires a manager. apiURL is the loopback base URL of the
// ingestion API.
func NewManager(registry *Registry, store *credentials.Store, apiURL string) *Manager {
	return &Manager{
		registry: registry,
		store:    store,
		apiURL:   apiURL,
		backoff:  defaultBackoff,
		client:   &http.Client{Timeout: 30 * time.Second},
		handles:  make(map[Key]*handle),
		statuses: make(map[Key]*Status),
	}
}

// Start launches a scheduler for the key with the given credential,
// replacing any existing one. A fresh Status is installed so monitors
// see counters reset.
func (m *Manager) Start(key Key, cred credentials.Credential) bool {
	conn, ok := m.registry.Get(key.Connector)
	if !ok {
		logging.Warn().Str("connector", key.Connector).Msg("unknown connector, not scheduling")
		return false
	}

	status := &Status{}
	ctx, cancel := context.WithCancel(context.Background())
	s := &scheduler{
		key:     key,
		conn:    conn,
		cred:    cred,
		store:   m.store,
		apiURL:  m.apiURL,
		status:  status,
		backoff: m.backoff,
		client:  m.client,
	}

	h := &handle{cancel: cancel, done: make(chan struct{})}

	m.handleMu.Lock()
	old := m.handles[key]
	m.handles[key] = h
	m.handleMu.Unlock()
	if old != nil {
		old.cancel()
	}

	m.statusMu.Lock()
	m.statuses[key] = status
	m.statusMu.Unlock()

	go func() {
		defer close(h.done)
		s.run(ctx)
	}()
	return true
}

// Stop aborts and forgets the key's scheduler. No-op for unknown keys.
func (m *Manager) Stop(key Key) {
	m.handleMu.Lock()
	h := m.handles[key]
	delete(m.handles, key)
	m.handleMu.Unlock()

	m.statusMu.Lock()
	delete(m.statuses, key)
	m.statusMu.Unlock()

	if h != nil {
		h.cancel()
	}
}

// StopAll aborts every scheduler and waits briefly for them to exit.
func (m *Manager) StopAll() {
	m.handleMu.Lock()
	handles := m.handles
	m.handles = make(map[Key]*handle)
	m.handleMu.Unlock()

	m.statusMu.Lock()
	m.statuses = make(map[Key]*Status)
	m.statusMu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	for _, h := range handles {
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
		}
	}
}

// Keys returns the keys with a live scheduler.
func (m *Manager) Keys() []Key {
	m.handleMu.Lock()
	defer m.handleMu.Unlock()

	out := make([]Key, 0, len(m.handles))
	for k := range m.handles {
		out = append(out, k)
	}
	return out
}

// Running reports the number of live schedulers.
func (m *Manager) Running() int {
	m.handleMu.Lock()
	defer m.handleMu.Unlock()
	return len(m.handles)
}

// failing reports whether the key's status shows a last error.
func (m *Manager) failing(key Key) bool {
	m.statusMu.Lock()
	status := m.statuses[key]
	m.statusMu.Unlock()
	return status != nil && status.failing()
}

// Statuses returns a snapshot of every scheduler's status.
func (m *Manager) Statuses() []StatusSnapshot {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()

	out := make([]StatusSnapshot, 0, len(m.statuses))
	for key, status := range m.statuses {
		out = append(out, status.Snapshot(key))
	}
	return out
}
