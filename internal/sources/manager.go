// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

package sources

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/EckmanTechLLC/flux/internal/logging"
)

// ManagerConfig wires the subprocess environment.
type ManagerConfig struct {
	TmpDir    string
	EngineBin string
	APIURL    string

	// TapInstaller is the binary used to install absent tap extractors.
	// Empty means pipx.
	TapInstaller string
}

type runnerHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
	status *Status
	named  *namedRunner
}

// Manager supervises all configured source subprocesses. It runs as a
// supervised service: on start it launches a runner per persisted
// source, and source CRUD starts and stops runners at runtime.
type Manager struct {
	store  *Store
	cfg    ManagerConfig
	client *http.Client

	mu      sync.Mutex
	generic map[string]*runnerHandle
	named   map[string]*runnerHandle
}

// NewManager wires a source manager.
func NewManager(store *Store, cfg ManagerConfig) *Manager {
	return &Manager{
		store:   store,
		cfg:     cfg,
		client:  &http.Client{Timeout: 30 * time.Second},
		generic: make(map[string]*runnerHandle),
		named:   make(map[string]*runnerHandle),
	}
}

func (m *Manager) String() string { return "source-manager" }

// Serve starts a runner for every persisted source, then blocks until
// ctx is done and stops them all.
func (m *Manager) Serve(ctx context.Context) error {
	generics, err := m.store.ListGeneric(ctx)
	if err != nil {
		return fmt.Errorf("list generic sources: %w", err)
	}
	for _, src := range generics {
		m.StartGeneric(src)
	}

	named, err := m.store.ListNamed(ctx)
	if err != nil {
		return fmt.Errorf("list named sources: %w", err)
	}
	for _, src := range named {
		m.StartNamed(src)
	}

	logging.Info().Int("generic", len(generics)).Int("named", len(named)).Msg("source manager started")

	<-ctx.Done()
	m.StopAll()
	return ctx.Err()
}

// StartGeneric launches (or replaces) the runner for a generic source.
func (m *Manager) StartGeneric(src GenericSource) {
	status := &Status{}
	r := &genericRunner{
		src:       src,
		engineBin: m.cfg.EngineBin,
		tmpDir:    m.cfg.TmpDir,
		apiURL:    m.cfg.APIURL,
		status:    status,
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &runnerHandle{cancel: cancel, done: make(chan struct{}), status: status}

	m.mu.Lock()
	old := m.generic[src.ID]
	m.generic[src.ID] = h
	m.mu.Unlock()
	if old != nil {
		old.cancel()
	}

	go func() {
		defer close(h.done)
		r.run(ctx)
	}()
}

// StartNamed launches (or replaces) the runner for a named source.
func (m *Manager) StartNamed(src NamedSource) {
	status := &Status{}
	r := &namedRunner{
		src:       src,
		tmpDir:    m.cfg.TmpDir,
		apiURL:    m.cfg.APIURL,
		status:    status,
		client:    m.client,
		installer: installTap(m.cfg.TapInstaller),
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &runnerHandle{cancel: cancel, done: make(chan struct{}), status: status, named: r}

	m.mu.Lock()
	old := m.named[src.ID]
	m.named[src.ID] = h
	m.mu.Unlock()
	if old != nil {
		old.cancel()
	}

	go func() {
		defer close(h.done)
		r.run(ctx)
	}()
}

// StopGeneric aborts a generic source's runner.
func (m *Manager) StopGeneric(id string) {
	m.mu.Lock()
	h := m.generic[id]
	delete(m.generic, id)
	m.mu.Unlock()
	if h != nil {
		h.cancel()
	}
}

// StopNamed aborts a named source's runner.
func (m *Manager) StopNamed(id string) {
	m.mu.Lock()
	h := m.named[id]
	delete(m.named, id)
	m.mu.Unlock()
	if h != nil {
		h.cancel()
	}
}

// StopAll aborts every runner and waits briefly for exits.
func (m *Manager) StopAll() {
	m.mu.Lock()
	handles := make([]*runnerHandle, 0, len(m.generic)+len(m.named))
	for _, h := range m.generic {
		handles = append(handles, h)
	}
	for _, h := range m.named {
		handles = append(handles, h)
	}
	m.generic = make(map[string]*runnerHandle)
	m.named = make(map[string]*runnerHandle)
	m.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	for _, h := range handles {
		select {
		case <-h.done:
		case <-time.After(10 * time.Second):
		}
	}
}

// TriggerSync runs one out-of-band iteration of a named source,
// updating its status.
func (m *Manager) TriggerSync(ctx context.Context, id string) error {
	m.mu.Lock()
	h := m.named[id]
	m.mu.Unlock()

	if h == nil || h.named == nil {
		return ErrNotFound
	}

	if err := h.named.syncOnce(ctx); err != nil {
		h.status.recordError(err)
		return err
	}
	h.status.clearError()
	return nil
}

// Statuses returns a snapshot of every runner's status.
func (m *Manager) Statuses() []StatusSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]StatusSnapshot, 0, len(m.generic)+len(m.named))
	for id, h := range m.generic {
		out = append(out, h.status.snapshot(id, "generic"))
	}
	for id, h := range m.named {
		out = append(out, h.status.snapshot(id, "named"))
	}
	return out
}
