// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

package connector

import (
	"context"
	"time"

	"github.com/EckmanTechLLC/flux/internal/credentials"
	"github.com/EckmanTechLLC/flux/internal/logging"
)

// DefaultDiscoveryInterval is how often the credential store is
// reconciled against the running schedulers.
const DefaultDiscoveryInterval = 60 * time.Second

// Discovery reconciles the scheduler set with the credential store:
// schedulers without credentials stop, failing schedulers restart with
// fresh credentials, and new credentials gain schedulers.
type Discovery struct {
	manager  *Manager
	store    *credentials.Store
	interval time.Duration
}

// NewDiscovery wires a discovery loop over the manager.
func NewDiscovery(manager *Manager, store *credentials.Store, interval time.Duration) *Discovery {
	if interval <= 0 {
		interval = DefaultDiscoveryInterval
	}
	return &Discovery{manager: manager, store: store, interval: interval}
}

func (d *Discovery) String() string { return "connector-discovery" }

// Serve scans immediately, then once per interval until ctx is done.
func (d *Discovery) Serve(ctx context.Context) error {
	d.scan(ctx)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.manager.StopAll()
			return ctx.Err()
		case <-ticker.C:
			d.scan(ctx)
		}
	}
}

// scan performs one reconciliation pass.
func (d *Discovery) scan(ctx context.Context) {
	creds, err := d.store.ListAll(ctx)
	if err != nil {
		logging.Error().Err(err).Msg("discovery: listing credentials failed")
		return
	}

	desired := make(map[Key]credentials.Credential, len(creds))
	for _, c := range creds {
		desired[Key{UserID: c.UserID, Connector: c.Connector}] = c
	}

	for _, key := range d.manager.Keys() {
		cred, wanted := desired[key]
		switch {
		case !wanted:
			logging.Info().Str("key", key.String()).Msg("discovery: credential gone, stopping scheduler")
			d.manager.Stop(key)

		case d.manager.failing(key):
			// Restart with fresh credentials and a reset status.
			logging.Info().Str("key", key.String()).Msg("discovery: restarting failing scheduler")
			d.manager.Start(key, cred)
		}
	}

	running := make(map[Key]struct{})
	for _, key := range d.manager.Keys() {
		running[key] = struct{}{}
	}
	for key, cred := range desired {
		if _, ok := running[key]; ok {
			continue
		}
		if d.manager.Start(key, cred) {
			logging.Info().Str("key", key.String()).Msg("discovery: scheduler started")
		}
	}
}
