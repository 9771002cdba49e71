// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

package state

import (
	"context"
	"sync/atomic"

	"github.com/goccy/go-json"

	"github.com/EckmanTechLLC/flux/internal/broadcast"
	"github.com/EckmanTechLLC/flux/internal/event"
	"github.com/EckmanTechLLC/flux/internal/eventlog"
	"github.com/EckmanTechLLC/flux/internal/logging"
	"github.com/EckmanTechLLC/flux/internal/metrics"
)

// Projector is the single tail consumer of the event log. It applies each
// event to the entity store in log order and fans the resulting updates
// out on the broadcast channels.
type Projector struct {
	log       eventlog.Replayer
	store     *Store
	updates   *broadcast.Channel[StateUpdate]
	deletions *broadcast.Channel[EntityDeleted]

	lastSeq atomic.Uint64
}

// NewProjector wires a projector over the given log and store.
func NewProjector(log eventlog.Replayer, store *Store, updates *broadcast.Channel[StateUpdate], deletions *broadcast.Channel[EntityDeleted]) *Projector {
	return &Projector{log: log, store: store, updates: updates, deletions: deletions}
}

func (p *Projector) String() string { return "projector" }

// LastProcessedSequence returns the newest applied stream sequence.
func (p *Projector) LastProcessedSequence() uint64 {
	return p.lastSeq.Load()
}

// SetLastProcessedSequence seeds the resume point from a recovered
// snapshot. Call before Serve.
func (p *Projector) SetLastProcessedSequence(seq uint64) {
	p.lastSeq.Store(seq)
}

// Serve tails the log from last_processed_sequence + 1 until ctx is done.
// Replaying events already reflected in the store is harmless: property
// upserts are idempotent.
func (p *Projector) Serve(ctx context.Context) error {
	start := eventlog.StartAtSequence(p.lastSeq.Load() + 1)
	logging.Info().
		Uint64("resume_after", p.lastSeq.Load()).
		Msg("projector starting")

	return p.log.Consume(ctx, start, p.apply)
}

// apply projects one delivered message. Malformed events are logged and
// skipped; the sequence still advances so they are not replayed forever.
func (p *Projector) apply(msg eventlog.Msg) error {
	defer func() {
		p.lastSeq.Store(msg.Sequence)
		metrics.ProjectedEvents.Inc()
	}()

	var ev event.Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		logging.Warn().Err(err).Uint64("seq", msg.Sequence).Msg("skipping undecodable event")
		return nil
	}

	entityID := ev.EntityID()
	if entityID == "" {
		return nil
	}

	if ev.IsTombstone() {
		if p.store.Delete(entityID) {
			metrics.Entities.Set(float64(p.store.Count()))
			p.deletions.Send(EntityDeleted{
				Type:      "entity_deleted",
				EntityID:  entityID,
				Timestamp: ev.Timestamp,
			})
		}
		return nil
	}

	props := ev.Properties()
	if len(props) == 0 {
		return nil
	}

	updates := p.store.Apply(entityID, props, ev.Timestamp)
	metrics.Entities.Set(float64(p.store.Count()))
	for _, u := range updates {
		p.updates.Send(u)
	}
	return nil
}
