// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

package state

import (
	"hash/fnv"
	"reflect"
	"sort"
	"strings"
	"sync"
)

// numShards spreads entity keys over independent locks so reads on hot
// shards do not contend with writes on others.
const numShards = 32

type shard struct {
	mu       sync.RWMutex
	entities map[string]*Entity
}

// Store is the sharded concurrent entity map. The projector is the only
// writer in production; readers always receive cloned values.
type Store struct {
	shards [numShards]*shard
}

// NewStore returns an empty store.
func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &shard{entities: make(map[string]*Entity)}
	}
	return s
}

func (s *Store) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return s.shards[h.Sum32()%numShards]
}

// Get returns a cloned entity, or false if absent.
func (s *Store) Get(id string) (Entity, bool) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	e, ok := sh.entities[id]
	if !ok {
		return Entity{}, false
	}
	return cloneEntity(e), true
}

// List returns cloned copies of every entity, in no particular order.
func (s *Store) List() []Entity {
	var out []Entity
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, e := range sh.entities {
			out = append(out, cloneEntity(e))
		}
		sh.mu.RUnlock()
	}
	return out
}

// IDs returns every entity id, optionally filtered to a prefix.
func (s *Store) IDs(prefix string) []string {
	var out []string
	for _, sh := range s.shards {
		sh.mu.RLock()
		for id := range sh.entities {
			if prefix == "" || strings.HasPrefix(id, prefix) {
				out = append(out, id)
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

// Count returns the number of entities.
func (s *Store) Count() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.entities)
		sh.mu.RUnlock()
	}
	return n
}

// Apply upserts the given properties onto an entity, creating it on first
// mention. Property keys are applied in sorted order so the emitted
// updates are deterministic for a given event. Returns one StateUpdate
// per changed property.
func (s *Store) Apply(entityID string, props map[string]any, ts int64) []StateUpdate {
	sh := s.shardFor(entityID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entities[entityID]
	if !ok {
		e = &Entity{ID: entityID, Properties: make(map[string]any)}
		sh.entities[entityID] = e
	}

	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	updates := make([]StateUpdate, 0, len(keys))
	for _, k := range keys {
		newVal := props[k]
		oldVal, had := e.Properties[k]
		if had && reflect.DeepEqual(oldVal, newVal) {
			continue
		}
		e.Properties[k] = newVal
		updates = append(updates, StateUpdate{
			Type:      "state_update",
			EntityID:  entityID,
			Property:  k,
			OldValue:  oldVal,
			NewValue:  newVal,
			Timestamp: ts,
		})
	}
	e.LastUpdated = ts
	return updates
}

// Delete removes an entity, reporting whether it existed.
func (s *Store) Delete(id string) bool {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	_, ok := sh.entities[id]
	if ok {
		delete(sh.entities, id)
	}
	return ok
}

// DeletePrefix removes every entity whose id starts with prefix and
// returns the removed ids.
func (s *Store) DeletePrefix(prefix string) []string {
	var removed []string
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id := range sh.entities {
			if strings.HasPrefix(id, prefix) {
				delete(sh.entities, id)
				removed = append(removed, id)
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Restore replaces the store contents with the given entities. Used only
// during startup recovery, before any reader or writer runs.
func (s *Store) Restore(entities []Entity) {
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.entities = make(map[string]*Entity)
		sh.mu.Unlock()
	}
	for i := range entities {
		e := entities[i]
		if e.Properties == nil {
			e.Properties = make(map[string]any)
		}
		sh := s.shardFor(e.ID)
		sh.mu.Lock()
		sh.entities[e.ID] = &e
		sh.mu.Unlock()
	}
}

func cloneEntity(e *Entity) Entity {
	props := make(map[string]any, len(e.Properties))
	for k, v := range e.Properties {
		props[k] = v
	}
	return Entity{ID: e.ID, Properties: props, LastUpdated: e.LastUpdated}
}
