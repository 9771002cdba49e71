// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

package api

import (
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/EckmanTechLLC/flux/internal/event"
	"github.com/EckmanTechLLC/flux/internal/registry"
)

// deleteSource marks tombstones emitted through the HTTP API.
const deleteSource = "api.delete"

// handleListEntities returns a cloned snapshot of every entity.
func (s *Server) handleListEntities(w http.ResponseWriter, _ *http.Request) {
	entities := s.entities.List()
	sort.Slice(entities, func(i, j int) bool { return entities[i].ID < entities[j].ID })
	respondJSON(w, http.StatusOK, entities)
}

// handleGetEntity returns one entity by id.
func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "*")
	if id == "" {
		respondError(w, http.StatusBadRequest, "entity id required", nil)
		return
	}

	entity, ok := s.entities.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "entity not found", nil)
		return
	}
	respondJSON(w, http.StatusOK, entity)
}

// authorizeEntityID checks that the bearer token owns the namespace
// prefixing id. Always ok when auth is disabled.
func (s *Server) authorizeEntityID(r *http.Request, id string) (int, error) {
	if !s.cfg.Auth.Enabled {
		return 0, nil
	}

	token := bearerToken(r)
	if token == "" {
		return http.StatusUnauthorized, errors.New("missing bearer token")
	}
	ns, ok := splitEntityID(id)
	if !ok {
		return http.StatusBadRequest, errors.New("entity id must be namespace/entity")
	}

	switch err := s.registry.ValidateToken(token, ns); {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound, fmt.Errorf("namespace %q not found", ns)
	case errors.Is(err, registry.ErrUnauthorized):
		return http.StatusForbidden, errors.New("token does not own namespace")
	case err != nil:
		return http.StatusInternalServerError, err
	}
	return 0, nil
}

// publishTombstone appends a deletion event for the entity.
func (s *Server) publishTombstone(r *http.Request, entityID string) (string, error) {
	ev, err := event.Tombstone(entityID, deleteSource)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(&ev)
	if err != nil {
		return "", fmt.Errorf("marshal tombstone: %w", err)
	}
	if err := s.appender.Append(r.Context(), ev.Subject(), ev.EventID, data); err != nil {
		return "", fmt.Errorf("append tombstone: %w", err)
	}
	return ev.EventID, nil
}

// handleDeleteEntity publishes a tombstone for one entity. The entity
// disappears when the projector consumes the event.
func (s *Server) handleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "*")
	if id == "" {
		respondError(w, http.StatusBadRequest, "entity id required", nil)
		return
	}

	if status, err := s.authorizeEntityID(r, id); err != nil {
		respondError(w, status, err.Error(), nil)
		return
	}

	eventID, err := s.publishTombstone(r, id)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "tombstone append failed", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"entity_id": id,
		"eventId":   eventID,
	})
}

// batchDeleteRequest selects entities by exactly one of namespace,
// prefix, or explicit ids.
type batchDeleteRequest struct {
	Namespace string   `json:"namespace,omitempty"`
	Prefix    string   `json:"prefix,omitempty"`
	EntityIDs []string `json:"entity_ids,omitempty"`
}

type batchDeleteError struct {
	EntityID string `json:"entity_id"`
	Error    string `json:"error"`
}

// handleBatchDelete deletes a set of entities: validate the batch size,
// then authorize every entity, then publish tombstones for the
// authorized ones.
func (s *Server) handleBatchDelete(w http.ResponseWriter, r *http.Request) {
	var req batchDeleteRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body", err)
		return
	}

	var targets []string
	switch {
	case req.Namespace != "":
		targets = s.entities.IDs(req.Namespace + "/")
	case req.Prefix != "":
		targets = s.entities.IDs(req.Prefix)
	case len(req.EntityIDs) > 0:
		targets = req.EntityIDs
	default:
		respondError(w, http.StatusBadRequest, "one of namespace, prefix, or entity_ids is required", nil)
		return
	}

	if max := s.cfg.Sources.MaxBatchDelete; len(targets) > max {
		respondError(w, http.StatusBadRequest,
			fmt.Sprintf("batch of %d exceeds the maximum of %d", len(targets), max), nil)
		return
	}

	var (
		authorized []string
		failures   []batchDeleteError
	)
	for _, id := range targets {
		if _, err := s.authorizeEntityID(r, id); err != nil {
			failures = append(failures, batchDeleteError{EntityID: id, Error: err.Error()})
			continue
		}
		authorized = append(authorized, id)
	}

	deleted := 0
	for _, id := range authorized {
		if _, err := s.publishTombstone(r, id); err != nil {
			failures = append(failures, batchDeleteError{EntityID: id, Error: err.Error()})
			continue
		}
		deleted++
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"requested": len(targets),
		"deleted":   deleted,
		"failed":    len(failures),
		"errors":    failures,
	})
}
