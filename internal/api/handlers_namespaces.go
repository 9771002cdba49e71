// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/EckmanTechLLC/flux/internal/registry"
)

// handleRegisterNamespace creates a namespace. The token is returned
// exactly once, here.
func (s *Server) handleRegisterNamespace(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name" validate:"required"`
	}
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body", err)
		return
	}
	if err := s.validate.Struct(&body); err != nil {
		respondError(w, http.StatusBadRequest, "name is required", err)
		return
	}

	ns, err := s.registry.Register(r.Context(), body.Name)
	switch {
	case errors.Is(err, registry.ErrInvalidName):
		respondError(w, http.StatusBadRequest, err.Error(), nil)
		return
	case errors.Is(err, registry.ErrNameTaken):
		respondError(w, http.StatusConflict, "namespace name already registered", nil)
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "namespace registration failed", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"namespaceId": ns.ID,
		"name":        ns.Name,
		"token":       ns.Token,
	})
}

// handleListNamespaces lists namespaces without tokens.
func (s *Server) handleListNamespaces(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.registry.List())
}

// handleGetNamespace returns one namespace summary with its current
// entity count.
func (s *Server) handleGetNamespace(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	ns, ok := s.registry.LookupByName(name)
	if !ok {
		respondError(w, http.StatusNotFound, "namespace not found", nil)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"namespaceId": ns.ID,
		"name":        ns.Name,
		"createdAt":   ns.CreatedAt,
		"entityCount": len(s.entities.IDs(ns.Name + "/")),
	})
}

// handleDeleteNamespace removes a namespace and tombstones its
// projected entities. Idempotent. The tombstones must land before the
// registry row goes: once the namespace is unknown, no token can
// authorize deleting what it left behind.
func (s *Server) handleDeleteNamespace(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	ids := s.entities.IDs(name + "/")
	for _, id := range ids {
		if _, err := s.publishTombstone(r, id); err != nil {
			respondError(w, http.StatusServiceUnavailable,
				fmt.Sprintf("tombstoning entity %s failed", id), err)
			return
		}
	}

	if err := s.registry.Delete(r.Context(), name); err != nil {
		respondError(w, http.StatusInternalServerError, "namespace deletion failed", err)
		return
	}
	s.limiter.Forget(name)

	respondJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"entitiesDeleted": len(ids),
	})
}
