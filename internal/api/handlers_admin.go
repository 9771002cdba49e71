// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/EckmanTechLLC/flux/internal/config"
	"github.com/EckmanTechLLC/flux/internal/logging"
)

// requireAdmin enforces the admin bearer token when one is configured.
// With no token configured the admin surface is unrestricted.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	admin := s.cfg.Auth.AdminToken
	if admin == "" {
		return true
	}
	token := bearerToken(r)
	if subtle.ConstantTimeCompare([]byte(token), []byte(admin)) != 1 {
		respondError(w, http.StatusUnauthorized, "admin token required", nil)
		return false
	}
	return true
}

// handleGetRuntimeConfig returns the current hot-reloadable limits.
func (s *Server) handleGetRuntimeConfig(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	respondJSON(w, http.StatusOK, s.runtime.Snapshot())
}

// handlePutRuntimeConfig applies a partial update. Fields absent from
// the body keep their current values; the change is visible to the next
// request immediately.
func (s *Server) handlePutRuntimeConfig(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}

	var patch config.RuntimePatch
	if err := decodeJSON(r, &patch); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body", err)
		return
	}

	updated := s.runtime.Apply(patch)
	logging.Info().
		Bool("rate_limit_enabled", updated.RateLimitEnabled).
		Int("rate_limit_per_namespace_per_minute", updated.RateLimitPerNamespacePerMinute).
		Int64("body_size_limit_single", updated.BodySizeLimitSingle).
		Int64("body_size_limit_batch", updated.BodySizeLimitBatch).
		Msg("runtime config updated")

	respondJSON(w, http.StatusOK, updated)
}
