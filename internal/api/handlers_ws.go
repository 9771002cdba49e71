// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

package api

import "net/http"

// handleWebSocket authenticates before the upgrade. When auth is
// enabled, the token query parameter must belong to a registered
// namespace.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Auth.Enabled {
		token := r.URL.Query().Get("token")
		if token == "" {
			respondError(w, http.StatusUnauthorized, "token query parameter required", nil)
			return
		}
		if _, ok := s.registry.LookupByToken(token); !ok {
			respondError(w, http.StatusUnauthorized, "invalid token", nil)
			return
		}
	}
	s.hub.ServeHTTP(w, r)
}
