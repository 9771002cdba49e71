// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/EckmanTechLLC/flux/internal/logging"
)

// respondJSON writes v as JSON with the given status.
func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("encode response failed")
	}
}

// respondError writes the flat error envelope. Server-side failures are
// logged with their cause; the client sees only the message.
func respondError(w http.ResponseWriter, status int, message string, cause error) {
	if status >= 500 {
		logging.Error().Err(cause).Int("status", status).Msg(message)
	} else if cause != nil {
		logging.Debug().Err(cause).Int("status", status).Msg(message)
	}
	respondJSON(w, status, map[string]string{"error": message})
}

// bearerToken extracts the Authorization bearer token, or "".
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}

// decodeJSON decodes a request body, translating the body-limit error
// into a distinguishable sentinel.
func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return errBodyTooLarge
	}
	return err
}

var errBodyTooLarge = errors.New("request body exceeds size limit")

// splitEntityID parses "namespace/entity" and returns the namespace part.
func splitEntityID(entityID string) (namespace string, ok bool) {
	idx := strings.IndexByte(entityID, '/')
	if idx <= 0 || idx == len(entityID)-1 {
		return "", false
	}
	return entityID[:idx], true
}
