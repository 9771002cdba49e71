// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/EckmanTechLLC/flux/internal/event"
	"github.com/EckmanTechLLC/flux/internal/metrics"
	"github.com/EckmanTechLLC/flux/internal/registry"
)

// authorizeEvent authorizes one event write. With auth enabled the bearer
// token must own the namespace prefixing payload.entity_id. Returns the
// namespace ("" when auth is disabled) and a transport-neutral error.
func (s *Server) authorizeEvent(r *http.Request, ev *event.Event) (string, int, error) {
	if !s.cfg.Auth.Enabled {
		return "", 0, nil
	}

	token := bearerToken(r)
	if token == "" {
		return "", http.StatusUnauthorized, errors.New("missing bearer token")
	}

	entityID := ev.EntityID()
	if entityID == "" {
		return "", http.StatusBadRequest, errors.New("payload.entity_id is required")
	}
	ns, ok := splitEntityID(entityID)
	if !ok {
		return "", http.StatusBadRequest, errors.New("entity_id must be namespace/entity")
	}

	switch err := s.registry.ValidateToken(token, ns); {
	case errors.Is(err, registry.ErrNotFound):
		return "", http.StatusNotFound, fmt.Errorf("namespace %q not found", ns)
	case errors.Is(err, registry.ErrUnauthorized):
		return "", http.StatusForbidden, errors.New("token does not own namespace")
	case err != nil:
		return "", http.StatusInternalServerError, err
	}
	return ns, 0, nil
}

// checkRateLimit consumes one token for the namespace when limiting is
// enabled. Capacity is re-read from the runtime config on every call.
func (s *Server) checkRateLimit(namespace string) bool {
	rt := s.runtime.Snapshot()
	if !rt.RateLimitEnabled || namespace == "" {
		return true
	}
	if s.limiter.CheckAndConsume(namespace, rt.RateLimitPerNamespacePerMinute) {
		return true
	}
	metrics.RateLimited.WithLabelValues(namespace).Inc()
	return false
}

// appendEvent validates, assigns an id, and durably appends one event.
// Returns a status and error for the failing case.
func (s *Server) appendEvent(r *http.Request, ev *event.Event) (int, error) {
	if verr := ev.Validate(); verr != nil {
		metrics.EventsRejected.WithLabelValues(verr.Code).Inc()
		return http.StatusBadRequest, verr
	}
	if err := ev.EnsureID(); err != nil {
		return http.StatusInternalServerError, err
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return http.StatusInternalServerError, fmt.Errorf("marshal event: %w", err)
	}
	if err := s.appender.Append(r.Context(), ev.Subject(), ev.EventID, data); err != nil {
		return http.StatusServiceUnavailable, fmt.Errorf("append event: %w", err)
	}

	metrics.EventsIngested.WithLabelValues(ev.Stream).Inc()
	s.tracker.RecordEvent(ev.Source)
	return 0, nil
}

// handleIngestEvent accepts a single event.
func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	rt := s.runtime.Snapshot()
	r.Body = http.MaxBytesReader(w, r.Body, rt.BodySizeLimitSingle)

	var ev event.Event
	if err := decodeJSON(r, &ev); err != nil {
		if errors.Is(err, errBodyTooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large", err)
			return
		}
		respondError(w, http.StatusBadRequest, "invalid JSON body", err)
		return
	}

	ns, status, err := s.authorizeEvent(r, &ev)
	if err != nil {
		respondError(w, status, err.Error(), nil)
		return
	}
	if !s.checkRateLimit(ns) {
		w.Header().Set("Retry-After", "60")
		respondError(w, http.StatusTooManyRequests, "rate limit exceeded", nil)
		return
	}

	if status, err := s.appendEvent(r, &ev); err != nil {
		respondError(w, status, err.Error(), err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"eventId": ev.EventID,
		"stream":  ev.Stream,
	})
}

// batchResult reports the outcome of one event in a batch.
type batchResult struct {
	EventID string `json:"eventId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// handleIngestBatch accepts an array of events with per-event outcomes.
// There is no batch atomicity.
func (s *Server) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	rt := s.runtime.Snapshot()
	r.Body = http.MaxBytesReader(w, r.Body, rt.BodySizeLimitBatch)

	var body struct {
		Events []event.Event `json:"events"`
	}
	if err := decodeJSON(r, &body); err != nil {
		if errors.Is(err, errBodyTooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large", err)
			return
		}
		respondError(w, http.StatusBadRequest, "invalid JSON body", err)
		return
	}
	if len(body.Events) == 0 {
		respondError(w, http.StatusBadRequest, "events array must not be empty", nil)
		return
	}

	results := make([]batchResult, len(body.Events))
	successful := 0
	for i := range body.Events {
		ev := &body.Events[i]

		ns, _, err := s.authorizeEvent(r, ev)
		if err != nil {
			results[i] = batchResult{Error: err.Error()}
			continue
		}
		if !s.checkRateLimit(ns) {
			results[i] = batchResult{Error: "rate limit exceeded"}
			continue
		}
		if _, err := s.appendEvent(r, ev); err != nil {
			results[i] = batchResult{Error: err.Error()}
			continue
		}
		results[i] = batchResult{EventID: ev.EventID}
		successful++
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"successful": successful,
		"failed":     len(body.Events) - successful,
		"results":    results,
	})
}

// queryIdleWindow ends an event query once the log stays quiet this long.
const queryIdleWindow = 200 * time.Millisecond

// handleQueryEvents reads a time-bounded window from the log, filtered by
// entity, newest first.
func (s *Server) handleQueryEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 100
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "limit must be an integer", err)
			return
		}
		limit = n
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 500 {
		limit = 500
	}

	since := time.Now().Add(-24 * time.Hour)
	if raw := q.Get("since"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "since must be epoch milliseconds", err)
			return
		}
		since = time.UnixMilli(ms)
	}
	entityFilter := q.Get("entity")

	msgs, err := s.replayer.FetchSince(r.Context(), since, limit, queryIdleWindow)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "event query failed", err)
		return
	}

	events := make([]event.Event, 0, len(msgs))
	for _, m := range msgs {
		var ev event.Event
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			continue
		}
		if entityFilter != "" && ev.EntityID() != entityFilter {
			continue
		}
		events = append(events, ev)
	}

	// Newest first.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}

	respondJSON(w, http.StatusOK, events)
}
