// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

package api

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/EckmanTechLLC/flux/internal/config"
	"github.com/EckmanTechLLC/flux/internal/event"
)

func TestIngestEvent(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.register(t, "myns")

	status, body := env.do(t, http.MethodPost, "/api/events", token,
		ingestBody("myns/sensor-1", map[string]any{"temp": 21.5}))
	if status != http.StatusOK {
		t.Fatalf("status = %d, body = %v", status, body)
	}
	if id, _ := body["eventId"].(string); id == "" || body["stream"] != "sensors.temp" {
		t.Errorf("body = %v", body)
	}

	if env.log.count() != 1 {
		t.Fatalf("appended %d messages", env.log.count())
	}
	msg := env.log.last(t)
	if msg.Subject != "flux.events.sensors.temp" {
		t.Errorf("subject = %q", msg.Subject)
	}
	var ev event.Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.EventID == "" || ev.EntityID() != "myns/sensor-1" {
		t.Errorf("stored event = %+v", ev)
	}
}

func TestIngestEventValidation(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Auth.Enabled = false })

	bad := map[string]any{
		"source":    "p",
		"timestamp": time.Now().UnixMilli(),
		"payload":   map[string]any{},
	}
	status, body := env.do(t, http.MethodPost, "/api/events", "", bad)
	if status != http.StatusBadRequest {
		t.Errorf("status = %d, body = %v", status, body)
	}
	if env.log.count() != 0 {
		t.Error("invalid event reached the log")
	}
}

func TestIngestEventAuth(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.register(t, "myns")
	other := env.register(t, "otherns")

	tests := []struct {
		name     string
		token    string
		entityID string
		want     int
	}{
		{"missing token", "", "myns/e-1", http.StatusUnauthorized},
		{"foreign token", other, "myns/e-1", http.StatusForbidden},
		{"unknown namespace", token, "ghost/e-1", http.StatusNotFound},
		{"unqualified entity id", token, "bare", http.StatusBadRequest},
		{"owned namespace", token, "myns/e-1", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := env.do(t, http.MethodPost, "/api/events", tt.token,
				ingestBody(tt.entityID, map[string]any{"on": true}))
			if status != tt.want {
				t.Errorf("status = %d, want %d, body = %v", status, tt.want, body)
			}
		})
	}
}

func TestIngestEventBodyTooLarge(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.register(t, "myns")

	limit := int64(64)
	env.runtime.Apply(config.RuntimePatch{BodySizeLimitSingle: &limit})

	status, body := env.do(t, http.MethodPost, "/api/events", token,
		ingestBody("myns/sensor-1", map[string]any{"blob": strings.Repeat("x", 256)}))
	if status != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, body = %v", status, body)
	}
	if body["error"] != "payload too large" {
		t.Errorf("error = %v", body["error"])
	}
}

func TestIngestEventRateLimited(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.register(t, "myns")

	enabled, capacity := true, 1
	env.runtime.Apply(config.RuntimePatch{
		RateLimitEnabled:               &enabled,
		RateLimitPerNamespacePerMinute: &capacity,
	})

	status, _ := env.do(t, http.MethodPost, "/api/events", token,
		ingestBody("myns/e-1", map[string]any{"n": 1}))
	if status != http.StatusOK {
		t.Fatalf("first request status = %d", status)
	}

	req, _ := http.NewRequest(http.MethodPost, env.ts.URL+"/api/events",
		strings.NewReader(`{"stream":"sensors.temp","source":"p","timestamp":1,"payload":{"entity_id":"myns/e-1"}}`))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := env.ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q", got)
	}
}

func TestIngestBatchPartialFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.register(t, "myns")

	batch := map[string]any{
		"events": []map[string]any{
			ingestBody("myns/e-1", map[string]any{"on": true}),
			{"source": "p", "timestamp": 1, "payload": map[string]any{}}, // missing stream
			ingestBody("ghost/e-2", map[string]any{"on": true}),          // foreign namespace
		},
	}
	status, body := env.do(t, http.MethodPost, "/api/events/batch", token, batch)
	if status != http.StatusOK {
		t.Fatalf("status = %d, body = %v", status, body)
	}
	if body["successful"] != float64(1) || body["failed"] != float64(2) {
		t.Errorf("outcome = %v", body)
	}
	results, ok := body["results"].([]any)
	if !ok || len(results) != 3 {
		t.Fatalf("results = %v", body["results"])
	}
	first := results[0].(map[string]any)
	if id, _ := first["eventId"].(string); id == "" || first["error"] != nil {
		t.Errorf("first result = %v", first)
	}
}

func TestIngestBatchEmpty(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Auth.Enabled = false })

	status, _ := env.do(t, http.MethodPost, "/api/events/batch", "",
		map[string]any{"events": []any{}})
	if status != http.StatusBadRequest {
		t.Errorf("status = %d", status)
	}
}

func TestQueryEvents(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Auth.Enabled = false })

	for _, id := range []string{"a/e-1", "a/e-2", "a/e-1"} {
		status, _ := env.do(t, http.MethodPost, "/api/events", "",
			ingestBody(id, map[string]any{"n": 1}))
		if status != http.StatusOK {
			t.Fatalf("seed ingest status = %d", status)
		}
	}

	req, _ := http.NewRequest(http.MethodGet, env.ts.URL+"/api/events?entity=a/e-1", nil)
	resp, err := env.ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var events []event.Event
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	for _, ev := range events {
		if ev.EntityID() != "a/e-1" {
			t.Errorf("filter leaked entity %q", ev.EntityID())
		}
	}
}

func TestQueryEventsBadParams(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Auth.Enabled = false })

	for _, path := range []string{"/api/events?limit=abc", "/api/events?since=abc"} {
		req, _ := http.NewRequest(http.MethodGet, env.ts.URL+path, nil)
		resp, err := env.ts.Client().Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s status = %d", path, resp.StatusCode)
		}
	}
}
