// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

package api

import (
	"net/http"
	"strings"
	"testing"

	"github.com/EckmanTechLLC/flux/internal/config"
)

// The test server is wired without a source store or manager, the shape a
// deployment has when sources.enabled is false.
func TestSourcesDisabled(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.register(t, "myns")

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/sources/generic"},
		{http.MethodPost, "/api/sources/generic"},
		{http.MethodDelete, "/api/sources/generic/abc"},
		{http.MethodGet, "/api/sources/named"},
		{http.MethodPost, "/api/sources/named"},
		{http.MethodDelete, "/api/sources/named/abc"},
		{http.MethodPost, "/api/sources/named/abc/sync"},
		{http.MethodGet, "/api/sources/status"},
	}
	for _, p := range paths {
		status, body := env.do(t, p.method, p.path, token, nil)
		if status != http.StatusServiceUnavailable {
			t.Errorf("%s %s: status = %d, body = %v", p.method, p.path, status, body)
		}
	}
}

// With auth disabled there is no bearer token to default the output
// token from, so creation without one must fail up front instead of
// surfacing an encryption error from the store.
func TestCreateSourceRequiresOutputToken(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Auth.Enabled = false
		c.Sources.Enabled = true
	})

	tests := []struct {
		name string
		path string
		body map[string]any
	}{
		{"generic", "/api/sources/generic", map[string]any{
			"url": "https://api.example/weather", "namespace": "home",
		}},
		{"named", "/api/sources/named", map[string]any{
			"tap": "tap-crm", "namespace": "sales",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := env.do(t, http.MethodPost, tt.path, "", tt.body)
			if status != http.StatusBadRequest {
				t.Fatalf("status = %d, body = %v", status, body)
			}
			if msg, _ := body["error"].(string); !strings.Contains(msg, "output_token") {
				t.Errorf("error = %q", msg)
			}
		})
	}

	// Supplying the token explicitly succeeds.
	status, body := env.do(t, http.MethodPost, "/api/sources/generic", "", map[string]any{
		"url": "https://api.example/weather", "namespace": "home", "output_token": "tok",
	})
	if status != http.StatusOK {
		t.Fatalf("status = %d, body = %v", status, body)
	}
	if id, _ := body["id"].(string); id == "" {
		t.Errorf("created source has no id: %v", body)
	}
}
