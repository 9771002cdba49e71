// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

package api

import (
	"net/http"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"github.com/EckmanTechLLC/flux/internal/event"
	"github.com/EckmanTechLLC/flux/internal/registry"
)

func TestRegisterNamespace(t *testing.T) {
	env := newTestEnv(t, nil)

	status, body := env.do(t, http.MethodPost, "/api/namespaces", "",
		map[string]string{"name": "home-assistant"})
	if status != http.StatusOK {
		t.Fatalf("status = %d, body = %v", status, body)
	}
	id, _ := body["namespaceId"].(string)
	token, _ := body["token"].(string)
	if !strings.HasPrefix(id, "ns_") {
		t.Errorf("namespaceId = %q", id)
	}
	if len(token) != 32 {
		t.Errorf("token = %q", token)
	}
}

func TestRegisterNamespaceErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "taken")

	tests := []struct {
		name string
		body map[string]string
		want int
	}{
		{"missing name", map[string]string{}, http.StatusBadRequest},
		{"invalid grammar", map[string]string{"name": "Has Space"}, http.StatusBadRequest},
		{"duplicate", map[string]string{"name": "taken"}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := env.do(t, http.MethodPost, "/api/namespaces", "", tt.body)
			if status != tt.want {
				t.Errorf("status = %d, want %d", status, tt.want)
			}
		})
	}
}

func TestListNamespacesOmitsTokens(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "one")
	env.register(t, "two")

	req, _ := http.NewRequest(http.MethodGet, env.ts.URL+"/api/namespaces", nil)
	resp, err := env.ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var list []registry.Namespace
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d", len(list))
	}
	for _, ns := range list {
		if ns.Token != "" {
			t.Errorf("token leaked for %q", ns.Name)
		}
	}
}

func TestGetNamespaceEntityCount(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "myns")
	seedEntity(env, "myns/e-1")
	seedEntity(env, "myns/e-2")
	seedEntity(env, "otherns/e-1")

	status, body := env.do(t, http.MethodGet, "/api/namespaces/myns", "", nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d, body = %v", status, body)
	}
	if body["name"] != "myns" || body["entityCount"] != float64(2) {
		t.Errorf("body = %v", body)
	}

	status, _ = env.do(t, http.MethodGet, "/api/namespaces/absent", "", nil)
	if status != http.StatusNotFound {
		t.Errorf("absent namespace status = %d", status)
	}
}

func TestDeleteNamespace(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "gone")

	status, body := env.do(t, http.MethodDelete, "/api/namespaces/gone", "", nil)
	if status != http.StatusOK || body["success"] != true {
		t.Fatalf("status = %d, body = %v", status, body)
	}
	if _, ok := env.registry.LookupByName("gone"); ok {
		t.Error("namespace still registered")
	}

	// Idempotent.
	status, _ = env.do(t, http.MethodDelete, "/api/namespaces/gone", "", nil)
	if status != http.StatusOK {
		t.Errorf("second delete status = %d", status)
	}
}

func TestDeleteNamespaceTombstonesEntities(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "gone")
	env.register(t, "kept")
	seedEntity(env, "gone/e-1")
	seedEntity(env, "gone/e-2")
	seedEntity(env, "kept/e-1")

	status, body := env.do(t, http.MethodDelete, "/api/namespaces/gone", "", nil)
	if status != http.StatusOK || body["entitiesDeleted"] != float64(2) {
		t.Fatalf("status = %d, body = %v", status, body)
	}

	// One tombstone per entity, appended before the registry row went.
	if got := env.log.count(); got != 2 {
		t.Fatalf("appended %d events, want 2 tombstones", got)
	}
	var ev event.Event
	if err := json.Unmarshal(env.log.last(t).Data, &ev); err != nil {
		t.Fatal(err)
	}
	if !ev.IsTombstone() {
		t.Errorf("appended event is not a tombstone: %+v", ev)
	}
	if !strings.HasPrefix(ev.EntityID(), "gone/") {
		t.Errorf("tombstone for %q, want gone/*", ev.EntityID())
	}

	if _, ok := env.registry.LookupByName("gone"); ok {
		t.Error("namespace still registered")
	}
	if env.log.count() != 2 {
		t.Error("other namespaces' entities were tombstoned")
	}
}
