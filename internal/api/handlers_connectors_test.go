// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

package api

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/EckmanTechLLC/flux/internal/credentials"
)

func TestListConnectors(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.register(t, "myns")

	status, body := env.do(t, http.MethodGet, "/api/connectors/", token, nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d, body = %v", status, body)
	}
	connectors, ok := body["connectors"].([]any)
	if !ok || len(connectors) == 0 {
		t.Fatalf("connectors = %v", body["connectors"])
	}

	byName := make(map[string]map[string]any)
	for _, c := range connectors {
		m := c.(map[string]any)
		byName[m["name"].(string)] = m
	}
	stub, ok := byName["stub"]
	if !ok {
		t.Fatal("stub connector missing from list")
	}
	if stub["status"] != "not_configured" || stub["oauth_configured"] != true {
		t.Errorf("stub summary = %v", stub)
	}
	if manual := byName["manual"]; manual["oauth_configured"] != false {
		t.Errorf("manual summary = %v", manual)
	}
	if _, ok := body["schedulers"]; !ok {
		t.Error("schedulers missing from list response")
	}
}

func TestGetConnectorStatusReflectsCredential(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.register(t, "myns")

	status, body := env.do(t, http.MethodGet, "/api/connectors/stub", token, nil)
	if status != http.StatusOK || body["status"] != "not_configured" {
		t.Fatalf("before credential: status = %d, body = %v", status, body)
	}

	err := env.creds.Store(context.Background(), credentials.Credential{
		UserID: "myns", Connector: "stub", AccessToken: "tok",
	})
	if err != nil {
		t.Fatal(err)
	}

	status, body = env.do(t, http.MethodGet, "/api/connectors/stub", token, nil)
	if status != http.StatusOK || body["status"] != "configured" {
		t.Errorf("after credential: status = %d, body = %v", status, body)
	}

	status, _ = env.do(t, http.MethodGet, "/api/connectors/nope", token, nil)
	if status != http.StatusNotFound {
		t.Errorf("unknown connector status = %d", status)
	}
}

func TestStoreToken(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.register(t, "myns")

	status, body := env.do(t, http.MethodPost, "/api/connectors/stub/token", token,
		map[string]any{"token": "manual-tok", "expires_in": 3600})
	if status != http.StatusOK || body["success"] != true {
		t.Fatalf("status = %d, body = %v", status, body)
	}

	cred, err := env.creds.Get(context.Background(), "myns", "stub")
	if err != nil {
		t.Fatal(err)
	}
	if cred.AccessToken != "manual-tok" || cred.ExpiresAt == nil {
		t.Errorf("cred = %+v", cred)
	}
}

func TestStoreTokenErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.register(t, "myns")

	tests := []struct {
		name  string
		path  string
		token string
		body  map[string]any
		want  int
	}{
		{"unknown connector", "/api/connectors/nope/token", token, map[string]any{"token": "t"}, http.StatusNotFound},
		{"missing bearer", "/api/connectors/stub/token", "", map[string]any{"token": "t"}, http.StatusUnauthorized},
		{"missing token field", "/api/connectors/stub/token", token, map[string]any{}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := env.do(t, http.MethodPost, tt.path, tt.token, tt.body)
			if status != tt.want {
				t.Errorf("status = %d, want %d", status, tt.want)
			}
		})
	}
}

func TestDeleteToken(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.register(t, "myns")
	env.creds.Store(context.Background(), credentials.Credential{
		UserID: "myns", Connector: "stub", AccessToken: "tok",
	})

	status, body := env.do(t, http.MethodDelete, "/api/connectors/stub/token", token, nil)
	if status != http.StatusOK || body["existed"] != true {
		t.Fatalf("status = %d, body = %v", status, body)
	}
	status, body = env.do(t, http.MethodDelete, "/api/connectors/stub/token", token, nil)
	if status != http.StatusOK || body["existed"] != false {
		t.Errorf("second delete: status = %d, body = %v", status, body)
	}
}

func TestOAuthStartRedirects(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.register(t, "myns")

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	req, _ := http.NewRequest(http.MethodGet, env.ts.URL+"/api/connectors/stub/oauth/start", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	loc := resp.Header.Get("Location")
	if !strings.HasPrefix(loc, "https://provider.example/authorize?") {
		t.Errorf("Location = %q", loc)
	}
	if !strings.Contains(loc, "client_id=cid") || !strings.Contains(loc, "state=") {
		t.Errorf("Location missing params: %q", loc)
	}
}

func TestOAuthStartNoConfig(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.register(t, "myns")

	status, body := env.do(t, http.MethodGet, "/api/connectors/manual/oauth/start", token, nil)
	if status != http.StatusInternalServerError {
		t.Errorf("status = %d, body = %v", status, body)
	}
}

func TestOAuthCallbackErrors(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		path string
		want int
	}{
		{"provider error", "/api/connectors/stub/oauth/callback?error=access_denied&error_description=user+said+no", http.StatusBadRequest},
		{"missing code", "/api/connectors/stub/oauth/callback?state=abc", http.StatusBadRequest},
		{"missing state", "/api/connectors/stub/oauth/callback?code=abc", http.StatusBadRequest},
		{"bogus state", "/api/connectors/stub/oauth/callback?code=abc&state=bogus", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := env.do(t, http.MethodGet, tt.path, "", nil)
			if status != tt.want {
				t.Errorf("status = %d, want %d", status, tt.want)
			}
		})
	}
}
